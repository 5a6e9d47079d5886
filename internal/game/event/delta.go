package event

import "time"

// DeltaKind names the sub-state a delta touches.
type DeltaKind string

const (
	DeltaParticipant DeltaKind = "participant"
	DeltaPosition    DeltaKind = "position"
	DeltaMap         DeltaKind = "map"
)

// Delta is a fine-grained change to one target. Deltas with the same Kind and Target merge.
type Delta struct {
	Kind   DeltaKind      `json:"kind"`
	Target string         `json:"target"`
	Fields map[string]any `json:"fields"`
	At     time.Time      `json:"at"`
}

// Key identifies the mergeable group a delta belongs to.
func (d Delta) Key() string {
	return string(d.Kind) + "/" + d.Target
}

// Merge folds later into d: later fields overwrite, the timestamp becomes the max.
//
// Precondition: d.Key() == later.Key().
func (d Delta) Merge(later Delta) Delta {
	fields := make(map[string]any, len(d.Fields)+len(later.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	for k, v := range later.Fields {
		fields[k] = v
	}
	at := d.At
	if later.At.After(at) {
		at = later.At
	}
	return Delta{Kind: d.Kind, Target: d.Target, Fields: fields, At: at}
}
