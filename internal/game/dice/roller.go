package dice

import (
	"slices"

	"go.uber.org/zap"
)

// Roller throws dice from a Source and logs every roll at debug level.
// All methods are safe for concurrent use when the Source is.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewRoller creates a Roller. A nil src uses crypto/rand.
//
// Precondition: logger must be non-nil.
func NewRoller(src Source, logger *zap.Logger) *Roller {
	if src == nil {
		src = NewCryptoSource()
	}
	return &Roller{src: src, logger: logger}
}

// Roll throws e.
//
// Postcondition: len(Rolled) == e.Count; len(Kept) == e.KeepHighest when set, else e.Count.
func (r *Roller) Roll(e Expression) RollResult {
	rolled := make([]int, e.Count)
	for i := range rolled {
		rolled[i] = r.src.Intn(e.Sides) + 1
	}
	kept := rolled
	if e.KeepHighest > 0 {
		kept = slices.Clone(rolled)
		slices.SortFunc(kept, func(a, b int) int { return b - a })
		kept = kept[:e.KeepHighest]
	}
	res := RollResult{Expression: e.Raw, Rolled: rolled, Kept: kept, Modifier: e.Modifier}
	r.logger.Debug("dice roll",
		zap.String("expression", res.Expression),
		zap.Ints("rolled", res.Rolled),
		zap.Ints("kept", res.Kept),
		zap.Int("total", res.Total()),
	)
	return res
}

// RollExpr parses and throws raw.
func (r *Roller) RollExpr(raw string) (RollResult, error) {
	e, err := Parse(raw)
	if err != nil {
		return RollResult{}, err
	}
	return r.Roll(e), nil
}
