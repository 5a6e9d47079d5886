// Package relay shares flushed broadcast batches between server nodes over NATS, so
// subscribers attached to any node see every room's traffic.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/game/event"
)

// Envelope is the wire form of a relayed batch.
type Envelope struct {
	Node          string        `json:"node"`
	InteractionID string        `json:"interactionId"`
	Events        []event.Event `json:"events"`
	Deltas        []event.Delta `json:"deltas,omitempty"`
	FlushedAt     time.Time     `json:"flushedAt"`
}

// Batch converts e back into a broadcast batch.
func (e Envelope) Batch() broadcast.Batch {
	return broadcast.Batch{
		InteractionID: e.InteractionID,
		Events:        e.Events,
		Deltas:        e.Deltas,
		FlushedAt:     e.FlushedAt,
	}
}

// Publisher is the subset of *nats.Conn used to publish.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Sink receives batches relayed from other nodes.
type Sink interface {
	DeliverRemote(b broadcast.Batch)
}

// Relay publishes local batches and forwards remote ones to a Sink.
type Relay struct {
	node   string
	prefix string
	pub    Publisher
	logger *zap.Logger
	sub    *nats.Subscription
}

// New builds a relay publishing through pub under prefix.<interactionID>.
//
// Precondition: prefix must be non-empty and pub non-nil.
func New(pub Publisher, prefix string, logger *zap.Logger) *Relay {
	return &Relay{
		node:   uuid.NewString(),
		prefix: strings.TrimSuffix(prefix, "."),
		pub:    pub,
		logger: logger,
	}
}

// Connect dials NATS with reconnects enabled.
//
// Postcondition: Returns an open connection or an error.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("tablesync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Node returns this relay's node id.
func (r *Relay) Node() string { return r.node }

// Subject returns the subject batches for interactionID are published on.
func (r *Relay) Subject(interactionID string) string {
	return r.prefix + "." + interactionID
}

// ObserveBatch publishes b. Failures are logged; relaying is best effort.
func (r *Relay) ObserveBatch(b broadcast.Batch) {
	data, err := json.Marshal(Envelope{
		Node:          r.node,
		InteractionID: b.InteractionID,
		Events:        b.Events,
		Deltas:        b.Deltas,
		FlushedAt:     b.FlushedAt,
	})
	if err != nil {
		r.logger.Error("encoding relayed batch", zap.String("interaction_id", b.InteractionID), zap.Error(err))
		return
	}
	if err := r.pub.Publish(r.Subject(b.InteractionID), data); err != nil {
		r.logger.Warn("publishing relayed batch", zap.String("interaction_id", b.InteractionID), zap.Error(err))
	}
}

// Handle decodes one relayed message and hands it to sink unless this node sent it.
//
// Postcondition: Returns true when the batch was delivered to sink.
func (r *Relay) Handle(data []byte, sink Sink) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("dropping undecodable relayed batch", zap.Error(err))
		return false
	}
	if env.Node == r.node || env.InteractionID == "" {
		return false
	}
	sink.DeliverRemote(env.Batch())
	return true
}

// Listen subscribes to every room subject on nc and forwards remote batches to sink.
//
// Precondition: Listen must be called at most once.
func (r *Relay) Listen(nc *nats.Conn, sink Sink) error {
	if r.sub != nil {
		return errors.New("relay already listening")
	}
	sub, err := nc.Subscribe(r.prefix+".*", func(m *nats.Msg) {
		r.Handle(m.Data, sink)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s.*: %w", r.prefix, err)
	}
	r.sub = sub
	return nil
}

// Close stops listening.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
