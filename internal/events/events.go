package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/liqflow/liqflow/internal/flow"
)

const (
	TypeTransitionV1 = "flow.transition.v1"
	DefaultTopic     = "liqflow.flow.transitions"
)

// Envelope is the wire form of one flow state change.
type Envelope struct {
	Type       string        `json:"type"`
	FlowID     string        `json:"flowId"`
	From       flow.State    `json:"from"`
	To         flow.State    `json:"to"`
	Snapshot   flow.Snapshot `json:"snapshot"`
	Failure    string        `json:"failure,omitempty"`
	FailureMsg string        `json:"failureMsg,omitempty"`
	At         time.Time     `json:"at"`
}

func Encode(tr flow.Transition) ([]byte, error) {
	env := Envelope{
		Type:     TypeTransitionV1,
		FlowID:   tr.Snapshot.ID,
		From:     tr.From,
		To:       tr.To,
		Snapshot: tr.Snapshot,
		At:       tr.Snapshot.UpdatedAt.UTC(),
	}
	if e := tr.Snapshot.Err; e != nil {
		env.Failure = e.Kind.String()
		env.FailureMsg = e.Error()
	}
	return json.Marshal(env)
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode: %w", err)
	}
	if env.Type != TypeTransitionV1 {
		return Envelope{}, fmt.Errorf("events: unsupported event type %q", env.Type)
	}
	return env, nil
}

// Publisher emits an Envelope for every state change of a flow. Progress updates within a
// state are not published.
type Publisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	log      *slog.Logger
}

func NewPublisher(p Producer, topic string, log *slog.Logger) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{producer: p, topic: topic, timeout: 5 * time.Second, log: log}, nil
}

func (p *Publisher) ObserveTransition(ctx context.Context, tr flow.Transition) {
	if !tr.Changed() {
		return
	}
	b, err := Encode(tr)
	if err != nil {
		p.log.Error("encode transition", "flowId", tr.Snapshot.ID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.topic, []byte(tr.Snapshot.ID), b); err != nil {
		p.log.Warn("publish transition", "flowId", tr.Snapshot.ID, "to", tr.To, "err", err)
	}
}

var _ flow.Observer = (*Publisher)(nil)
