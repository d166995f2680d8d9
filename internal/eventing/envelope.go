package eventing

import (
	"encoding/json"
	"time"
)

// Envelope is what sinks see of a published event.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	RunID      string          `json:"run_id,omitempty"`
	MeterID    string          `json:"meter_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Subject is implemented by events that concern a single meter. Sinks key
// and timestamp envelopes by it.
type Subject interface {
	Subject() (meterID string, occurredAt time.Time)
}

// BuildEnvelope wraps event with a fresh event id. Events that are not a
// Subject are stamped with the current time and carry no meter id.
func BuildEnvelope(event any, runID string) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventID:   NewEventID(),
		EventType: EventType(event),
		RunID:     runID,
		Payload:   payload,
	}
	if s, ok := event.(Subject); ok {
		env.MeterID, env.OccurredAt = s.Subject()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	return env, nil
}
