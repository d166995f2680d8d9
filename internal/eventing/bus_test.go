package eventing

import (
	"context"
	"errors"
	"testing"
	"time"
)

type sampleEvent struct {
	MeterID    string
	OccurredAt time.Time
}

func (e sampleEvent) Subject() (string, time.Time) { return e.MeterID, e.OccurredAt }

type anonymousEvent struct{ N int }

func TestInMemoryBusDeliversEnvelope(t *testing.T) {
	bus := NewInMemoryBus()
	var got []Envelope
	bus.Subscribe(EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok {
			t.Fatalf("missing envelope")
		}
		if _, ok := event.(sampleEvent); !ok {
			t.Fatalf("unexpected event %T", event)
		}
		got = append(got, env)
		return nil
	})

	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	ctx := WithRunID(context.Background(), "run-1")
	if err := bus.Publish(ctx, sampleEvent{MeterID: "m1", OccurredAt: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	env := got[0]
	if env.MeterID != "m1" || env.RunID != "run-1" || !env.OccurredAt.Equal(at) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.EventType != EventTypeOf[sampleEvent]() || len(env.EventID) != 32 {
		t.Fatalf("unexpected envelope identity %+v", env)
	}
}

func TestInMemoryBusRunsAllHandlersAndReturnsFirstError(t *testing.T) {
	bus := NewInMemoryBus()
	first := errors.New("first")
	calls := 0
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error { calls++; return first })
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error { calls++; return errors.New("second") })

	err := bus.Publish(context.Background(), &sampleEvent{MeterID: "m1"})
	if !errors.Is(err, first) {
		t.Fatalf("expected first error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestSubscribeWithProcessedStoreIsIdempotent(t *testing.T) {
	bus := NewInMemoryBus()
	store := NewMemoryProcessedStore(0)
	calls := 0
	Subscribe(bus, EventTypeOf[sampleEvent](), "counter", func(context.Context, any) error {
		calls++
		return nil
	}, store)

	env, err := BuildEnvelope(sampleEvent{MeterID: "m1"}, "")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.EventID = "evt-1"
	ctx := WithEnvelope(context.Background(), env)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, sampleEvent{MeterID: "m1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
}

func TestMemoryProcessedStoreIsBounded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProcessedStore(2)
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := store.MarkProcessed(ctx, id, "counter"); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}
	if n := store.Len(); n != 2 {
		t.Fatalf("expected 2 remembered pairs, got %d", n)
	}
	if ok, _ := store.HasProcessed(ctx, "evt-1", "counter"); ok {
		t.Fatalf("expected oldest pair to be forgotten")
	}
	for _, id := range []string{"evt-2", "evt-3"} {
		if ok, _ := store.HasProcessed(ctx, id, "counter"); !ok {
			t.Fatalf("expected %s to be remembered", id)
		}
	}
}

func TestSubscribeWithoutStoreDeliversEveryEvent(t *testing.T) {
	bus := NewInMemoryBus()
	calls := 0
	Subscribe(bus, EventTypeOf[sampleEvent](), "counter", func(context.Context, any) error {
		calls++
		return nil
	}, nil)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), sampleEvent{MeterID: "m1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 deliveries, got %d", calls)
	}
}

func TestBuildEnvelopeWithoutSubject(t *testing.T) {
	before := time.Now()
	env, err := BuildEnvelope(anonymousEvent{N: 3}, "")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.MeterID != "" || env.RunID != "" {
		t.Fatalf("unexpected subject %+v", env)
	}
	if env.OccurredAt.Before(before.UTC().Add(-time.Second)) || env.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected current UTC time, got %v", env.OccurredAt)
	}
	if string(env.Payload) != `{"N":3}` {
		t.Fatalf("unexpected payload %s", env.Payload)
	}
	if _, err := BuildEnvelope(nil, ""); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}
