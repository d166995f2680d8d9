package eventing

import (
	"context"
	"sync"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe wraps handler with idempotency if store is provided.
func Subscribe(bus EventBus, eventType, consumerName string, handler EventHandler, store ProcessedStore) {
	if store == nil {
		bus.Subscribe(eventType, handler)
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler enforces idempotency per consumer.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

// DefaultProcessedCapacity bounds MemoryProcessedStore when no capacity is given.
const DefaultProcessedCapacity = 4096

// MemoryProcessedStore remembers the most recent processed (event, consumer)
// pairs in memory. The oldest pair is forgotten once capacity is reached.
type MemoryProcessedStore struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	next     int
	capacity int
}

// NewMemoryProcessedStore constructs an empty store holding at most capacity pairs.
func NewMemoryProcessedStore(capacity int) *MemoryProcessedStore {
	if capacity <= 0 {
		capacity = DefaultProcessedCapacity
	}
	return &MemoryProcessedStore{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// HasProcessed reports whether the consumer already handled the event.
func (s *MemoryProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"/"+eventID]
	return ok, nil
}

// MarkProcessed records the event as handled by the consumer.
func (s *MemoryProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	_ = ctx
	key := consumerName + "/" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return nil
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, key)
	} else {
		delete(s.seen, s.order[s.next])
		s.order[s.next] = key
		s.next = (s.next + 1) % s.capacity
	}
	s.seen[key] = struct{}{}
	return nil
}

// Len returns the number of remembered pairs.
func (s *MemoryProcessedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
