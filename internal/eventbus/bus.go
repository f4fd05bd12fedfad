// Package eventbus provides the in-process fan-out publish/subscribe
// primitive shared by every coordination component. Each component (feature
// flags, hierarchy registry, state machine, session registry, coordination
// database, dashboard manager, ...) owns its own Bus instance and publishes
// its own named events on it. Delivery is synchronous: Publish returns only
// after every subscriber's HandleEvent has returned.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// Event is a single published notification. Type is a component-scoped
	// name such as "hierarchy:registered" or "conflict:resolved". Payload
	// carries the event-specific data; subscribers type-assert it.
	Event struct {
		// Type names the event, e.g. "flag:changed".
		Type string
		// Payload carries event-specific data.
		Payload any
		// Timestamp records when the event was published.
		Timestamp time.Time
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		// HandleEvent processes a single event. Returning an error stops the
		// bus from delivering the event to any remaining subscribers.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Bus publishes events to registered subscribers in a synchronous,
	// fail-fast fan-out. Safe for concurrent use.
	Bus struct {
		mu   sync.RWMutex
		subs map[*subscription]Subscriber
	}

	subscription struct {
		bus  *Bus
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// New constructs a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]Subscriber)}
}

// Publish delivers event to every currently registered subscriber, in no
// particular order, stopping at the first error. A nil-safe no-op when the
// receiver is nil, so components can embed an optional bus without guarding
// every call site.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus and returns a Subscription that removes it on
// Close.
func (b *Bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("eventbus: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subs[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close unregisters the subscription. Idempotent and safe for concurrent
// use.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}
