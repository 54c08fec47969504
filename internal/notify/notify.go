// Package notify delivers lifecycle-changed notifications to the dashboard's
// websocket layer and other out-of-process consumers. The pipeline only
// publishes; rendering and client routing belong to the surrounding
// application.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
)

// LifecycleChange describes one status transition of a rollup instance.
type LifecycleChange struct {
	InstanceID string          `json:"instance_id"`
	ProjectID  string          `json:"project_id"`
	From       instance.Status `json:"from"`
	To         instance.Status `json:"to"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher publishes lifecycle changes. Implementations must not block the
// lifecycle machine; slow consumers are the publisher's problem.
type Publisher interface {
	PublishLifecycle(ctx context.Context, change LifecycleChange) error
}

// Handler consumes lifecycle changes from the in-process publisher.
type Handler func(LifecycleChange)

// InProc fans lifecycle changes out to in-process handlers. Handlers are
// invoked outside the lock, synchronously in publish order.
type InProc struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[int64]Handler
}

var _ Publisher = (*InProc)(nil)

// NewInProc creates an in-process publisher with no handlers.
func NewInProc() *InProc {
	return &InProc{handlers: make(map[int64]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (p *InProc) Subscribe(h Handler) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = h
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// PublishLifecycle implements Publisher.
func (p *InProc) PublishLifecycle(_ context.Context, change LifecycleChange) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}

	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
	return nil
}

// NoOp discards all notifications.
type NoOp struct{}

var _ Publisher = NoOp{}

// PublishLifecycle implements Publisher.
func (NoOp) PublishLifecycle(context.Context, LifecycleChange) error { return nil }

// Multi publishes to several publishers in order, returning the first error
// after attempting all of them.
type Multi []Publisher

var _ Publisher = Multi(nil)

// PublishLifecycle implements Publisher.
func (m Multi) PublishLifecycle(ctx context.Context, change LifecycleChange) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishLifecycle(ctx, change); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
