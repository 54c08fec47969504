// Package broker multiplexes ledger events to live viewer subscriptions.
// Each subscription owns a bounded queue; a slow viewer loses its oldest
// undelivered events (and is flagged with a delivery gap) instead of ever
// stalling ingestion or other viewers. Broker memory is bounded by
// subscribers times queue depth regardless of ingestion rate.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// DefaultQueueDepth bounds a subscription queue when the caller passes zero.
const DefaultQueueDepth = 256

// Scope selects which events a subscription receives: a single rollup
// instance, or every instance belonging to a project.
type Scope struct {
	RollupID  string `json:"rollup_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// ProjectResolver maps a rollup instance to its owning project, used to
// match project-wide subscriptions. Implemented by the instance store.
type ProjectResolver func(ctx context.Context, rollupID string) (string, error)

// CheckpointStore persists per-subscription delivery positions so viewers
// can resume after a process restart. Queues themselves are process-local.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, subscriptionID, rollupID string, sequence uint64) error
	LoadCheckpoints(ctx context.Context, subscriptionID string) (map[string]uint64, error)
	DropCheckpoints(ctx context.Context, subscriptionID string) error
}

// Replayer supplies historical events for resumed subscriptions.
// Implemented by the event ledger.
type Replayer interface {
	ListSince(ctx context.Context, rollupID string, fromSeq uint64, limit int) ([]event.Event, error)
}

// Broker fans ledger events out to subscriptions.
type Broker struct {
	mu          sync.RWMutex
	subs        map[string]*Subscription
	depth       int
	resolver    ProjectResolver
	checkpoints CheckpointStore
	replayer    Replayer
	metrics     *metrics.Collector
	log         zerolog.Logger

	projMu   sync.RWMutex
	projects map[string]string // rollupID -> projectID cache
}

// New creates a broker. queueDepth <= 0 selects DefaultQueueDepth; resolver,
// checkpoints, replayer, and collector may each be nil to disable the
// corresponding feature.
func New(queueDepth int, resolver ProjectResolver, checkpoints CheckpointStore, replayer Replayer, collector *metrics.Collector) *Broker {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Broker{
		subs:        make(map[string]*Subscription),
		depth:       queueDepth,
		resolver:    resolver,
		checkpoints: checkpoints,
		replayer:    replayer,
		metrics:     collector,
		log:         logger.Named("broker"),
		projects:    make(map[string]string),
	}
}

// Subscribe registers a viewer for the scope. subscriberID is the viewer's
// durable identity used as the checkpoint key; a reconnect under the same
// identity resumes from the checkpointed positions and replaces any live
// subscription with that identity. Empty subscriberID means an anonymous
// subscription with a minted id and no resume across restarts. When
// resumeFrom is non-nil the ledger is replayed from that sequence instead of
// the checkpoints; without either, delivery starts at the live edge.
// Project-wide resume replays only the checkpointed instances.
func (b *Broker) Subscribe(ctx context.Context, scope Scope, subscriberID string, resumeFrom *uint64) (*Subscription, error) {
	if scope.RollupID == "" && scope.ProjectID == "" {
		return nil, errors.New("subscription scope required")
	}

	durable := subscriberID != ""
	if !durable {
		subscriberID = uuid.NewString()
	}

	sub := &Subscription{
		ID:            subscriberID,
		Scope:         scope,
		durable:       durable,
		queue:         make(chan event.Event, b.depth),
		done:          make(chan struct{}),
		lastDelivered: make(map[string]uint64),
		broker:        b,
	}

	// Resume positions: an explicit resumeFrom wins; otherwise a durable
	// subscriber picks up the positions checkpointed under its identity
	// before the restart or disconnect.
	resume := make(map[string]uint64)
	switch {
	case resumeFrom != nil && scope.RollupID != "":
		resume[scope.RollupID] = *resumeFrom
	case durable && b.checkpoints != nil:
		positions, err := b.checkpoints.LoadCheckpoints(ctx, subscriberID)
		if err != nil {
			b.log.Warn().Err(err).Str("subscription", subscriberID).Msg("load checkpoints failed")
		}
		for rollupID, seq := range positions {
			if scope.RollupID != "" && rollupID != scope.RollupID {
				continue
			}
			resume[rollupID] = seq
		}
	}
	for rollupID, seq := range resume {
		sub.lastDelivered[rollupID] = seq
	}

	// Replay history before going live so the queue stays in sequence
	// order; the tail fetched after registration may overlap with live
	// publishes, which Recv filters by sequence.
	lastReplayed := make(map[string]uint64, len(resume))
	if b.replayer != nil {
		for rollupID, seq := range resume {
			history, err := b.replayer.ListSince(ctx, rollupID, seq, 0)
			if err != nil {
				return nil, err
			}
			lastReplayed[rollupID] = seq
			for _, ev := range history {
				sub.enqueue(ev, b)
				lastReplayed[rollupID] = ev.Sequence
			}
		}
	}

	b.mu.Lock()
	prev, replaced := b.subs[sub.ID]
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()
	if replaced {
		// Reconnect under the same identity: the newest connection wins.
		prev.close()
	}
	if b.metrics != nil {
		b.metrics.RecordSubscribers(n)
	}

	if b.replayer != nil {
		// Catch up on anything appended during the replay window.
		for rollupID, seq := range lastReplayed {
			tail, err := b.replayer.ListSince(ctx, rollupID, seq, 0)
			if err != nil {
				b.Unsubscribe(sub.ID)
				return nil, err
			}
			for _, ev := range tail {
				sub.enqueue(ev, b)
			}
		}
	}

	b.log.Info().Str("subscription", sub.ID).Str("rollup", scope.RollupID).Str("project", scope.ProjectID).Msg("viewer subscribed")
	return sub, nil
}

// Unsubscribe removes the subscription and stops its delivery.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if b.metrics != nil {
		b.metrics.RecordSubscribers(n)
	}
	// Durable identities keep their checkpoints so the viewer can resume
	// after a restart; anonymous positions are unreachable once the minted
	// id is gone.
	if b.checkpoints != nil && !sub.durable {
		_ = b.checkpoints.DropCheckpoints(context.Background(), id)
	}
}

// Publish enqueues the event to every matching subscription. It never blocks:
// full queues drop their oldest undelivered event for that subscriber only.
func (b *Broker) Publish(ev event.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var projectID string
	for _, sub := range subs {
		switch {
		case sub.Scope.RollupID != "":
			if sub.Scope.RollupID != ev.RollupID {
				continue
			}
		case sub.Scope.ProjectID != "":
			if projectID == "" {
				projectID = b.projectOf(ev.RollupID)
			}
			if projectID == "" || sub.Scope.ProjectID != projectID {
				continue
			}
		}
		sub.enqueue(ev, b)
		if b.metrics != nil {
			b.metrics.RecordFanout(ev.RollupID)
		}
	}
}

// CancelInstance terminates every subscription scoped to the rollup.
// Project-wide subscriptions stay live for the project's other instances.
func (b *Broker) CancelInstance(rollupID string) {
	b.mu.Lock()
	var cancelled []*Subscription
	for id, sub := range b.subs {
		if sub.Scope.RollupID == rollupID {
			delete(b.subs, id)
			cancelled = append(cancelled, sub)
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	for _, sub := range cancelled {
		sub.close()
	}
	if b.metrics != nil && len(cancelled) > 0 {
		b.metrics.RecordSubscribers(n)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) projectOf(rollupID string) string {
	b.projMu.RLock()
	projectID, ok := b.projects[rollupID]
	b.projMu.RUnlock()
	if ok {
		return projectID
	}
	if b.resolver == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	projectID, err := b.resolver(ctx, rollupID)
	if err != nil {
		return ""
	}

	b.projMu.Lock()
	b.projects[rollupID] = projectID
	b.projMu.Unlock()
	return projectID
}

// Subscription is one viewer's bounded delivery queue.
type Subscription struct {
	ID    string
	Scope Scope

	durable bool
	queue   chan event.Event
	done    chan struct{}

	mu            sync.Mutex
	closed        bool
	gap           bool
	lastDelivered map[string]uint64

	broker *Broker
}

// enqueue adds the event, evicting the oldest entry when the queue is full.
func (s *Subscription) enqueue(ev event.Event, b *Broker) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- ev:
		return
	default:
	}

	// Queue full: evict the oldest undelivered event and flag the gap.
	select {
	case old := <-s.queue:
		if b.metrics != nil {
			b.metrics.RecordDrop(old.RollupID)
		}
	default:
	}
	s.mu.Lock()
	s.gap = true
	s.mu.Unlock()

	select {
	case s.queue <- ev:
	default:
		if b.metrics != nil {
			b.metrics.RecordDrop(ev.RollupID)
		}
	}
}

// Recv returns the next event for the viewer, filtering replays already
// delivered, and records the delivery position. ok is false once the
// subscription is cancelled or ctx expires.
func (s *Subscription) Recv(ctx context.Context) (event.Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return event.Event{}, false
		case <-s.done:
			return event.Event{}, false
		case ev := <-s.queue:
			s.mu.Lock()
			if last, ok := s.lastDelivered[ev.RollupID]; ok && ev.Sequence <= last {
				s.mu.Unlock()
				continue
			}
			s.lastDelivered[ev.RollupID] = ev.Sequence
			s.mu.Unlock()

			if s.broker != nil && s.broker.checkpoints != nil {
				_ = s.broker.checkpoints.SaveCheckpoint(ctx, s.ID, ev.RollupID, ev.Sequence)
			}
			return ev, true
		}
	}
}

// HasGap reports whether deliveries were dropped since the last check and
// clears the flag. The websocket layer surfaces this to the client so it can
// request a ledger replay from its last-delivered sequence.
func (s *Subscription) HasGap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	gap := s.gap
	s.gap = false
	return gap
}

// LastDelivered returns the highest delivered sequence per rollup instance.
func (s *Subscription) LastDelivered() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.lastDelivered))
	for k, v := range s.lastDelivered {
		out[k] = v
	}
	return out
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
