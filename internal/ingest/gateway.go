// Package ingest implements the event ingestion gateway. Each rollup
// instance pushes its event stream over one long-lived connection; the
// gateway assigns the connection an ingestion epoch, enforces sequence
// discipline, writes events durably to the ledger exactly once, and hands
// them to the fan-out broker on a best-effort basis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// ErrUnknownInstance is returned when events arrive from an unrecognized or
// terminated rollup instance. The events are dropped and logged for audit.
var ErrUnknownInstance = errors.New("unknown or terminated rollup instance")

// ErrSessionClosed is returned when frames arrive on a cancelled session.
var ErrSessionClosed = errors.New("ingestion session closed")

// Frame is one event tuple pushed by a rollup instance.
type Frame struct {
	Sequence uint64 `json:"sequence"`
	Type     string `json:"type"`
	Payload  []byte `json:"payload"`
}

// ResendFunc asks the upstream connection to retransmit from the given
// sequence. Transports that cannot retransmit leave it nil; the gateway then
// flags the epoch gap and keeps going.
type ResendFunc func(fromSeq uint64) error

// Publisher receives durably written events for fan-out. Broker
// unavailability never blocks or loses the durable write.
type Publisher interface {
	Publish(ev event.Event)
}

// Gateway validates and orders inbound event streams.
type Gateway struct {
	instances storage.InstanceStore
	ledger    *ledger.Ledger
	publisher Publisher
	rateLimit rate.Limit
	burst     int
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Config tunes the gateway.
type Config struct {
	// EventsPerSecond throttles one connection; zero means unlimited.
	EventsPerSecond float64
	Burst           int
}

// New creates a gateway. publisher may be nil (persist only).
func New(instances storage.InstanceStore, lg *ledger.Ledger, publisher Publisher, cfg Config) *Gateway {
	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 512
	}
	return &Gateway{
		instances: instances,
		ledger:    lg,
		publisher: publisher,
		rateLimit: limit,
		burst:     burst,
		log:       logger.Named("ingest"),
		sessions:  make(map[string]*Session),
	}
}

// OpenSession starts an ingestion session for the instance, allocating the
// next ingestion epoch. An existing session for the same instance is closed
// first: the newest connection wins after a reconnect.
func (g *Gateway) OpenSession(ctx context.Context, rollupID string, resend ResendFunc) (*Session, error) {
	inst, err := g.instances.GetInstance(ctx, rollupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.log.Warn().Str("rollup", rollupID).Msg("events from unknown instance rejected")
			return nil, ErrUnknownInstance
		}
		return nil, err
	}
	if !inst.Status.AcceptsEvents() {
		g.log.Warn().Str("rollup", rollupID).Stringer("status", inst.Status).Msg("events from non-accepting instance rejected")
		return nil, fmt.Errorf("%w: instance %s is %s", ErrUnknownInstance, rollupID, inst.Status)
	}

	epoch, err := g.ledger.NextEpoch(ctx, rollupID)
	if err != nil {
		return nil, err
	}

	// The new epoch continues the instance's stream, not a fresh one: the
	// sequence baseline comes from the ledger so a jump past the last stored
	// event is caught even when the drop spanned the reconnect.
	lastSeq, err := g.ledger.LastSequence(ctx, rollupID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		RollupID: rollupID,
		Epoch:    epoch,
		gateway:  g,
		resend:   resend,
		limiter:  rate.NewLimiter(g.rateLimit, g.burst),
		done:     make(chan struct{}),
		started:  time.Now().UTC(),
		lastSeq:  lastSeq,
	}

	g.mu.Lock()
	if old, ok := g.sessions[rollupID]; ok {
		old.closeLocked()
	}
	g.sessions[rollupID] = s
	g.mu.Unlock()

	g.log.Info().Str("rollup", rollupID).Uint64("epoch", epoch).Msg("ingestion session opened")
	return s, nil
}

// CloseInstance cancels the instance's ingestion session, if any. Called by
// the lifecycle machine when the instance terminates.
func (g *Gateway) CloseInstance(rollupID string) {
	g.mu.Lock()
	s, ok := g.sessions[rollupID]
	if ok {
		delete(g.sessions, rollupID)
	}
	g.mu.Unlock()
	if ok {
		s.closeLocked()
		s.persistProgress(context.Background())
	}
}

func (g *Gateway) dropSession(s *Session) {
	g.mu.Lock()
	if cur, ok := g.sessions[s.RollupID]; ok && cur == s {
		delete(g.sessions, s.RollupID)
	}
	g.mu.Unlock()
}

// Session is one live ingestion connection epoch.
type Session struct {
	RollupID string
	Epoch    uint64

	gateway *Gateway
	resend  ResendFunc
	limiter *rate.Limiter
	started time.Time

	mu          sync.Mutex
	lastSeq     uint64
	gapDetected bool
	closed      bool
	done        chan struct{}
}

// Ingest processes one frame: sequence check, durable dedup write, best-effort
// fan-out. The wire is at-least-once; the ledger write is exactly-once.
func (s *Session) Ingest(ctx context.Context, f Frame) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	last := s.lastSeq
	s.mu.Unlock()

	// Within an epoch sequences advance by exactly one. Anything at or
	// below the last good sequence is a replay and is resolved by the
	// ledger's dedup; a jump beyond last+1 is a gap.
	if last != 0 && f.Sequence > last+1 {
		s.handleGap(ctx, last)
	}

	ev := event.Event{
		RollupID:   s.RollupID,
		Epoch:      s.Epoch,
		Sequence:   f.Sequence,
		Type:       f.Type,
		Payload:    f.Payload,
		ReceivedAt: time.Now().UTC(),
	}

	inserted, err := s.gateway.ledger.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("durable write seq %d: %w", f.Sequence, err)
	}

	s.mu.Lock()
	if f.Sequence > s.lastSeq {
		s.lastSeq = f.Sequence
	}
	s.mu.Unlock()

	// Fan-out only follows a fresh durable write; replays were already
	// delivered in sequence order and must not reorder live viewers.
	if inserted && s.gateway.publisher != nil {
		s.gateway.publisher.Publish(ev)
	}
	return nil
}

// handleGap requests retransmission when the transport supports it and
// otherwise flags the epoch for audit. Ingestion continues either way.
func (s *Session) handleGap(ctx context.Context, lastGood uint64) {
	if s.resend != nil {
		if err := s.resend(lastGood + 1); err == nil {
			return
		}
		// Retransmission unavailable after all; fall through to flagging.
	}

	s.mu.Lock()
	already := s.gapDetected
	s.gapDetected = true
	s.mu.Unlock()
	if already {
		return
	}

	_ = s.gateway.ledger.FlagGap(ctx, event.EpochStatus{
		RollupID:     s.RollupID,
		Epoch:        s.Epoch,
		LastSequence: lastGood,
		StartedAt:    s.started,
	})
}

// Close ends the session and persists the epoch's final progress.
func (s *Session) Close(ctx context.Context) {
	s.gateway.dropSession(s)
	s.closeLocked()
	s.persistProgress(ctx)
}

// Done is closed when the session is cancelled, e.g. on instance teardown.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Session) persistProgress(ctx context.Context) {
	s.mu.Lock()
	es := event.EpochStatus{
		RollupID:     s.RollupID,
		Epoch:        s.Epoch,
		LastSequence: s.lastSeq,
		GapDetected:  s.gapDetected,
		StartedAt:    s.started,
	}
	s.mu.Unlock()
	if err := s.gateway.ledger.RecordEpochProgress(ctx, es); err != nil {
		s.gateway.log.Warn().Err(err).Str("rollup", s.RollupID).Uint64("epoch", s.Epoch).Msg("persist epoch progress failed")
	}
}
