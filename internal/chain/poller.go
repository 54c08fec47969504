package chain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Outcome is delivered once per watched transaction when it reaches a final
// state on the base chain.
type Outcome struct {
	BatchID  string
	TxRef    string
	Status   ConfirmationStatus
	Reason   string
	Observed time.Time
}

// OutcomeHandler receives final outcomes from the poller.
type OutcomeHandler func(ctx context.Context, out Outcome)

// Poller tracks submitted transactions and reports confirmation or rejection.
// Pending and unknown statuses are polled again on the next tick; unknown
// transactions are given up on after maxUnknown consecutive sightings.
type Poller struct {
	submitter  Submitter
	interval   time.Duration
	maxUnknown int
	handler    OutcomeHandler
	log        zerolog.Logger

	mu      sync.Mutex
	watched map[string]*watch // keyed by txRef
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type watch struct {
	batchID string
	unknown int
}

// NewPoller creates a poller. interval <= 0 defaults to 5s.
func NewPoller(submitter Submitter, interval time.Duration, handler OutcomeHandler) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		submitter:  submitter,
		interval:   interval,
		maxUnknown: 12,
		handler:    handler,
		log:        logger.Named("chain-poller"),
		watched:    make(map[string]*watch),
	}
}

// Watch adds a transaction to the polling set.
func (p *Poller) Watch(batchID, txRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[txRef]; !ok {
		p.watched[txRef] = &watch{batchID: batchID}
	}
}

// Start begins the polling loop. Stop cancels it and waits for the loop to
// exit.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts the polling loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) pollOnce(ctx context.Context) {
	p.mu.Lock()
	refs := make([]string, 0, len(p.watched))
	for ref := range p.watched {
		refs = append(refs, ref)
	}
	p.mu.Unlock()

	for _, ref := range refs {
		status, err := p.submitter.BatchStatus(ctx, ref)
		if err != nil {
			p.log.Warn().Err(err).Str("tx_ref", ref).Msg("status poll failed")
			continue
		}

		switch status {
		case StatusConfirmed, StatusRejected:
			p.resolve(ctx, ref, status, "")
		case StatusUnknown:
			p.mu.Lock()
			w, ok := p.watched[ref]
			if ok {
				w.unknown++
			}
			exhausted := ok && w.unknown >= p.maxUnknown
			p.mu.Unlock()
			if exhausted {
				// The chain never saw the transaction; treat as a
				// rejection so the batch can be resubmitted.
				p.resolve(ctx, ref, StatusRejected, "transaction unknown to base chain")
			}
		case StatusPending:
			p.mu.Lock()
			if w, ok := p.watched[ref]; ok {
				w.unknown = 0
			}
			p.mu.Unlock()
		}
	}
}

func (p *Poller) resolve(ctx context.Context, txRef string, status ConfirmationStatus, reason string) {
	p.mu.Lock()
	w, ok := p.watched[txRef]
	if ok {
		delete(p.watched, txRef)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if p.handler != nil {
		p.handler(ctx, Outcome{
			BatchID:  w.batchID,
			TxRef:    txRef,
			Status:   status,
			Reason:   reason,
			Observed: time.Now().UTC(),
		})
	}
}
