package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Scheduler triggers periodic settlement cycles for every Active instance.
type Scheduler struct {
	coordinator *Coordinator
	instances   storage.InstanceStore
	spec        string
	timeout     time.Duration
	cron        *cron.Cron
	log         zerolog.Logger
}

// NewScheduler creates a scheduler. spec is a cron expression or @every
// duration; empty selects "@every 30s".
func NewScheduler(coordinator *Coordinator, instances storage.InstanceStore, spec string) *Scheduler {
	if spec == "" {
		spec = "@every 30s"
	}
	return &Scheduler{
		coordinator: coordinator,
		instances:   instances,
		spec:        spec,
		timeout:     time.Minute,
		log:         logger.Named("settlement-scheduler"),
	}
}

// Start begins the periodic trigger.
func (s *Scheduler) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info().Str("schedule", s.spec).Msg("settlement scheduler started")
	return nil
}

// Stop halts the trigger, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	instances, err := s.instances.ListInstances(ctx, "")
	if err != nil {
		s.log.Error().Err(err).Msg("list instances for settlement")
		return
	}

	for _, inst := range instances {
		if inst.Status != instance.StatusActive {
			continue
		}
		if _, err := s.coordinator.Settle(ctx, inst.ID); err != nil {
			if errors.Is(err, ErrNothingToSettle) || errors.Is(err, ErrSettlementInFlight) {
				continue
			}
			s.log.Warn().Err(err).Str("rollup", inst.ID).Msg("scheduled settlement failed")
		}
	}
}
