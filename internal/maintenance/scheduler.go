// Package maintenance runs the background upkeep jobs: periodic cache-stats
// flushes to the persistent store and health-counter decay.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"conductor/internal/cachestats"
	"conductor/internal/config"
	"conductor/internal/routing/health"
	"conductor/internal/telemetry"
)

const (
	// stopGrace bounds the wait for in-flight jobs during shutdown.
	stopGrace    = 30 * time.Second
	flushTimeout = 10 * time.Second
)

// Scheduler owns the cron loop. Collaborators are optional: without a store
// and tracker there is no flush job, without a health tracker no decay job.
type Scheduler struct {
	cfg     config.MaintenanceConfig
	tracker *cachestats.Tracker
	store   *cachestats.Store
	health  *health.Tracker
	logger  telemetry.Logger

	cron *cron.Cron
}

// New creates a scheduler over the given collaborators. Jobs are registered
// on Start, not here, so a scheduler that is never started costs nothing.
func New(cfg config.MaintenanceConfig, tracker *cachestats.Tracker, store *cachestats.Store, healthTracker *health.Tracker, logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		tracker: tracker,
		store:   store,
		health:  healthTracker,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the configured jobs and launches the cron loop.
func (s *Scheduler) Start() error {
	if s.store != nil && s.tracker != nil && s.cfg.StatsFlushSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.StatsFlushSchedule, s.flushStats); err != nil {
			return fmt.Errorf("scheduling stats flush: %w", err)
		}
	}
	if s.health != nil && s.cfg.HealthDecaySchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.HealthDecaySchedule, s.decayHealth); err != nil {
			return fmt.Errorf("scheduling health decay: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		"stats_flush", s.cfg.StatsFlushSchedule,
		"health_decay", s.cfg.HealthDecaySchedule,
	)
	return nil
}

// Stop halts the loop, waits for in-flight jobs, then flushes once more so
// the freshest stats survive the shutdown.
func (s *Scheduler) Stop() {
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(stopGrace):
		s.logger.Warn("maintenance jobs still running at shutdown deadline")
	}
	s.flushStats()
	s.logger.Info("maintenance scheduler stopped")
}

// flushStats persists the current tracker snapshot. Best-effort: failures are
// logged and the tracker keeps accumulating.
func (s *Scheduler) flushStats() {
	if s.store == nil || s.tracker == nil {
		return
	}
	snapshot := s.tracker.SnapshotAll()
	if len(snapshot) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.store.Flush(ctx, snapshot); err != nil {
		s.logger.Warn("cache stats flush failed", "error", err)
		return
	}
	s.logger.Debug("cache stats flushed", "tenants", len(snapshot))
}

func (s *Scheduler) decayHealth() {
	s.health.Decay()
	s.logger.Debug("backend health counters decayed")
}
