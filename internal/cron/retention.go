// Package cron runs the scheduled retention sweep over loop runs,
// delegations and (only when explicitly configured) memories.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
)

// RetentionScheduler purges aged audit rows on a cron schedule.
type RetentionScheduler struct {
	store     *persistence.Store
	retention config.RetentionConfig
	spec      string
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewRetentionScheduler(store *persistence.Store, retention config.RetentionConfig, spec string, logger *slog.Logger) *RetentionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{
		store:     store,
		retention: retention,
		spec:      spec,
		logger:    logger,
	}
}

// Start registers the sweep and begins the schedule.
func (s *RetentionScheduler) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("retention scheduler started", "spec", s.spec,
		"loop_runs_days", s.retention.LoopRunsDays,
		"delegations_days", s.retention.DelegationsDays,
		"memories_days", s.retention.MemoriesDays)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionScheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep applies each configured retention window. A zero window keeps rows
// forever; memories in particular are append-only and only purged when the
// operator has opted in.
func (s *RetentionScheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	if days := s.retention.LoopRunsDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := s.store.PurgeLoopRunsBefore(ctx, cutoff); err != nil {
			s.logger.Error("retention sweep: loop runs", "error", err)
		} else if n > 0 {
			s.logger.Info("retention sweep: loop runs purged", "rows", n, "cutoff", cutoff)
		}
	}
	if days := s.retention.DelegationsDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := s.store.PurgeDelegationsBefore(ctx, cutoff); err != nil {
			s.logger.Error("retention sweep: delegations", "error", err)
		} else if n > 0 {
			s.logger.Info("retention sweep: delegations purged", "rows", n, "cutoff", cutoff)
		}
	}
	if days := s.retention.MemoriesDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := s.store.PurgeMemoriesBefore(ctx, cutoff); err != nil {
			s.logger.Error("retention sweep: memories", "error", err)
		} else if n > 0 {
			s.logger.Info("retention sweep: memories purged", "rows", n, "cutoff", cutoff)
		}
	}
}
