package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/lifecycle"
	"github.com/chen-liangping/Omni/pkg/config"
)

const (
	defaultInterval  = time.Minute
	reconcileTimeout = 10 * time.Second
)

// Lister enumerates every stored environment.
type Lister interface {
	ListEnvironmentRefs(ctx context.Context) ([]domain.EnvironmentRef, error)
}

// Evaluator reconciles one environment against the clock.
type Evaluator interface {
	Evaluate(ctx context.Context, projectID, environment string) (lifecycle.Evaluation, error)
}

// Scheduler periodically re-evaluates every environment so that scheduled
// windows open and close without a user command.
type Scheduler struct {
	envs      Lister
	evaluator Evaluator
	logger    *slog.Logger

	interval time.Duration
	timeout  time.Duration
}

// New constructs a scheduler. It returns nil when reconciliation is disabled
// by a negative interval.
func New(envs Lister, evaluator Evaluator, logger *slog.Logger, cfg config.ServerConfig) *Scheduler {
	if envs == nil || evaluator == nil || cfg.ReconcileInterval < 0 {
		return nil
	}
	interval := cfg.ReconcileInterval
	if interval == 0 {
		interval = defaultInterval
	}
	timeout := cfg.ReconcileTimeout
	if timeout <= 0 {
		timeout = reconcileTimeout
	}
	if timeout > interval {
		timeout = interval
	}
	return &Scheduler{
		envs:      envs,
		evaluator: evaluator,
		logger:    logger.With("component", "scheduler"),
		interval:  interval,
		timeout:   timeout,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every environment once and reports how many changed their
// active binding.
func (s *Scheduler) RunOnce(parent context.Context) int {
	if s == nil {
		return 0
	}
	opCtx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	refs, err := s.envs.ListEnvironmentRefs(opCtx)
	if err != nil {
		s.logger.Warn("failed to list environments", "error", err)
		return 0
	}
	changed := 0
	for i, ref := range refs {
		if opCtx.Err() != nil {
			s.logger.Warn("reconcile pass cut short", "remaining", len(refs)-i, "error", opCtx.Err())
			break
		}
		eval, err := s.evaluator.Evaluate(opCtx, ref.ProjectID, ref.Environment)
		if err != nil {
			s.logger.Warn("failed to evaluate environment", "project_id", ref.ProjectID, "environment", ref.Environment, "error", err)
			continue
		}
		if eval.Changed {
			changed++
		}
	}
	if changed > 0 {
		s.logger.Info("reconcile pass complete", "environments", len(refs), "changed", changed)
	}
	return changed
}
