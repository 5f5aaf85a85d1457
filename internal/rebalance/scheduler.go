package rebalance

import (
	"context"
	"log/slog"
	"time"

	"whizy-agent/internal/indexer"
	"whizy-agent/pkg/logger"
)

// UserSource lists the users eligible for automatic rebalancing. Implemented
// by the indexer database.
type UserSource interface {
	RefreshActiveUsers(ctx context.Context) error
	ActiveAutoRebalanceUsers(ctx context.Context) ([]indexer.ActiveUser, error)
}

// Scheduler submits one job per active auto-rebalance user on a fixed
// interval.
type Scheduler struct {
	users    UserSource
	service  *Service
	interval time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(users UserSource, service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{users: users, service: service, interval: interval}
}

// Run blocks until the context is cancelled, firing a run at every interval
// boundary. The first run waits for the next boundary, matching an hourly
// top-of-the-hour cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	next := time.Now().Truncate(s.interval).Add(s.interval)
	wait := time.Until(next)
	logger.L().Info("rebalance scheduler started",
		slog.Duration("interval", s.interval),
		slog.Time("first_run", next))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		s.RunOnce(ctx)
		timer.Reset(time.Until(time.Now().Truncate(s.interval).Add(s.interval)))
	}
}

// RunOnce refreshes the active user view and submits a job per user. A
// failing user never aborts the run.
func (s *Scheduler) RunOnce(ctx context.Context) {
	started := time.Now()

	if err := s.users.RefreshActiveUsers(ctx); err != nil {
		// Stale view data is still usable; log and continue.
		logger.L().Warn("failed to refresh active user view", slog.Any("error", err))
	}

	users, err := s.users.ActiveAutoRebalanceUsers(ctx)
	if err != nil {
		logger.L().Error("failed to list active auto-rebalance users", slog.Any("error", err))
		return
	}
	if len(users) == 0 {
		logger.L().Info("no users with auto-rebalance enabled")
		return
	}

	submitted, skipped, failed := 0, 0, 0
	seen := make(map[string]struct{}, len(users))
	for _, user := range users {
		if _, dup := seen[user.Address]; dup {
			continue
		}
		seen[user.Address] = struct{}{}

		riskLevel := indexer.RiskLabel(user.RiskProfile)
		if riskLevel == "" {
			logger.L().Warn("skipping user with unknown risk profile",
				slog.String("user_address", user.Address),
				slog.Int("risk_profile", user.RiskProfile))
			skipped++
			continue
		}

		if _, err := s.service.Submit(ctx, SubmitRequest{
			UserAddress: user.Address,
			RiskLevel:   riskLevel,
			Trigger:     TriggerScheduled,
		}); err != nil {
			logger.L().Error("failed to submit rebalance job",
				slog.Any("error", err),
				slog.String("user_address", user.Address))
			failed++
			continue
		}
		submitted++
	}

	logger.Audit().Info("rebalance run completed",
		slog.Int("users", len(users)),
		slog.Int("submitted", submitted),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(started)),
	)
}
