package rebalance

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/observability/metrics"
	"whizy-agent/pkg/logger"
)

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	ID          string
	UserAddress string
	RiskLevel   string
	Trigger     Trigger
}

// Service creates and queries rebalance jobs.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService constructs the job service.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit creates a new job and publishes it to the queue. Submitting an id
// that already exists returns the existing job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	address := strings.ToLower(strings.TrimSpace(req.UserAddress))
	if address == "" {
		return nil, xerrors.New(CodeJobValidation, "user address is empty")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "rebalance service is not initialized")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerScheduled
	}

	job := &Job{
		ID:          jobID,
		UserAddress: address,
		RiskLevel:   strings.ToLower(strings.TrimSpace(req.RiskLevel)),
		Trigger:     trigger,
		Status:      StatusPending,
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("failed to enqueue rebalance job",
			slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "publish rebalance job")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	metrics.ObserveRebalanceJob("submitted")
	logger.Audit().Info("rebalance job enqueued",
		slog.String("job_id", jobID),
		slog.String("user_address", job.UserAddress),
		slog.String("risk_level", job.RiskLevel),
		slog.String("trigger", string(job.Trigger)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get returns the job with the given id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store is not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns jobs matching the filter options.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store is not initialized")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats returns aggregate counts for jobs matching the filter options.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "job store is not initialized")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// WaitUntilCompleted polls until the job reaches a terminal state.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the store and producer.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
