package rebalance

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/observability/alerting"
	"whizy-agent/internal/observability/metrics"
	"whizy-agent/internal/profile"
	"whizy-agent/pkg/logger"
)

// Rebalancer executes the on-chain rebalance for one user and returns the
// transaction hash.
type Rebalancer interface {
	Rebalance(ctx context.Context, userAddress string) (string, error)
}

// RiskResolver looks up the risk level for a user when the job does not
// carry one.
type RiskResolver func(ctx context.Context, userAddress string) (string, error)

// Processor consumes jobs from the queue and hands them to the rebalancer.
type Processor struct {
	rebalancer  Rebalancer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	riskLookup  RiskResolver
	alerter     alerting.Dispatcher
}

// ProcessorOption configures the processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets the consumer goroutine count.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRiskResolver configures the fallback risk lookup.
func WithRiskResolver(resolver RiskResolver) ProcessorOption {
	return func(p *Processor) {
		p.riskLookup = resolver
	}
}

// WithAlertDispatcher configures the alert dispatcher.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor constructs a Processor.
func NewProcessor(rebalancer Rebalancer, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		rebalancer:  rebalancer,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start runs the consume loop until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "job consumer is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.rebalancer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor is not initialized")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logDebug("skipping job", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim job", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	riskLevel, err := p.resolveRisk(ctx, job)
	if err != nil {
		// No known risk level: skip the user rather than retry forever.
		logger.L().Warn("skipping user with unknown risk level",
			slog.String("job_id", job.ID),
			slog.String("user_address", job.UserAddress))
		if storeErr := p.store.MarkFailed(ctx, job.ID, xerrors.CodeProfileFailure, err.Error(), true); storeErr != nil {
			return storeErr
		}
		return nil
	}
	// Medium risk takes the same rebalance path as high; the level is only
	// recorded on the outcome.
	txHash, execErr := p.rebalancer.Rebalance(ctx, job.UserAddress)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	outcome := Outcome{TxHash: txHash, RiskLevel: riskLevel}
	if err := p.store.MarkSucceeded(ctx, job.ID, outcome); err != nil {
		logger.L().Error("failed to mark job succeeded", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("failed to record failure state", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr,
				fmt.Sprintf("requeue job %s after success bookkeeping failure", job.ID))
		}
		return nil
	}
	metrics.ObserveRebalanceJob("succeeded")
	logger.Audit().Info("rebalance succeeded",
		slog.String("job_id", job.ID),
		slog.String("user_address", job.UserAddress),
		slog.String("risk_level", riskLevel),
		slog.String("tx_hash", txHash),
	)
	return nil
}

// resolveRisk prefers the level carried on the job (set by the scheduler from
// the indexer), falling back to the configured resolver.
func (p *Processor) resolveRisk(ctx context.Context, job *Job) (string, error) {
	if profile.ValidRisk(job.RiskLevel) {
		return job.RiskLevel, nil
	}
	if p.riskLookup != nil {
		level, err := p.riskLookup(ctx, job.UserAddress)
		if err == nil && profile.ValidRisk(level) {
			return level, nil
		}
	}
	return "", xerrors.New(xerrors.CodeProfileFailure,
		fmt.Sprintf("no risk level known for user %s", job.UserAddress))
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("failed to mark job failed", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("rebalance failed",
		slog.String("job_id", job.ID),
		slog.String("user_address", job.UserAddress),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	// A non-retryable failure is always terminal, so two stages suffice.
	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.ObserveRebalanceJob("failed")
	} else {
		metrics.ObserveRebalanceJob("retried")
	}
	p.emitAlert(ctx, job, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("requeue job %s", job.ID))
		}
		p.logDebug("job requeued", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		JobID:       job.ID,
		UserAddress: job.UserAddress,
		Attempts:    job.Attempts,
		MaxRetries:  job.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert notification failed",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
