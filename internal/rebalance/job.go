package rebalance

import (
	xerrors "whizy-agent/internal/errors"
)

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Trigger records what caused a job to be created.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Outcome holds the result of a completed rebalance.
type Outcome struct {
	TxHash    string `json:"tx_hash"`
	RiskLevel string `json:"risk_level"`
}

// Job describes one queued rebalance for a single user.
type Job struct {
	ID          string   `json:"id"`
	UserAddress string   `json:"user_address"`
	RiskLevel   string   `json:"risk_level"`
	Trigger     Trigger  `json:"trigger"`
	Status      Status   `json:"status"`
	Attempts    int      `json:"attempts"`
	MaxRetries  int      `json:"max_retries"`
	LastError   string   `json:"last_error,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Result      *Outcome `json:"result,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "rebalance job not found")
	// ErrJobConflict indicates the job cannot take the requested transition.
	ErrJobConflict = xerrors.New(CodeJobConflict, "rebalance job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted indicates the job already succeeded.
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "rebalance job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted indicates the job has no retries left.
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "rebalance job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "REBALANCE_JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "REBALANCE_JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "REBALANCE_JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "REBALANCE_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "REBALANCE_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "REBALANCE_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "REBALANCE_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "rebalance job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "rebalance job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:   "rebalance job already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:   "rebalance job retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:   "rebalance job validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish rebalance job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "rebalance execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus checks whether status is a supported enum value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
