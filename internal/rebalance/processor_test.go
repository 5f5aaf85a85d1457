package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/observability/alerting"
)

type fakeRebalancer struct {
	processed atomic.Int32
	latency   time.Duration
	err       error
}

func (f *fakeRebalancer) Rebalance(ctx context.Context, userAddress string) (string, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	f.processed.Add(1)
	return "0x" + userAddress[2:] + "feed", nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	rebalancer := &fakeRebalancer{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(rebalancer, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		user := fmt.Sprintf("0x%040x", i+1)
		if _, err := service.Submit(ctx, SubmitRequest{UserAddress: user, RiskLevel: "low"}); err != nil {
			t.Fatalf("submit job: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(rebalancer.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, done %d", rebalancer.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorMarksUnknownRiskTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	rebalancer := &fakeRebalancer{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(rebalancer, store, queue, queue)

	go func() { _ = processor.Start(ctx) }()

	job, err := service.Submit(ctx, SubmitRequest{UserAddress: "0xabc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", final.Status)
	}
	if rebalancer.processed.Load() != 0 {
		t.Fatalf("rebalancer should not run without a risk level")
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]alerting.Event, len(d.events))
	copy(out, d.events)
	return out
}

func TestProcessorAlertsTerminalOnNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	rebalancer := &fakeRebalancer{
		err: xerrors.New(xerrors.CodeChainFailure, "sign rebalance transaction", xerrors.WithRetryable(false)),
	}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(rebalancer, store, queue, queue, WithAlertDispatcher(alerts))

	go func() { _ = processor.Start(ctx) }()

	job, err := service.Submit(ctx, SubmitRequest{UserAddress: "0xabc", RiskLevel: "low"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}

	// The alert fires after the job is marked failed, so wait for it.
	var events []alerting.Event
	deadline := time.After(2 * time.Second)
	for len(events) == 0 {
		select {
		case <-deadline:
			t.Fatal("no alert dispatched for a non-retryable failure")
		case <-time.After(10 * time.Millisecond):
		}
		events = alerts.snapshot()
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 alert for a non-retryable failure, got %d", len(events))
	}
	// A non-retryable failure is terminal on the first attempt.
	if got := events[0].Metadata["stage"]; got != "terminal" {
		t.Fatalf("alert stage = %q, want terminal", got)
	}
	if events[0].UserAddress != "0xabc" || events[0].JobID != job.ID {
		t.Fatalf("alert not tied to the job: %+v", events[0])
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	rebalancer := &fakeRebalancer{
		err: xerrors.New(xerrors.CodeChainFailure, "rpc timeout", xerrors.WithRetryable(true)),
	}

	service := NewService(store, queue, 2)
	processor := NewProcessor(rebalancer, store, queue, queue)

	go func() { _ = processor.Start(ctx) }()

	job, err := service.Submit(ctx, SubmitRequest{UserAddress: "0xabc", RiskLevel: "high"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	// Give the requeue a moment, then confirm attempts stopped at the cap.
	time.Sleep(100 * time.Millisecond)
	latest, err := service.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest.Attempts > latest.MaxRetries {
		t.Fatalf("attempts %d exceeded max retries %d", latest.Attempts, latest.MaxRetries)
	}
}
