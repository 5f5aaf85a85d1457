package rebalance

import (
	"context"
	"errors"
	"testing"

	xerrors "whizy-agent/internal/errors"
)

func newPendingJob(id, user string) *Job {
	return &Job{
		ID:          id,
		UserAddress: user,
		RiskLevel:   "low",
		Trigger:     TriggerScheduled,
		Status:      StatusPending,
		MaxRetries:  3,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job := newPendingJob("job-1", "0xabc")
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newPendingJob("job-1", "0xabc")); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "job-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	outcome := Outcome{TxHash: "0xdeadbeef", RiskLevel: "low"}
	if err := store.MarkSucceeded(ctx, "job-1", outcome); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.TxHash != "0xdeadbeef" {
		t.Fatalf("unexpected job after success: %+v", got)
	}

	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}
}

func TestMemoryStoreRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job := newPendingJob("job-2", "0xdef")
	job.MaxRetries = 2
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, "job-2"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := store.MarkFailed(ctx, "job-2", xerrors.CodeChainFailure, "rpc down", false); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
	}

	if _, err := store.Claim(ctx, "job-2"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, job := range []*Job{
		newPendingJob("a", "0x1"),
		newPendingJob("b", "0x2"),
		newPendingJob("c", "0x1"),
	} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "b", Outcome{TxHash: "0x1"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	byUser, err := store.List(ctx, ListOptions{User: "0x1"})
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("expected 2 jobs for 0x1, got %d", len(byUser))
	}

	succeeded, err := store.List(ctx, ListOptions{Statuses: []Status{StatusSucceeded}})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "b" {
		t.Fatalf("unexpected succeeded jobs: %+v", succeeded)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
