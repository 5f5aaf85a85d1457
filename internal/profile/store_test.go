package profile

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "0xABCDEF0123456789abcdef0123456789ABCDEF01", RiskMedium); err != nil {
		t.Fatalf("put: %v", err)
	}

	p, err := store.Get(ctx, "0xabcdef0123456789ABCDEF0123456789abcdef01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.RiskLevel != RiskMedium {
		t.Fatalf("expected medium, got %s", p.RiskLevel)
	}
	if p.UserAddress != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("address should be normalized, got %s", p.UserAddress)
	}
}

func TestMemoryStoreRejectsInvalidRisk(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(context.Background(), "0xabc", "extreme"); err == nil {
		t.Fatalf("expected error for invalid risk level")
	}
}

func TestMemoryStoreMissingProfile(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidRisk(t *testing.T) {
	for _, level := range []string{RiskLow, RiskMedium, RiskHigh} {
		if !ValidRisk(level) {
			t.Fatalf("%s should be valid", level)
		}
	}
	if ValidRisk("aggressive") {
		t.Fatalf("unexpected valid label")
	}
}
