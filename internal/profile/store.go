package profile

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "whizy-agent/internal/errors"
)

// Risk levels accepted by the classifier and the rebalancer.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ErrNotFound is returned when no profile exists for an address.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "risk profile not found")

// ValidRisk reports whether level is one of the accepted labels.
func ValidRisk(level string) bool {
	switch level {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Profile records the risk tolerance assigned to a wallet address.
type Profile struct {
	UserAddress string    `json:"user_address"`
	RiskLevel   string    `json:"risk_profile"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists risk profiles keyed by lower-cased wallet address.
type Store interface {
	Get(ctx context.Context, userAddress string) (*Profile, error)
	Put(ctx context.Context, userAddress, riskLevel string) error
	List(ctx context.Context) ([]*Profile, error)
	Close() error
}

// NormalizeAddress lower-cases and trims a wallet address so lookups are
// case-insensitive, matching how the indexer stores addresses.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

// Get returns the profile for an address.
func (s *MemoryStore) Get(_ context.Context, userAddress string) (*Profile, error) {
	key := NormalizeAddress(userAddress)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user address is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[key]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

// Put upserts the risk level for an address.
func (s *MemoryStore) Put(_ context.Context, userAddress, riskLevel string) error {
	key := NormalizeAddress(userAddress)
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "user address is empty")
	}
	if !ValidRisk(riskLevel) {
		return xerrors.New(xerrors.CodeProfileFailure, "risk level must be low, medium or high")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[key] = &Profile{UserAddress: key, RiskLevel: riskLevel, UpdatedAt: time.Now()}
	return nil
}

// List returns every stored profile.
func (s *MemoryStore) List(context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
