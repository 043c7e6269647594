package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// PendingCheckout marks a checkout session that was opened but not yet confirmed
// by the provider.
type PendingCheckout struct {
	UserID    uuid.UUID      `json:"user_id"`
	Plan      plans.PlanType `json:"plan"`
	SessionID string         `json:"session_id"`
	URL       string         `json:"url"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PendingCheckouts tracks open checkout sessions per user.
type PendingCheckouts interface {
	// Put stores the marker until its ExpiresAt.
	Put(ctx context.Context, p PendingCheckout) error
	// Get returns the live marker or ErrNoPendingCheckout.
	Get(ctx context.Context, userID uuid.UUID) (*PendingCheckout, error)
	// Clear removes the marker. Clearing a missing marker is not an error.
	Clear(ctx context.Context, userID uuid.UUID) error
}

type memoryPending struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[uuid.UUID]PendingCheckout
}

// NewMemoryPending returns an in-process PendingCheckouts, suitable for single-instance deployments.
func NewMemoryPending() PendingCheckouts {
	return newMemoryPending(time.Now)
}

func newMemoryPending(now func() time.Time) *memoryPending {
	return &memoryPending{
		now:     now,
		entries: make(map[uuid.UUID]PendingCheckout),
	}
}

func (m *memoryPending) Put(_ context.Context, p PendingCheckout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.UserID] = p
	return nil
}

func (m *memoryPending) Get(_ context.Context, userID uuid.UUID) (*PendingCheckout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.entries[userID]
	if !ok {
		return nil, ErrNoPendingCheckout
	}
	if !p.ExpiresAt.After(m.now()) {
		delete(m.entries, userID)
		return nil, ErrNoPendingCheckout
	}
	return &p, nil
}

func (m *memoryPending) Clear(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}
