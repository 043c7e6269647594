package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists subscriptions, payments and processed events.
//
// Implementations must enforce at the storage layer:
//   - unique provider subscription id
//   - unique provider payment id
//   - unique provider event id
//   - at most one open (active or past due) subscription per user
type Store interface {
	// LatestForUser returns the user's open subscription, or the most recently
	// created one when none is open. Returns ErrSubscriptionNotFound if the user has none.
	LatestForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// CreateSubscription inserts a subscription outside the webhook path (free plans).
	// Returns ErrAlreadySubscribed if the user already has an open subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// LatestPayment returns the newest ledger entry of a subscription or ErrPaymentNotFound.
	LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error)

	// PaymentsForUser lists ledger entries across all of the user's subscriptions, newest first.
	PaymentsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]Payment, error)

	// WithinTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the narrow set of operations the webhook path performs atomically.
type Tx interface {
	// AdmitEvent records the provider event id. It returns false when the id
	// was recorded before, in which case no effect may be applied.
	AdmitEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error)

	// GetByProviderID returns the row for a provider subscription id or ErrSubscriptionNotFound.
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// UpsertOnCheckoutCompleted inserts the first row of a paid subscription.
	// It returns false when a row with the same provider subscription id exists,
	// and ErrAlreadySubscribed when the user already has another open subscription.
	UpsertOnCheckoutCompleted(ctx context.Context, sub *Subscription) (bool, error)

	// ApplyTransition writes next over the stored row if its version still equals
	// ifVersion, and returns ErrConcurrentUpdate otherwise. On success next.Version
	// holds the new version.
	ApplyTransition(ctx context.Context, next *Subscription, ifVersion int64) error

	// InsertPaymentIfAbsent appends a ledger entry. It returns false when the
	// provider payment id is already recorded.
	InsertPaymentIfAbsent(ctx context.Context, p *Payment) (bool, error)
}
