package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// Status represents the lifecycle state of a subscription row.
type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsOpen reports whether the status counts towards the one-open-subscription-per-user rule.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusPastDue
}

// IsTerminal reports whether the row can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Subscription is the locally owned record of a user's plan.
// Provider ids are empty for free subscriptions.
type Subscription struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	PlanType               plans.PlanType
	Status                 Status
	StartDate              time.Time
	EndDate                *time.Time
	AutoRenew              bool
	Price                  plans.Money // per month
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Clock                  EventClock // source of the last status write
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Clone returns a copy that shares no pointers with s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndDate != nil {
		end := *s.EndDate
		c.EndDate = &end
	}
	return &c
}

// PaymentStatus is the outcome of a single provider payment attempt.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is an append-only ledger entry tied to a subscription.
type Payment struct {
	ID                uuid.UUID
	SubscriptionID    uuid.UUID
	Amount            plans.Money
	Status            PaymentStatus
	ProviderPaymentID string
	CreatedAt         time.Time
}
