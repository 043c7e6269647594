package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// EventKind is the closed set of provider notifications the engine acts on.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventUnhandled           EventKind = "unhandled"
)

// Metadata keys attached to provider objects at checkout so that the
// confirming event can be correlated back to the local user and plan.
const (
	MetadataUserID = "user_id"
	MetadataPlan   = "plan"
)

// Event is a verified, provider-neutral webhook notification.
type Event struct {
	ID           string // provider event id, the idempotency key
	Kind         EventKind
	Provider     string
	ProviderType string // provider's own event type, for logs
	OccurredAt   time.Time

	ProviderSubscriptionID string
	ProviderCustomerID     string

	// Checkout metadata; only meaningful for EventCheckoutCompleted.
	UserID   uuid.UUID
	PlanType plans.PlanType

	Status         Status // mapped provider status; empty when the event carries none
	ProviderStatus string // raw provider status, kept for statuses that map to nothing
	PeriodEnd      *time.Time
	AutoRenew      *bool

	Payment *PaymentDetails
}

// PaymentDetails carries the invoice data of payment events.
type PaymentDetails struct {
	ProviderPaymentID string
	Amount            plans.Money
}

// Validate checks that the event carries what its kind needs.
func (e Event) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("event id is required"))
	}
	if e.Kind == EventUnhandled {
		return wrapInvalid(errs)
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, errors.New("event timestamp is required"))
	}
	if e.ProviderSubscriptionID == "" {
		errs = append(errs, errors.New("provider subscription id is required"))
	}
	switch e.Kind {
	case EventCheckoutCompleted:
		if e.UserID == uuid.Nil {
			errs = append(errs, errors.New("user id metadata is required"))
		}
		if e.PlanType == "" {
			errs = append(errs, errors.New("plan metadata is required"))
		}
	case EventPaymentSucceeded, EventPaymentFailed:
		if e.Payment == nil || e.Payment.ProviderPaymentID == "" {
			errs = append(errs, errors.New("payment id is required"))
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		errs = append(errs, fmt.Errorf("unknown event kind %q", e.Kind))
	}
	return wrapInvalid(errs)
}

func wrapInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEvent, errors.Join(errs...))
}

// MapProviderStatus converts provider status vocabulary into a local status.
// Unknown values map to the empty status, which leaves the stored status as is.
// Unpaid states such as "incomplete" and "paused" map to nothing as well.
func MapProviderStatus(s string) Status {
	switch strings.ToLower(s) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	case "expired", "incomplete_expired":
		return StatusExpired
	default:
		return ""
	}
}
