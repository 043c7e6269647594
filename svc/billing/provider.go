package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// PaymentProvider is the narrow boundary to an external billing provider.
type PaymentProvider interface {
	// Name identifies the provider; it keys plan price ids and derived row ids.
	Name() string

	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// EnsureCustomer returns the provider customer for the user, creating one
	// when no customer with the email exists yet.
	EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error)

	// CreateCheckoutSession opens a hosted checkout for a paid plan.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)

	// CreatePortalSession returns a link to the provider-hosted billing management UI.
	CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalLink, error)

	// VerifyWebhook authenticates the raw body against the signature and decodes it.
	// It returns an error wrapping ErrSignatureInvalid when authentication fails.
	// Unknown event types decode to EventUnhandled.
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CustomerRequest identifies the user a provider customer is resolved for.
type CustomerRequest struct {
	UserID uuid.UUID
	Email  string
}

// CheckoutSessionRequest contains what a provider needs to open a checkout.
type CheckoutSessionRequest struct {
	CustomerID string
	UserID     uuid.UUID
	Plan       plans.PlanType
	PriceID    string
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a provider-hosted checkout.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// PortalRequest contains what a provider needs to open its billing portal.
type PortalRequest struct {
	CustomerID             string
	ProviderSubscriptionID string
	ReturnURL              string
}

// PortalLink is a link to the provider's customer portal.
type PortalLink struct {
	URL       string
	ExpiresAt time.Time
}

func checkoutMetadata(userID uuid.UUID, plan plans.PlanType) map[string]string {
	return map[string]string{
		MetadataUserID: userID.String(),
		MetadataPlan:   string(plan),
	}
}

// metadataUser extracts checkout metadata, ignoring malformed values.
func metadataUser(md map[string]string) (uuid.UUID, plans.PlanType) {
	id, err := uuid.Parse(md[MetadataUserID])
	if err != nil {
		id = uuid.Nil
	}
	return id, plans.PlanType(md[MetadataPlan])
}
