package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/pkg/webhook"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

const (
	SignedProviderName    = "signed"
	SignedSignatureHeader = "X-Webhook-Signature"
)

// SignedConfig configures the self-hosted provider used for local development
// and end-to-end tests. It has no remote API: checkout and portal links point
// back at this deployment and events are pushed by whoever holds the secret.
type SignedConfig struct {
	WebhookSecret string        `env:"SIGNED_WEBHOOK_SECRET"`
	BaseURL       string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	Tolerance     time.Duration `env:"SIGNED_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// SignedProvider implements PaymentProvider over the pkg/webhook signature scheme.
type SignedProvider struct {
	config SignedConfig
	now    func() time.Time
}

// NewSignedProvider creates the self-hosted provider.
func NewSignedProvider(config SignedConfig) (*SignedProvider, error) {
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &SignedProvider{config: config, now: time.Now}, nil
}

func (p *SignedProvider) Name() string            { return SignedProviderName }
func (p *SignedProvider) SignatureHeader() string { return SignedSignatureHeader }

// EnsureCustomer derives a stable customer id from the email, so repeated
// calls resolve to the same customer.
func (p *SignedProvider) EnsureCustomer(_ context.Context, req CustomerRequest) (string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return "", ErrMissingCustomerEmail
	}
	sum := sha256.Sum256([]byte(email))
	return "cus_" + hex.EncodeToString(sum[:8]), nil
}

func (p *SignedProvider) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}
	id := "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &CheckoutSession{
		ID:        id,
		URL:       p.config.BaseURL + "/local-checkout/" + id,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}, nil
}

func (p *SignedProvider) CreatePortalSession(_ context.Context, req PortalRequest) (*PortalLink, error) {
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}
	return &PortalLink{
		URL:       p.config.BaseURL + "/local-portal/" + url.PathEscape(req.CustomerID),
		ExpiresAt: p.now().Add(time.Hour),
	}, nil
}

// SignedEvent is the wire format of the self-hosted provider.
type SignedEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created time.Time       `json:"created"`
	Data    SignedEventData `json:"data"`
}

// SignedEventData carries the subscription or invoice fields of a SignedEvent.
type SignedEventData struct {
	SubscriptionID string     `json:"subscription_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Plan           string     `json:"plan,omitempty"`
	Status         string     `json:"status,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	AutoRenew      *bool      `json:"auto_renew,omitempty"`
	PaymentID      string     `json:"payment_id,omitempty"`
	Amount         int64      `json:"amount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
}

var signedKinds = map[string]EventKind{
	"checkout.completed":   EventCheckoutCompleted,
	"subscription.created": EventSubscriptionCreated,
	"subscription.updated": EventSubscriptionUpdated,
	"subscription.deleted": EventSubscriptionDeleted,
	"payment.succeeded":    EventPaymentSucceeded,
	"payment.failed":       EventPaymentFailed,
}

// SignEvent encodes ev and signs it, returning the body and the signature header value.
func SignEvent(secret string, ev SignedEvent, at time.Time) ([]byte, string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, "", fmt.Errorf("encode event: %w", err)
	}
	sig, err := webhook.Sign(secret, payload, at)
	if err != nil {
		return nil, "", err
	}
	return payload, sig.String(), nil
}

func (p *SignedProvider) VerifyWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	if err := webhook.Verify(p.config.WebhookSecret, payload, signature, p.config.Tolerance, p.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	var in SignedEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrInvalidEvent, err)
	}

	ev := &Event{
		ID:                     in.ID,
		Kind:                   EventUnhandled,
		Provider:               SignedProviderName,
		ProviderType:           in.Type,
		OccurredAt:             in.Created.UTC(),
		ProviderSubscriptionID: in.Data.SubscriptionID,
		ProviderCustomerID:     in.Data.CustomerID,
		Status:                 MapProviderStatus(in.Data.Status),
		ProviderStatus:         in.Data.Status,
		AutoRenew:              in.Data.AutoRenew,
	}
	if kind, ok := signedKinds[in.Type]; ok {
		ev.Kind = kind
	}
	if in.Data.PeriodEnd != nil {
		end := in.Data.PeriodEnd.UTC()
		ev.PeriodEnd = &end
	}
	ev.UserID, ev.PlanType = metadataUser(map[string]string{
		MetadataUserID: in.Data.UserID,
		MetadataPlan:   in.Data.Plan,
	})
	if in.Data.PaymentID != "" {
		ev.Payment = &PaymentDetails{
			ProviderPaymentID: in.Data.PaymentID,
			Amount:            plans.Money{Amount: in.Data.Amount, Currency: strings.ToUpper(in.Data.Currency)},
		}
	}
	return ev, nil
}
