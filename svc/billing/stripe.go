package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

const (
	StripeProviderName    = "stripe"
	StripeSignatureHeader = "Stripe-Signature"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripeProvider implements PaymentProvider for Stripe.
// It uses a per-instance API client instead of the package-level stripe.Key.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe billing provider.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if config.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	return &StripeProvider{
		api:           client.New(config.SecretKey, nil),
		webhookSecret: config.WebhookSecret,
	}, nil
}

func (p *StripeProvider) Name() string            { return StripeProviderName }
func (p *StripeProvider) SignatureHeader() string { return StripeSignatureHeader }

// EnsureCustomer finds the Stripe customer by email or creates one.
// Creation uses an idempotency key derived from the user id, so a retried
// request after a timeout does not create a second customer.
func (p *StripeProvider) EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if req.Email == "" {
		return "", ErrMissingCustomerEmail
	}

	list := &stripe.CustomerListParams{Email: stripe.String(req.Email)}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	iter := p.api.Customers.List(list)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("failed to look up stripe customer: %w", err)
	}

	params := &stripe.CustomerParams{Email: stripe.String(req.Email)}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, req.UserID.String())
	params.SetIdempotencyKey("customer-" + req.UserID.String())

	cus, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	return cus.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Stripe Checkout session.
// User and plan travel as metadata on both the session and the subscription,
// so whichever event arrives first can be correlated.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	md := checkoutMetadata(req.UserID, req.Plan)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID.String()),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: md,
		},
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	if s.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	out := &CheckoutSession{ID: s.ID, URL: s.URL}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return out, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalLink, error) {
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(req.CustomerID),
		ReturnURL: stripe.String(req.ReturnURL),
	}
	params.Context = ctx

	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe portal session: %w", err)
	}
	if s.URL == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalLink{URL: s.URL}, nil
}

// VerifyWebhook checks the Stripe-Signature header and maps the event.
func (p *StripeProvider) VerifyWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	if err := webhook.ValidatePayload(payload, signature, p.webhookSecret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrInvalidEvent, err)
	}
	return decodeStripeEvent(se)
}

func decodeStripeEvent(se stripe.Event) (*Event, error) {
	ev := &Event{
		ID:           se.ID,
		Kind:         EventUnhandled,
		Provider:     StripeProviderName,
		ProviderType: string(se.Type),
		OccurredAt:   time.Unix(se.Created, 0).UTC(),
	}
	if se.Data == nil {
		return ev, nil
	}

	switch ev.ProviderType {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %w", ErrInvalidEvent, err)
		}
		if cs.Mode != stripe.CheckoutSessionModeSubscription || cs.Subscription == nil {
			return ev, nil
		}
		ev.Kind = EventCheckoutCompleted
		ev.ProviderSubscriptionID = cs.Subscription.ID
		if cs.Customer != nil {
			ev.ProviderCustomerID = cs.Customer.ID
		}
		ev.UserID, ev.PlanType = metadataUser(cs.Metadata)
		if ev.UserID == uuid.Nil {
			ev.UserID, _ = metadataUser(map[string]string{MetadataUserID: cs.ClientReferenceID})
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %w", ErrInvalidEvent, err)
		}
		switch ev.ProviderType {
		case "customer.subscription.created":
			ev.Kind = EventSubscriptionCreated
		case "customer.subscription.updated":
			ev.Kind = EventSubscriptionUpdated
		default:
			ev.Kind = EventSubscriptionDeleted
		}
		ev.ProviderSubscriptionID = sub.ID
		if sub.Customer != nil {
			ev.ProviderCustomerID = sub.Customer.ID
		}
		ev.ProviderStatus = string(sub.Status)
		ev.Status = MapProviderStatus(ev.ProviderStatus)
		ev.UserID, ev.PlanType = metadataUser(sub.Metadata)
		autoRenew := !sub.CancelAtPeriodEnd
		ev.AutoRenew = &autoRenew
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.PeriodEnd = &end
		}

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %w", ErrInvalidEvent, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			// One-off invoices are not subscription payments.
			return ev, nil
		}
		ev.ProviderSubscriptionID = inv.Subscription.ID
		if inv.Customer != nil {
			ev.ProviderCustomerID = inv.Customer.ID
		}
		ev.PeriodEnd = invoicePeriodEnd(&inv)

		currency := strings.ToUpper(string(inv.Currency))
		if ev.ProviderType == "invoice.payment_failed" {
			ev.Kind = EventPaymentFailed
			ev.PeriodEnd = nil
			ev.Payment = &PaymentDetails{
				// Each failed attempt is its own ledger entry.
				ProviderPaymentID: fmt.Sprintf("%s/attempt-%d", inv.ID, inv.AttemptCount),
				Amount:            plans.Money{Amount: inv.AmountDue, Currency: currency},
			}
		} else {
			// invoice.paid and invoice.payment_succeeded describe the same payment
			// and share the invoice id, so the ledger records it once.
			ev.Kind = EventPaymentSucceeded
			ev.Payment = &PaymentDetails{
				ProviderPaymentID: inv.ID,
				Amount:            plans.Money{Amount: inv.AmountPaid, Currency: currency},
			}
		}
	}

	return ev, nil
}

// invoicePeriodEnd prefers the subscription line period over the invoice's own
// period, which for subscription invoices describes the previous cycle.
func invoicePeriodEnd(inv *stripe.Invoice) *time.Time {
	var end int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > end {
				end = line.Period.End
			}
		}
	}
	if end == 0 {
		end = inv.PeriodEnd
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}
