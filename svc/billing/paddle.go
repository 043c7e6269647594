package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

const (
	PaddleProviderName    = "paddle"
	PaddleSignatureHeader = "Paddle-Signature"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements PaymentProvider for Paddle Billing.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderEnvironment, config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

func (p *PaddleProvider) Name() string            { return PaddleProviderName }
func (p *PaddleProvider) SignatureHeader() string { return PaddleSignatureHeader }

// EnsureCustomer finds the Paddle customer by email or creates one.
// Paddle rejects a second customer with the same email, so the lookup comes first.
func (p *PaddleProvider) EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	if req.Email == "" {
		return "", ErrMissingCustomerEmail
	}

	res, err := p.client.CustomersClient.ListCustomers(ctx, &paddle.ListCustomersRequest{
		Email: []string{req.Email},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up paddle customer: %w", err)
	}

	var found string
	err = res.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		found = c.ID
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read paddle customers: %w", err)
	}
	if found != "" {
		return found, nil
	}

	customer, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email:      req.Email,
		CustomData: paddle.CustomData{MetadataUserID: req.UserID.String()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a draft transaction whose checkout URL hosts the payment.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(req.CustomerID),
		CustomData: paddle.CustomData{
			MetadataUserID: req.UserID.String(),
			MetadataPlan:   string(req.Plan),
		},
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:  transaction.ID,
		URL: *transaction.Checkout.URL,
	}, nil
}

// CreatePortalSession returns the portal overview, or the subscription's own
// management page when one is known.
func (p *PaddleProvider) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalLink, error) {
	if req.CustomerID == "" {
		return nil, ErrMissingCustomerID
	}

	sessionReq := &paddle.CreateCustomerPortalSessionRequest{CustomerID: req.CustomerID}
	if req.ProviderSubscriptionID != "" {
		sessionReq.SubscriptionIDs = []string{req.ProviderSubscriptionID}
	}

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, sessionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle customer portal session: %w", err)
	}

	link := &PortalLink{URL: session.URLs.General.Overview}
	if link.URL == "" {
		return nil, ErrNoPortalURL
	}
	return link, nil
}

// VerifyWebhook checks the Paddle-Signature header and maps the event.
func (p *PaddleProvider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	// The SDK verifier works on requests.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set(PaddleSignatureHeader, signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if !valid {
		return nil, ErrSignatureInvalid
	}
	return decodePaddleEvent(payload)
}

type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleScheduledChange struct {
	Action string `json:"action"`
}

type paddleSubscription struct {
	ID                   string                 `json:"id"`
	Status               string                 `json:"status"`
	CustomerID           string                 `json:"customer_id"`
	CustomData           map[string]any         `json:"custom_data"`
	CurrentBillingPeriod *paddlePeriod          `json:"current_billing_period"`
	ScheduledChange      *paddleScheduledChange `json:"scheduled_change"`
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Origin         string         `json:"origin"`
	SubscriptionID string         `json:"subscription_id"`
	CustomerID     string         `json:"customer_id"`
	CustomData     map[string]any `json:"custom_data"`
	CurrencyCode   string         `json:"currency_code"`
	BillingPeriod  *paddlePeriod  `json:"billing_period"`
	Details        *struct {
		Totals *struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

func decodePaddleEvent(payload []byte) (*Event, error) {
	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	ev := &Event{
		ID:           env.EventID,
		Kind:         EventUnhandled,
		Provider:     PaddleProviderName,
		ProviderType: env.EventType,
		OccurredAt:   env.OccurredAt.UTC(),
	}

	switch {
	case strings.HasPrefix(env.EventType, "subscription."):
		var sub paddleSubscription
		if err := json.Unmarshal(env.Data, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %w", ErrInvalidEvent, err)
		}
		switch env.EventType {
		case "subscription.created":
			ev.Kind = EventSubscriptionCreated
		case "subscription.canceled":
			ev.Kind = EventSubscriptionDeleted
		case "subscription.updated", "subscription.activated", "subscription.past_due",
			"subscription.paused", "subscription.resumed", "subscription.trialing":
			ev.Kind = EventSubscriptionUpdated
		default:
			return ev, nil
		}
		ev.ProviderSubscriptionID = sub.ID
		ev.ProviderCustomerID = sub.CustomerID
		ev.ProviderStatus = sub.Status
		ev.Status = MapProviderStatus(sub.Status)
		ev.UserID, ev.PlanType = metadataUser(stringMap(sub.CustomData))
		autoRenew := sub.ScheduledChange == nil || sub.ScheduledChange.Action != "cancel"
		ev.AutoRenew = &autoRenew
		if sub.CurrentBillingPeriod != nil && !sub.CurrentBillingPeriod.EndsAt.IsZero() {
			end := sub.CurrentBillingPeriod.EndsAt.UTC()
			ev.PeriodEnd = &end
		}

	case strings.HasPrefix(env.EventType, "transaction."):
		var txn paddleTransaction
		if err := json.Unmarshal(env.Data, &txn); err != nil {
			return nil, fmt.Errorf("%w: transaction: %w", ErrInvalidEvent, err)
		}
		if txn.SubscriptionID == "" {
			return ev, nil
		}
		ev.ProviderSubscriptionID = txn.SubscriptionID
		ev.ProviderCustomerID = txn.CustomerID

		switch env.EventType {
		case "transaction.completed":
			// Only the checkout transaction opens a subscription; renewals are
			// covered by transaction.paid.
			if txn.Origin != "web" {
				return ev, nil
			}
			ev.Kind = EventCheckoutCompleted
			ev.UserID, ev.PlanType = metadataUser(stringMap(txn.CustomData))
			if txn.BillingPeriod != nil && !txn.BillingPeriod.EndsAt.IsZero() {
				end := txn.BillingPeriod.EndsAt.UTC()
				ev.PeriodEnd = &end
			}
		case "transaction.paid", "transaction.payment_failed":
			amount, err := paddleAmount(&txn)
			if err != nil {
				return nil, err
			}
			ev.Payment = &PaymentDetails{ProviderPaymentID: txn.ID, Amount: amount}
			ev.Kind = EventPaymentSucceeded
			if env.EventType == "transaction.payment_failed" {
				ev.Kind = EventPaymentFailed
				// A transaction may fail several times before it is paid.
				ev.Payment.ProviderPaymentID = txn.ID + "/" + env.EventID
			} else if txn.BillingPeriod != nil && !txn.BillingPeriod.EndsAt.IsZero() {
				end := txn.BillingPeriod.EndsAt.UTC()
				ev.PeriodEnd = &end
			}
		}
	}

	return ev, nil
}

func paddleAmount(txn *paddleTransaction) (plans.Money, error) {
	m := plans.Money{Currency: strings.ToUpper(txn.CurrencyCode)}
	if txn.Details == nil || txn.Details.Totals == nil || txn.Details.Totals.GrandTotal == "" {
		return m, nil
	}
	// Paddle sends amounts as strings in the lowest denomination.
	amount, err := strconv.ParseInt(txn.Details.Totals.GrandTotal, 10, 64)
	if err != nil {
		return m, errors.Join(ErrInvalidEvent, fmt.Errorf("grand total %q: %w", txn.Details.Totals.GrandTotal, err))
	}
	m.Amount = amount
	return m, nil
}

func stringMap(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
