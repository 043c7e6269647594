package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/splitkit/pkg/webhook"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

const testSecret = "whsec_test"

type recordingArchive struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

func (a *recordingArchive) Archive(_ context.Context, provider, eventID string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.payloads == nil {
		a.payloads = map[string][]byte{}
	}
	a.payloads[provider+"/"+eventID] = payload
	return nil
}

func TestSignedProviderEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider, err := billing.NewSignedProvider(billing.SignedConfig{
		WebhookSecret: testSecret,
		BaseURL:       "http://localhost:8080/",
		Tolerance:     webhook.DefaultTolerance,
	})
	require.NoError(t, err)

	archive := &recordingArchive{}
	svc := billing.NewService(testCatalog(t), newTestStore(t), provider, billing.WithArchive(archive))
	userID := uuid.New()

	res, err := svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Email: "Ann@Example.test", Plan: plans.Premium})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CheckoutURL, "http://localhost:8080/local-checkout/cs_"))

	customerID, err := provider.EnsureCustomer(ctx, billing.CustomerRequest{Email: "ann@example.test"})
	require.NoError(t, err)

	deliver := func(ev billing.SignedEvent) billing.Outcome {
		t.Helper()
		payload, sig, err := billing.SignEvent(testSecret, ev, time.Now())
		require.NoError(t, err)
		out, err := svc.HandleWebhook(ctx, payload, sig)
		require.NoError(t, err)
		return out
	}

	end := t0.AddDate(0, 1, 0)
	checkout := billing.SignedEvent{
		ID:      "evt_checkout",
		Type:    "checkout.completed",
		Created: t0,
		Data: billing.SignedEventData{
			SubscriptionID: "sub_local_1",
			CustomerID:     customerID,
			UserID:         userID.String(),
			Plan:           string(plans.Premium),
			PeriodEnd:      &end,
		},
	}
	paid := billing.SignedEvent{
		ID:      "evt_paid",
		Type:    "payment.succeeded",
		Created: t0.Add(time.Minute),
		Data: billing.SignedEventData{
			SubscriptionID: "sub_local_1",
			PaymentID:      "pay_1",
			Amount:         499,
			Currency:       "eur",
			PeriodEnd:      &end,
		},
	}

	// Payment confirmation overtakes the checkout confirmation.
	assert.Equal(t, billing.OutcomeDesync, deliver(paid))
	assert.Equal(t, billing.OutcomeApplied, deliver(checkout))
	assert.Equal(t, billing.OutcomeApplied, deliver(paid))
	assert.Equal(t, billing.OutcomeDuplicate, deliver(checkout))
	assert.Equal(t, billing.OutcomeIgnored, deliver(billing.SignedEvent{ID: "evt_other", Type: "customer.updated", Created: t0}))

	view, err := svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, view.Effective)
	require.NotNil(t, view.LastPayment)
	assert.Equal(t, plans.Money{Amount: 499, Currency: "EUR"}, view.LastPayment.Amount)
	assert.Nil(t, view.Pending)

	link, err := svc.BillingPortal(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/local-portal/"+customerID, link.URL)

	assert.Contains(t, archive.payloads, "signed/evt_checkout")
	assert.Contains(t, archive.payloads, "signed/evt_paid")
	assert.NotContains(t, archive.payloads, "signed/evt_other")

	t.Run("bad signature", func(t *testing.T) {
		payload, _, err := billing.SignEvent(testSecret, paid, time.Now())
		require.NoError(t, err)
		_, forged, err := billing.SignEvent("other-secret", paid, time.Now())
		require.NoError(t, err)

		out, err := svc.HandleWebhook(ctx, payload, forged)
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
		assert.Equal(t, billing.OutcomeRejected, out)

		_, err = svc.HandleWebhook(ctx, payload, "")
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("authentic but undecodable body is acknowledged", func(t *testing.T) {
		payload := []byte(`{"id":"evt_bad","type":"payment.succeeded","created":"not-a-time"}`)
		sig, err := webhook.Sign(testSecret, payload, time.Now())
		require.NoError(t, err)

		_, err = provider.VerifyWebhook(ctx, payload, sig.String())
		assert.ErrorIs(t, err, billing.ErrInvalidEvent)
		assert.NotErrorIs(t, err, billing.ErrSignatureInvalid)

		out, err := svc.HandleWebhook(ctx, payload, sig.String())
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeIgnored, out)
		assert.NotContains(t, archive.payloads, "signed/evt_bad")
	})
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	_, err := billing.NewProvider(billing.ProviderConfig{Provider: "braintree"})
	assert.ErrorIs(t, err, billing.ErrUnknownProvider)

	_, err = billing.NewProvider(billing.ProviderConfig{Provider: "signed"})
	assert.ErrorIs(t, err, billing.ErrMissingWebhookSecret)

	_, err = billing.NewProvider(billing.ProviderConfig{Provider: "stripe", Stripe: billing.StripeConfig{WebhookSecret: "x"}})
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)

	_, err = billing.NewProvider(billing.ProviderConfig{Provider: "paddle", Paddle: billing.PaddleConfig{
		APIKey: "key", WebhookSecret: "x", Environment: "staging",
	}})
	assert.ErrorIs(t, err, billing.ErrInvalidProviderEnvironment)

	p, err := billing.NewProvider(billing.ProviderConfig{Provider: "Stripe", Stripe: billing.StripeConfig{SecretKey: "sk_test_x", WebhookSecret: "x"}})
	require.NoError(t, err)
	assert.Equal(t, billing.StripeProviderName, p.Name())
	assert.Equal(t, billing.StripeSignatureHeader, p.SignatureHeader())
}

func stripePayload(t *testing.T, id, typ string, created time.Time, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return fmt.Appendf(nil, `{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2020-08-27","data":{"object":%s}}`,
		id, typ, created.Unix(), raw)
}

func TestStripeVerifyWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider, err := billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test_x", WebhookSecret: testSecret})
	require.NoError(t, err)

	verify := func(payload []byte) *billing.Event {
		t.Helper()
		sig, err := webhook.Sign(testSecret, payload, time.Now())
		require.NoError(t, err)
		ev, err := provider.VerifyWebhook(ctx, payload, sig.String())
		require.NoError(t, err)
		return ev
	}
	userID := uuid.New()

	t.Run("checkout session completed", func(t *testing.T) {
		ev := verify(stripePayload(t, "evt_1", "checkout.session.completed", t0, map[string]any{
			"id":                  "cs_1",
			"object":              "checkout.session",
			"mode":                "subscription",
			"subscription":        "sub_1",
			"customer":            "cus_1",
			"client_reference_id": userID.String(),
			"metadata":            map[string]string{"plan": "premium"},
		}))
		assert.Equal(t, billing.EventCheckoutCompleted, ev.Kind)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, t0, ev.OccurredAt)
		assert.Equal(t, "sub_1", ev.ProviderSubscriptionID)
		assert.Equal(t, "cus_1", ev.ProviderCustomerID)
		assert.Equal(t, userID, ev.UserID, "client reference id backs up missing metadata")
		assert.Equal(t, plans.Premium, ev.PlanType)
		assert.NoError(t, ev.Validate())
	})

	t.Run("one-off payment checkout is unhandled", func(t *testing.T) {
		ev := verify(stripePayload(t, "evt_2", "checkout.session.completed", t0, map[string]any{
			"id": "cs_2", "object": "checkout.session", "mode": "payment",
		}))
		assert.Equal(t, billing.EventUnhandled, ev.Kind)
	})

	t.Run("subscription updated", func(t *testing.T) {
		periodEnd := t0.AddDate(0, 1, 0)
		ev := verify(stripePayload(t, "evt_3", "customer.subscription.updated", t0, map[string]any{
			"id":                   "sub_1",
			"object":               "subscription",
			"status":               "past_due",
			"customer":             "cus_1",
			"cancel_at_period_end": true,
			"current_period_end":   periodEnd.Unix(),
		}))
		assert.Equal(t, billing.EventSubscriptionUpdated, ev.Kind)
		assert.Equal(t, billing.StatusPastDue, ev.Status)
		require.NotNil(t, ev.AutoRenew)
		assert.False(t, *ev.AutoRenew)
		require.NotNil(t, ev.PeriodEnd)
		assert.Equal(t, periodEnd, *ev.PeriodEnd)
	})

	t.Run("incomplete subscription keeps its raw status", func(t *testing.T) {
		ev := verify(stripePayload(t, "evt_3b", "customer.subscription.created", t0, map[string]any{
			"id":       "sub_2",
			"object":   "subscription",
			"status":   "incomplete",
			"customer": "cus_1",
			"metadata": map[string]string{"user_id": userID.String(), "plan": "premium"},
		}))
		assert.Equal(t, billing.EventSubscriptionCreated, ev.Kind)
		assert.Empty(t, ev.Status)
		assert.Equal(t, "incomplete", ev.ProviderStatus)

		d := billing.NewStateMachine(testCatalog(t)).Decide(nil, *ev)
		assert.Equal(t, billing.OutcomeDesync, d.Outcome)
		assert.Nil(t, d.Create)
	})

	t.Run("invoice paid", func(t *testing.T) {
		lineEnd := t0.AddDate(0, 2, 0)
		ev := verify(stripePayload(t, "evt_4", "invoice.paid", t0, map[string]any{
			"id":           "in_1",
			"object":       "invoice",
			"subscription": "sub_1",
			"customer":     "cus_1",
			"currency":     "eur",
			"amount_paid":  499,
			"period_end":   t0.Unix(),
			"lines": map[string]any{
				"object": "list",
				"data": []map[string]any{
					{"id": "il_1", "object": "line_item", "period": map[string]any{"start": t0.Unix(), "end": lineEnd.Unix()}},
				},
			},
		}))
		assert.Equal(t, billing.EventPaymentSucceeded, ev.Kind)
		require.NotNil(t, ev.Payment)
		assert.Equal(t, "in_1", ev.Payment.ProviderPaymentID)
		assert.Equal(t, plans.Money{Amount: 499, Currency: "EUR"}, ev.Payment.Amount)
		assert.Equal(t, lineEnd, *ev.PeriodEnd)
	})

	t.Run("invoice payment failed", func(t *testing.T) {
		ev := verify(stripePayload(t, "evt_5", "invoice.payment_failed", t0, map[string]any{
			"id":            "in_2",
			"object":        "invoice",
			"subscription":  "sub_1",
			"currency":      "eur",
			"amount_due":    499,
			"attempt_count": 2,
		}))
		assert.Equal(t, billing.EventPaymentFailed, ev.Kind)
		assert.Equal(t, "in_2/attempt-2", ev.Payment.ProviderPaymentID)
		assert.Nil(t, ev.PeriodEnd)
	})

	t.Run("invalid signature", func(t *testing.T) {
		payload := stripePayload(t, "evt_6", "invoice.paid", t0, map[string]any{"id": "in_3"})
		sig, err := webhook.Sign("wrong", payload, time.Now())
		require.NoError(t, err)
		_, err = provider.VerifyWebhook(ctx, payload, sig.String())
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("undecodable body is an invalid event", func(t *testing.T) {
		payload := []byte(`{"id":"evt_7","type":"invoice.paid","created":"yesterday"}`)
		sig, err := webhook.Sign(testSecret, payload, time.Now())
		require.NoError(t, err)
		_, err = provider.VerifyWebhook(ctx, payload, sig.String())
		assert.ErrorIs(t, err, billing.ErrInvalidEvent)
		assert.NotErrorIs(t, err, billing.ErrSignatureInvalid)
	})
}

func TestPaddleDecodeEvent(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	occurred := t0.Format(time.RFC3339Nano)
	periodEnd := t0.AddDate(0, 1, 0)

	t.Run("checkout transaction", func(t *testing.T) {
		ev, err := billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_01", "event_type": "transaction.completed", "occurred_at": %q,
			"data": {
				"id": "txn_01", "status": "completed", "origin": "web",
				"subscription_id": "sub_01", "customer_id": "ctm_01",
				"custom_data": {"user_id": %q, "plan": "enterprise"},
				"billing_period": {"starts_at": %q, "ends_at": %q}
			}}`, occurred, userID, occurred, periodEnd.Format(time.RFC3339)))
		require.NoError(t, err)
		assert.Equal(t, billing.EventCheckoutCompleted, ev.Kind)
		assert.Equal(t, userID, ev.UserID)
		assert.Equal(t, plans.Enterprise, ev.PlanType)
		assert.Equal(t, "ctm_01", ev.ProviderCustomerID)
		assert.Equal(t, periodEnd, *ev.PeriodEnd)
		assert.Equal(t, t0, ev.OccurredAt)
	})

	t.Run("renewal transaction completed is unhandled", func(t *testing.T) {
		ev, err := billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_02", "event_type": "transaction.completed", "occurred_at": %q,
			"data": {"id": "txn_02", "origin": "subscription_recurring", "subscription_id": "sub_01"}}`, occurred))
		require.NoError(t, err)
		assert.Equal(t, billing.EventUnhandled, ev.Kind)
	})

	t.Run("paid and failed transactions", func(t *testing.T) {
		ev, err := billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_03", "event_type": "transaction.paid", "occurred_at": %q,
			"data": {"id": "txn_03", "subscription_id": "sub_01", "currency_code": "eur",
				"details": {"totals": {"grand_total": "1999"}}}}`, occurred))
		require.NoError(t, err)
		assert.Equal(t, billing.EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "txn_03", ev.Payment.ProviderPaymentID)
		assert.Equal(t, plans.Money{Amount: 1999, Currency: "EUR"}, ev.Payment.Amount)

		ev, err = billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_04", "event_type": "transaction.payment_failed", "occurred_at": %q,
			"data": {"id": "txn_03", "subscription_id": "sub_01", "currency_code": "EUR"}}`, occurred))
		require.NoError(t, err)
		assert.Equal(t, billing.EventPaymentFailed, ev.Kind)
		assert.Equal(t, "txn_03/evt_04", ev.Payment.ProviderPaymentID)

		_, err = billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_05", "event_type": "transaction.paid", "occurred_at": %q,
			"data": {"id": "txn_04", "subscription_id": "sub_01", "details": {"totals": {"grand_total": "12.50"}}}}`, occurred))
		assert.ErrorIs(t, err, billing.ErrInvalidEvent)
	})

	t.Run("subscription events", func(t *testing.T) {
		ev, err := billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_06", "event_type": "subscription.updated", "occurred_at": %q,
			"data": {"id": "sub_01", "status": "active", "customer_id": "ctm_01",
				"scheduled_change": {"action": "cancel"},
				"current_billing_period": {"starts_at": %q, "ends_at": %q}}}`, occurred, occurred, periodEnd.Format(time.RFC3339)))
		require.NoError(t, err)
		assert.Equal(t, billing.EventSubscriptionUpdated, ev.Kind)
		assert.Equal(t, billing.StatusActive, ev.Status)
		assert.False(t, *ev.AutoRenew)

		ev, err = billing.DecodePaddleEvent(fmt.Appendf(nil, `{
			"event_id": "evt_07", "event_type": "subscription.canceled", "occurred_at": %q,
			"data": {"id": "sub_01", "status": "canceled"}}`, occurred))
		require.NoError(t, err)
		assert.Equal(t, billing.EventSubscriptionDeleted, ev.Kind)
		assert.Equal(t, billing.StatusCancelled, ev.Status)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := billing.DecodePaddleEvent([]byte(`{"event_id":`))
		assert.ErrorIs(t, err, billing.ErrInvalidEvent)
	})
}

func TestPaddleVerifyWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	provider, err := billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "pdl_sdbx_test", WebhookSecret: testSecret, Environment: "sandbox"})
	require.NoError(t, err)

	_, err = provider.VerifyWebhook(context.Background(), []byte(`{"event_id":"evt_1"}`), "ts=1;h1=deadbeef")
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
}
