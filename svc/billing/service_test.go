package billing_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/billing/sqlitestore"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

func testCatalog(t *testing.T) *plans.Catalog {
	t.Helper()
	ps := plans.Defaults()
	for i := range ps {
		if ps[i].IsFree() {
			continue
		}
		id := "price_" + string(ps[i].Type)
		ps[i].PriceIDs = map[string]string{"mock": id, billing.SignedProviderName: id}
	}
	c, err := plans.NewCatalog(ps...)
	require.NoError(t, err)
	return c
}

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlitestore.Migrate(context.Background(), db))
	return sqlitestore.New(db)
}

type fixture struct {
	svc      *billing.Service
	store    billing.Store
	provider *mockProvider
	metrics  *billing.Metrics
	now      time.Time
}

func newFixture(t *testing.T, opts ...billing.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    newTestStore(t),
		provider: &mockProvider{},
		metrics:  billing.NewMetrics(prometheus.NewRegistry()),
		now:      t0.Add(time.Hour),
	}
	t.Cleanup(func() { f.provider.AssertExpectations(t) })

	opts = append([]billing.ServiceOption{
		billing.WithClock(func() time.Time { return f.now }),
		billing.WithMetrics(f.metrics),
		billing.WithLogger(slog.New(slog.DiscardHandler)),
		billing.WithURLs(billing.URLs{
			CheckoutSuccess: "https://app.test/billing/success",
			CheckoutCancel:  "https://app.test/billing/cancel",
			FreePlan:        "https://app.test/welcome",
			PortalReturn:    "https://app.test/billing",
		}),
	}, opts...)
	f.svc = billing.NewService(testCatalog(t), f.store, f.provider, opts...)
	return f
}

func (f *fixture) apply(t *testing.T, ev billing.Event) billing.Outcome {
	t.Helper()
	out, err := f.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func TestInitiateCheckoutFreePlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	res, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Plan: plans.Free})
	require.NoError(t, err)
	assert.Equal(t, "https://app.test/welcome", res.RedirectURL)
	assert.Empty(t, res.CheckoutURL)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, billing.StatusActive, res.Subscription.Status)
	assert.False(t, res.Subscription.AutoRenew)
	assert.Zero(t, res.Subscription.Price.Amount)
	assert.Empty(t, res.Subscription.ProviderSubscriptionID)

	view, err := f.svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Free, view.Plan)
	assert.Equal(t, billing.StatusActive, view.Status)
	assert.Equal(t, int64(3), view.Limits[plans.ResourceGroups])

	t.Run("second checkout is rejected without provider calls", func(t *testing.T) {
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Email: "a@b.test", Plan: plans.Premium})
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)

		_, err = f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Plan: plans.Free})
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutsTotal.WithLabelValues("free", "activated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CheckoutsTotal.WithLabelValues("premium", "already_subscribed"))+
		testutil.ToFloat64(f.metrics.CheckoutsTotal.WithLabelValues("free", "already_subscribed")))
}

func TestInitiateCheckoutPaidPlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	f.provider.On("EnsureCustomer", mock.Anything, billing.CustomerRequest{UserID: userID, Email: "ann@example.test"}).
		Return("cus_1", nil).Once()
	f.provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutSessionRequest) bool {
		return req.CustomerID == "cus_1" &&
			req.UserID == userID &&
			req.Plan == plans.Premium &&
			req.PriceID == "price_premium" &&
			req.TrialDays == 14 &&
			req.SuccessURL == "https://app.test/billing/success"
	})).Return(&billing.CheckoutSession{ID: "cs_1", URL: "https://pay.test/cs_1", ExpiresAt: f.now.Add(time.Hour)}, nil).Once()

	req := billing.CheckoutRequest{UserID: userID, Email: "ann@example.test", Plan: plans.Premium}
	res, err := f.svc.InitiateCheckout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.test/cs_1", res.CheckoutURL)
	assert.Equal(t, f.now.Add(time.Hour), res.ExpiresAt, "marker never outlives the provider session")
	assert.False(t, res.Reused)

	_, err = f.store.LatestForUser(ctx, userID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound, "no row before the provider confirms")

	t.Run("pending checkout is reused", func(t *testing.T) {
		again, err := f.svc.InitiateCheckout(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Reused)
		assert.Equal(t, "cs_1", again.SessionID)

		view, err := f.svc.CurrentPlan(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, plans.Free, view.Effective)
		require.NotNil(t, view.Pending)
		assert.Equal(t, plans.Premium, view.Pending.Plan)
	})

	t.Run("confirmation creates the row and clears the marker", func(t *testing.T) {
		ev := checkoutEvent("evt_checkout", userID, t0)
		ev.Provider = "mock"
		assert.Equal(t, billing.OutcomeApplied, f.apply(t, ev))

		view, err := f.svc.CurrentPlan(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, plans.Premium, view.Effective)
		assert.Equal(t, billing.StatusActive, view.Status)
		assert.Nil(t, view.Pending)
		assert.Contains(t, view.Features, plans.FeatureReceiptScanning)

		_, err = f.svc.InitiateCheckout(ctx, req)
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	})
}

func TestInitiateCheckoutErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unauthenticated", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{Plan: plans.Premium})
		assert.ErrorIs(t, err, billing.ErrUnauthenticated)
	})

	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: uuid.New(), Plan: "platinum"})
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("missing email", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: uuid.New(), Plan: plans.Premium})
		assert.ErrorIs(t, err, billing.ErrMissingCustomerEmail)
	})

	t.Run("plan without price for provider", func(t *testing.T) {
		ps := plans.Defaults()
		f := newFixture(t)
		svc := billing.NewService(plans.MustCatalog(ps...), f.store, f.provider)
		_, err := svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: uuid.New(), Email: "a@b.test", Plan: plans.Premium})
		assert.ErrorIs(t, err, billing.ErrPlanNotPurchasable)
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t)
		f.provider.On("EnsureCustomer", mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Once()

		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: uuid.New(), Email: "a@b.test", Plan: plans.Premium})
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProviderCallsTotal.WithLabelValues("mock", "ensure_customer", "error")))
	})
}

// heldCustomerProvider blocks EnsureCustomer until released or its context ends.
type heldCustomerProvider struct {
	*mockProvider
	entered chan context.Context
	release chan struct{}
}

func (p *heldCustomerProvider) EnsureCustomer(ctx context.Context, _ billing.CustomerRequest) (string, error) {
	select {
	case p.entered <- ctx:
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.release:
		return "cus_shared", nil
	}
}

func TestSharedCustomerLookupOutlivesCancelledCaller(t *testing.T) {
	t.Parallel()

	provider := &heldCustomerProvider{
		mockProvider: &mockProvider{},
		entered:      make(chan context.Context, 1),
		release:      make(chan struct{}),
	}
	provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Return(&billing.CheckoutSession{ID: "cs_1", URL: "https://pay.test/cs_1"}, nil)

	svc := billing.NewService(testCatalog(t), newTestStore(t), provider, billing.WithLogger(slog.New(slog.DiscardHandler)))
	req := billing.CheckoutRequest{UserID: uuid.New(), Email: "a@b.test", Plan: plans.Premium}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.InitiateCheckout(ctx, req)
		first <- err
	}()

	shared := <-provider.entered
	cancel()
	assert.NoError(t, shared.Err(), "cancelling the first caller must not abort the shared lookup")
	_, bounded := shared.Deadline()
	assert.True(t, bounded)

	second := make(chan error, 1)
	go func() {
		_, err := svc.InitiateCheckout(context.Background(), req)
		second <- err
	}()
	close(provider.release)

	require.NoError(t, <-second)
	<-first
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &mockProvider{}
	provider.On("EnsureCustomer", mock.Anything, mock.Anything).Return("", errors.New("503 from provider")).Times(2)
	metrics := billing.NewMetrics(prometheus.NewRegistry())
	guarded := billing.WithCircuitBreaker(provider, billing.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, nil, metrics)

	svc := billing.NewService(testCatalog(t), newTestStore(t), guarded)
	req := billing.CheckoutRequest{UserID: uuid.New(), Email: "a@b.test", Plan: plans.Premium}

	for range 2 {
		_, err := svc.InitiateCheckout(ctx, req)
		require.ErrorIs(t, err, billing.ErrProviderUnavailable)
	}

	_, err := svc.InitiateCheckout(ctx, req)
	require.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	provider.AssertNumberOfCalls(t, "EnsureCustomer", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerOpen))
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	checkout := checkoutEvent("evt_checkout", userID, t0)
	require.Equal(t, billing.OutcomeApplied, f.apply(t, checkout))
	assert.Equal(t, billing.OutcomeDuplicate, f.apply(t, checkout))

	// A second checkout confirmation for the same provider subscription.
	redelivered := checkoutEvent("evt_checkout_2", userID, t0.Add(time.Second))
	assert.Equal(t, billing.OutcomeDuplicate, f.apply(t, redelivered))

	end := t0.AddDate(0, 1, 0)
	paid := paymentEvent("evt_paid", "in_1", billing.EventPaymentSucceeded, t0.Add(time.Minute), &end)
	require.Equal(t, billing.OutcomeApplied, f.apply(t, paid))
	assert.Equal(t, billing.OutcomeDuplicate, f.apply(t, paid))

	// invoice.paid and invoice.payment_succeeded carry the same invoice.
	sibling := paymentEvent("evt_paid_sibling", "in_1", billing.EventPaymentSucceeded, t0.Add(time.Minute), &end)
	assert.Equal(t, billing.OutcomeDuplicate, f.apply(t, sibling))

	payments, err := f.svc.Payments(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "in_1", payments[0].ProviderPaymentID)

	sub, err := f.store.LatestForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, end, *sub.EndDate)
	assert.Equal(t, int64(1), sub.Version)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.WebhookEventsTotal.WithLabelValues("checkout_completed", "duplicate")))
}

func TestApplyDesyncIsNotAdmitted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	end := t0.AddDate(0, 1, 0)
	paid := paymentEvent("evt_paid", "in_1", billing.EventPaymentSucceeded, t0.Add(time.Minute), &end)
	assert.Equal(t, billing.OutcomeDesync, f.apply(t, paid))

	payments, err := f.svc.Payments(ctx, userID, 10)
	require.NoError(t, err)
	assert.Empty(t, payments)

	require.Equal(t, billing.OutcomeApplied, f.apply(t, checkoutEvent("evt_checkout", userID, t0)))

	// The redelivered event is processed as if seen for the first time.
	assert.Equal(t, billing.OutcomeApplied, f.apply(t, paid))
	payments, err = f.svc.Payments(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestApplyCheckoutForUserWithOpenSubscription(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Plan: plans.Free})
	require.NoError(t, err)

	assert.Equal(t, billing.OutcomeDesync, f.apply(t, checkoutEvent("evt_checkout", userID, t0)))

	view, err := f.svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Free, view.Plan)
}

func TestApplySubscriptionCreatedBeforeCheckout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	created := statusEvent("evt_created", billing.EventSubscriptionCreated, billing.StatusActive, t0, ptr(t0.AddDate(0, 0, 14)))
	created.UserID = userID
	created.PlanType = plans.Premium
	require.Equal(t, billing.OutcomeApplied, f.apply(t, created))

	assert.Equal(t, billing.OutcomeDuplicate, f.apply(t, checkoutEvent("evt_checkout", userID, t0.Add(time.Second))))

	view, err := f.svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, view.Effective)
}

func TestApplyIgnoresUnhandledAndInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, billing.OutcomeIgnored, f.apply(t, billing.Event{ID: "evt_1", Kind: billing.EventUnhandled, ProviderType: "customer.created"}))

	invalid := checkoutEvent("evt_2", uuid.Nil, t0)
	assert.Equal(t, billing.OutcomeIgnored, f.apply(t, invalid))

	noPayment := paymentEvent("evt_3", "", billing.EventPaymentSucceeded, t0, nil)
	assert.Equal(t, billing.OutcomeIgnored, f.apply(t, noPayment))
}

func TestApplyLifecycleReadModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	end := t0.AddDate(0, 1, 0)
	f.apply(t, checkoutEvent("evt_checkout", userID, t0))
	f.apply(t, paymentEvent("evt_paid", "in_1", billing.EventPaymentSucceeded, t0.Add(time.Minute), &end))
	f.apply(t, paymentEvent("evt_failed", "in_2/attempt-1", billing.EventPaymentFailed, end, nil))

	view, err := f.svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, view.Status)
	assert.Equal(t, plans.Premium, view.Effective, "past due keeps the paid plan")
	require.NotNil(t, view.LastPayment)
	assert.Equal(t, billing.PaymentFailed, view.LastPayment.Status)

	f.apply(t, statusEvent("evt_deleted", billing.EventSubscriptionDeleted, "", end.Add(time.Hour), nil))

	view, err = f.svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, view.Plan)
	assert.Equal(t, billing.StatusCancelled, view.Status)
	assert.Equal(t, plans.Free, view.Effective)
	assert.Equal(t, int64(0), view.Limits[plans.ResourceReceiptScans])

	// Terminal rows absorb later status events but still record payments.
	assert.Equal(t, billing.OutcomeStale, f.apply(t, statusEvent("evt_late", billing.EventSubscriptionUpdated, billing.StatusActive, end.Add(2*time.Hour), nil)))
	assert.Equal(t, billing.OutcomeApplied, f.apply(t, paymentEvent("evt_refund_attempt", "in_3", billing.EventPaymentSucceeded, end.Add(3*time.Hour), nil)))

	payments, err := f.svc.Payments(ctx, userID, 2)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "in_3", payments[0].ProviderPaymentID)

	t.Run("a new checkout is allowed after cancellation", func(t *testing.T) {
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Plan: plans.Free})
		assert.NoError(t, err)
	})
}

// conflictingStore fails the first ApplyTransition as if another writer won the race.
type conflictingStore struct {
	billing.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(context.Context, billing.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		return fn(ctx, &conflictingTx{Tx: tx, store: s})
	})
}

type conflictingTx struct {
	billing.Tx
	store *conflictingStore
}

func (t *conflictingTx) ApplyTransition(ctx context.Context, next *billing.Subscription, ifVersion int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return billing.ErrConcurrentUpdate
	}
	return t.Tx.ApplyTransition(ctx, next, ifVersion)
}

func TestApplyRetriesConcurrentUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &conflictingStore{Store: newTestStore(t)}
	svc := billing.NewService(testCatalog(t), store, &mockProvider{})
	userID := uuid.New()

	_, err := svc.Apply(ctx, checkoutEvent("evt_checkout", userID, t0))
	require.NoError(t, err)

	store.conflicts = 1
	out, err := svc.Apply(ctx, statusEvent("evt_past_due", billing.EventSubscriptionUpdated, billing.StatusPastDue, t0.Add(time.Hour), nil))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)

	store.conflicts = 2
	_, err = svc.Apply(ctx, statusEvent("evt_active", billing.EventSubscriptionUpdated, billing.StatusActive, t0.Add(2*time.Hour), nil))
	require.ErrorIs(t, err, billing.ErrConcurrentUpdate)

	// The failed event was rolled back and is accepted on redelivery.
	out, err = svc.Apply(ctx, statusEvent("evt_active", billing.EventSubscriptionUpdated, billing.StatusActive, t0.Add(2*time.Hour), nil))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)
}

// staleReadStore hides existing rows from the first lookups, as a transaction
// does when a concurrent insert commits between its read and its write.
type staleReadStore struct {
	billing.Store
	mu     sync.Mutex
	misses int
}

func (s *staleReadStore) WithinTx(ctx context.Context, fn func(context.Context, billing.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx billing.Tx) error {
		return fn(ctx, &staleReadTx{Tx: tx, store: s})
	})
}

type staleReadTx struct {
	billing.Tx
	store *staleReadStore
}

func (t *staleReadTx) GetByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.misses > 0 {
		t.store.misses--
		return nil, billing.ErrSubscriptionNotFound
	}
	return t.Tx.GetByProviderID(ctx, providerSubscriptionID)
}

func TestApplySubscriptionCreatedRacingCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &staleReadStore{Store: newTestStore(t)}
	svc := billing.NewService(testCatalog(t), store, &mockProvider{})
	userID := uuid.New()
	periodEnd := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := svc.Apply(ctx, checkoutEvent("evt_checkout", userID, t0))
	require.NoError(t, err)

	created := statusEvent("evt_created", billing.EventSubscriptionCreated, billing.StatusPastDue, t0.Add(time.Minute), &periodEnd)
	created.UserID = userID
	created.PlanType = plans.Premium

	store.misses = 1
	out, err := svc.Apply(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)

	view, err := svc.CurrentPlan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, view.Status)
	require.NotNil(t, view.Subscription)
	require.NotNil(t, view.Subscription.EndDate)
	assert.True(t, view.Subscription.EndDate.Equal(periodEnd))

	t.Run("a checkout racing an existing row stays a duplicate", func(t *testing.T) {
		store.misses = 1
		out, err := svc.Apply(ctx, checkoutEvent("evt_checkout_again", userID, t0.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeDuplicate, out)
	})
}

func TestApplyConcurrentRedeliveries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.apply(t, checkoutEvent("evt_checkout", userID, t0))

	var events []billing.Event
	for i := range 4 {
		end := t0.AddDate(0, i+1, 0)
		events = append(events, paymentEvent(fmt.Sprintf("evt_paid_%d", i), fmt.Sprintf("in_%d", i),
			billing.EventPaymentSucceeded, t0.AddDate(0, i, 0).Add(time.Minute), &end))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[string][]billing.Outcome{}
	)
	for range 3 {
		for _, ev := range events {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := f.svc.Apply(ctx, ev)
				assert.NoError(t, err)
				mu.Lock()
				outcomes[ev.ID] = append(outcomes[ev.ID], out)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	for id, outs := range outcomes {
		applied := 0
		for _, o := range outs {
			if o == billing.OutcomeApplied {
				applied++
			}
		}
		assert.Equal(t, 1, applied, id)
	}

	payments, err := f.svc.Payments(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, payments, 4)

	sub, err := f.store.LatestForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, t0.AddDate(0, 4, 0), *sub.EndDate)
}

func TestBillingPortal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no subscription", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.BillingPortal(ctx, uuid.New())
		assert.ErrorIs(t, err, billing.ErrNoBillingAccount)
	})

	t.Run("free subscription", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()
		_, err := f.svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Plan: plans.Free})
		require.NoError(t, err)
		_, err = f.svc.BillingPortal(ctx, userID)
		assert.ErrorIs(t, err, billing.ErrNoBillingAccount)
	})

	t.Run("paid subscription", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()
		f.apply(t, checkoutEvent("evt_checkout", userID, t0))

		f.provider.On("CreatePortalSession", mock.Anything, billing.PortalRequest{
			CustomerID:             "cus_1",
			ProviderSubscriptionID: "sub_1",
			ReturnURL:              "https://app.test/billing",
		}).Return(&billing.PortalLink{URL: "https://pay.test/portal"}, nil).Once()

		link, err := f.svc.BillingPortal(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "https://pay.test/portal", link.URL)
	})
}

func TestMemoryPendingExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := t0
	p := billing.NewMemoryPendingAt(func() time.Time { return now })
	userID := uuid.New()

	require.NoError(t, p.Put(ctx, billing.PendingCheckout{UserID: userID, Plan: plans.Premium, ExpiresAt: t0.Add(time.Minute)}))
	got, err := p.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, got.Plan)

	now = t0.Add(time.Minute)
	_, err = p.Get(ctx, userID)
	assert.ErrorIs(t, err, billing.ErrNoPendingCheckout)

	assert.NoError(t, p.Clear(ctx, userID))
}
