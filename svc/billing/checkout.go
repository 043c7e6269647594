package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

// CheckoutRequest asks for a plan on behalf of an authenticated user.
type CheckoutRequest struct {
	UserID uuid.UUID
	Email  string
	Plan   plans.PlanType
}

// CheckoutResult tells the caller where to send the user next.
// Paid plans set CheckoutURL; the free plan sets RedirectURL and Subscription.
type CheckoutResult struct {
	CheckoutURL  string
	RedirectURL  string
	SessionID    string
	ExpiresAt    time.Time
	Reused       bool
	Subscription *Subscription
}

// InitiateCheckout starts a subscription for the user.
//
// The free plan is activated synchronously without contacting the provider.
// Paid plans get a provider-hosted checkout session; no local row exists until
// the provider confirms the checkout by webhook. While a checkout for the same
// plan is pending, its session is returned again instead of opening a new one.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	plan, err := s.catalog.Lookup(req.Plan)
	if err != nil {
		s.metrics.recordCheckout(string(req.Plan), "invalid_plan")
		return nil, errors.Join(ErrPlanNotFound, err)
	}

	if err := s.ensureNoOpenSubscription(ctx, req.UserID); err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			s.metrics.recordCheckout(string(plan.Type), "already_subscribed")
		}
		return nil, err
	}

	if plan.IsFree() {
		return s.activateFree(ctx, req.UserID, plan)
	}
	return s.openCheckout(ctx, req, plan)
}

func (s *Service) ensureNoOpenSubscription(ctx context.Context, userID uuid.UUID) error {
	sub, err := s.store.LatestForUser(ctx, userID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to load subscription: %w", err)
	case sub.Status.IsOpen():
		return ErrAlreadySubscribed
	}
	return nil
}

func (s *Service) activateFree(ctx context.Context, userID uuid.UUID, plan plans.Plan) (*CheckoutResult, error) {
	now := s.now().UTC()
	sub := &Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		PlanType:  plan.Type,
		Status:    StatusActive,
		StartDate: now,
		AutoRenew: false,
		Price:     plans.Money{Amount: 0, Currency: plan.Price.Currency},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The partial unique index closes the race with a concurrent checkout.
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrAlreadySubscribed) {
			s.metrics.recordCheckout(string(plan.Type), "already_subscribed")
			return nil, err
		}
		return nil, fmt.Errorf("failed to save free plan subscription: %w", err)
	}

	if err := s.pending.Clear(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to clear pending checkout", logger.UserID(userID), logger.Error(err))
	}

	s.metrics.recordCheckout(string(plan.Type), "activated")
	s.logger.InfoContext(ctx, "free plan activated", logger.UserID(userID), logger.Plan(string(plan.Type)))

	return &CheckoutResult{
		RedirectURL:  s.urls.FreePlan,
		Subscription: sub,
	}, nil
}

func (s *Service) openCheckout(ctx context.Context, req CheckoutRequest, plan plans.Plan) (*CheckoutResult, error) {
	priceID, ok := plan.PriceID(s.provider.Name())
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrPlanNotPurchasable, plan.Type, s.provider.Name())
	}

	pending, err := s.pending.Get(ctx, req.UserID)
	switch {
	case err == nil && pending.Plan == plan.Type:
		s.metrics.recordCheckout(string(plan.Type), "reused")
		return &CheckoutResult{
			CheckoutURL: pending.URL,
			SessionID:   pending.SessionID,
			ExpiresAt:   pending.ExpiresAt,
			Reused:      true,
		}, nil
	case err != nil && !errors.Is(err, ErrNoPendingCheckout):
		s.logger.WarnContext(ctx, "failed to read pending checkout", logger.UserID(req.UserID), logger.Error(err))
	}

	if req.Email == "" {
		return nil, ErrMissingCustomerEmail
	}

	customerID, err := s.resolveCustomer(ctx, req)
	if err != nil {
		s.metrics.recordCheckout(string(plan.Type), "provider_error")
		return nil, providerFailure(err)
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		CustomerID: customerID,
		UserID:     req.UserID,
		Plan:       plan.Type,
		PriceID:    priceID,
		TrialDays:  plan.TrialDays,
		SuccessURL: s.urls.CheckoutSuccess,
		CancelURL:  s.urls.CheckoutCancel,
	})
	s.metrics.recordProviderCall(s.provider.Name(), "checkout_session", err)
	if err != nil {
		s.metrics.recordCheckout(string(plan.Type), "provider_error")
		return nil, providerFailure(err)
	}

	expiresAt := s.now().Add(s.checkout)
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}

	marker := PendingCheckout{
		UserID:    req.UserID,
		Plan:      plan.Type,
		SessionID: session.ID,
		URL:       session.URL,
		ExpiresAt: expiresAt,
	}
	if err := s.pending.Put(ctx, marker); err != nil {
		s.logger.WarnContext(ctx, "failed to record pending checkout", logger.UserID(req.UserID), logger.Error(err))
	}

	s.metrics.recordCheckout(string(plan.Type), "session_created")
	s.logger.InfoContext(ctx, "checkout session created",
		logger.UserID(req.UserID),
		logger.Plan(string(plan.Type)),
		slog.String("session_id", session.ID),
	)

	return &CheckoutResult{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

// customerLookupTimeout bounds the shared provider call in resolveCustomer.
const customerLookupTimeout = 30 * time.Second

// resolveCustomer collapses concurrent lookups for the same user into one provider call.
// The call runs detached from the first caller's cancellation so that callers
// joining it are not failed by a request they never made.
func (s *Service) resolveCustomer(ctx context.Context, req CheckoutRequest) (string, error) {
	v, err, _ := s.customers.Do(req.UserID.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), customerLookupTimeout)
		defer cancel()
		id, err := s.provider.EnsureCustomer(ctx, CustomerRequest{UserID: req.UserID, Email: req.Email})
		s.metrics.recordProviderCall(s.provider.Name(), "ensure_customer", err)
		return id, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// BillingPortal returns the provider-hosted management link for the user's
// latest paid subscription.
func (s *Service) BillingPortal(ctx context.Context, userID uuid.UUID) (*PortalLink, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	sub, err := s.store.LatestForUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, ErrNoBillingAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.ProviderCustomerID == "" {
		return nil, ErrNoBillingAccount
	}

	link, err := s.provider.CreatePortalSession(ctx, PortalRequest{
		CustomerID:             sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ReturnURL:              s.urls.PortalReturn,
	})
	s.metrics.recordProviderCall(s.provider.Name(), "portal_session", err)
	if err != nil {
		return nil, providerFailure(err)
	}
	return link, nil
}

func providerFailure(err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
