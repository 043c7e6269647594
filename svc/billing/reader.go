package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

// CurrentPlan is the read view of a user's plan.
//
// Plan and Status describe the user's latest subscription row; Effective is
// the plan whose limits and features apply right now, which falls back to the
// free plan when no subscription is open.
type CurrentPlan struct {
	Plan         plans.PlanType
	Status       Status // empty when the user never subscribed
	Effective    plans.PlanType
	Limits       map[plans.Resource]int64
	Features     []plans.Feature
	Subscription *Subscription
	LastPayment  *Payment
	Pending      *PendingCheckout
}

// CurrentPlan reads the user's plan from local state only; it never calls the provider.
func (s *Service) CurrentPlan(ctx context.Context, userID uuid.UUID) (*CurrentPlan, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	free := s.catalog.Free()
	view := &CurrentPlan{Plan: free.Type, Effective: free.Type}

	sub, err := s.store.LatestForUser(ctx, userID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	default:
		view.Subscription = sub
		view.Plan = sub.PlanType
		view.Status = sub.Status
		if sub.Status.IsOpen() {
			view.Effective = sub.PlanType
		}

		payment, err := s.store.LatestPayment(ctx, sub.ID)
		if err != nil && !errors.Is(err, ErrPaymentNotFound) {
			return nil, fmt.Errorf("failed to load last payment: %w", err)
		}
		view.LastPayment = payment
	}

	effective := free
	if view.Effective != free.Type {
		if p, err := s.catalog.Lookup(view.Effective); err == nil {
			effective = p
		} else {
			// Plan removed from the catalog after the row was written.
			s.logger.WarnContext(ctx, "subscription references unknown plan", logger.UserID(userID), logger.Plan(string(view.Effective)))
			view.Effective = free.Type
		}
	}
	view.Limits = effective.Limits
	view.Features = effective.Features

	if sub == nil || !sub.Status.IsOpen() {
		pending, err := s.pending.Get(ctx, userID)
		if err == nil {
			view.Pending = pending
		} else if !errors.Is(err, ErrNoPendingCheckout) {
			s.logger.WarnContext(ctx, "failed to read pending checkout", logger.UserID(userID), logger.Error(err))
		}
	}

	return view, nil
}

// Payments lists the user's ledger entries, newest first.
func (s *Service) Payments(ctx context.Context, userID uuid.UUID, limit int) ([]Payment, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	payments, err := s.store.PaymentsForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}
