package billing

import (
	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// Outcome describes what processing an event did to local state.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate" // event or payment was already recorded
	OutcomeStale     Outcome = "stale"     // older than the last status write, or a disallowed move
	OutcomeDesync    Outcome = "desync"    // provider references state we do not have
	OutcomeIgnored   Outcome = "ignored"   // unhandled kind or invalid payload
	OutcomeRejected  Outcome = "rejected"  // signature verification failed
)

// Decision is the result of applying one event to the current subscription state.
// At most one of Create and Update is set.
type Decision struct {
	Outcome Outcome
	Reason  string
	Create  *Subscription
	Update  *Subscription
	Payment *Payment
}

// idNamespace scopes the name-based ids derived from provider identifiers, so
// replays of the same provider object always map to the same local row id.
var idNamespace = uuid.MustParse("6f1c2a8e-5d4b-4e0a-9b57-3c1d8e2f7a90")

func subscriptionID(provider, providerSubscriptionID string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte("subscription:"+provider+":"+providerSubscriptionID))
}

func paymentID(provider, providerPaymentID string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte("payment:"+provider+":"+providerPaymentID))
}

// StateMachine computes subscription transitions. Decide is a pure function of
// the current row and the event: it never reads the clock or touches storage,
// which makes recomputing a decision after a concurrent update safe.
type StateMachine struct {
	catalog *plans.Catalog
}

// NewStateMachine returns a state machine resolving checkout plans against catalog.
func NewStateMachine(catalog *plans.Catalog) *StateMachine {
	return &StateMachine{catalog: catalog}
}

// Decide applies ev to current, which is nil when no row exists for the
// event's provider subscription id.
func (m *StateMachine) Decide(current *Subscription, ev Event) Decision {
	switch ev.Kind {
	case EventUnhandled:
		return Decision{Outcome: OutcomeIgnored, Reason: "unhandled event kind"}
	case EventCheckoutCompleted:
		return m.checkoutCompleted(current, ev)
	}

	if current == nil {
		// Providers may deliver the subscription object before the checkout
		// confirmation; it carries the same checkout metadata.
		if ev.Kind == EventSubscriptionCreated && ev.UserID != uuid.Nil && ev.PlanType != "" {
			return m.open(ev)
		}
		return Decision{Outcome: OutcomeDesync, Reason: "no subscription for provider subscription id"}
	}

	switch ev.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return providerState(current, ev)
	case EventSubscriptionDeleted:
		return deleted(current, ev)
	case EventPaymentSucceeded:
		return payment(current, ev, PaymentSucceeded, StatusActive)
	case EventPaymentFailed:
		return payment(current, ev, PaymentFailed, StatusPastDue)
	}
	return Decision{Outcome: OutcomeIgnored, Reason: "unknown event kind"}
}

func (m *StateMachine) checkoutCompleted(current *Subscription, ev Event) Decision {
	if current != nil {
		return Decision{Outcome: OutcomeDuplicate, Reason: "subscription already recorded"}
	}
	return m.open(ev)
}

// open creates the first row for a paid subscription from checkout metadata.
func (m *StateMachine) open(ev Event) Decision {
	plan, err := m.catalog.Lookup(ev.PlanType)
	if err != nil {
		return Decision{Outcome: OutcomeDesync, Reason: "checkout references unknown plan " + string(ev.PlanType)}
	}
	if plan.IsFree() {
		return Decision{Outcome: OutcomeDesync, Reason: "checkout completed for a free plan"}
	}

	if ev.Status.IsTerminal() {
		return Decision{Outcome: OutcomeDesync, Reason: "first event for subscription reports terminal status"}
	}
	if ev.Status == "" && ev.ProviderStatus != "" {
		return Decision{Outcome: OutcomeDesync, Reason: "first event for subscription reports unpaid status " + ev.ProviderStatus}
	}
	status := StatusActive
	if ev.Status == StatusPastDue {
		status = StatusPastDue
	}

	autoRenew := true
	if ev.AutoRenew != nil {
		autoRenew = *ev.AutoRenew
	}

	sub := &Subscription{
		ID:                     subscriptionID(ev.Provider, ev.ProviderSubscriptionID),
		UserID:                 ev.UserID,
		PlanType:               plan.Type,
		Status:                 status,
		StartDate:              ev.OccurredAt,
		EndDate:                laterOf(nil, ev.PeriodEnd),
		AutoRenew:              autoRenew,
		Price:                  plan.Price,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		ProviderCustomerID:     ev.ProviderCustomerID,
		Clock:                  clockOf(ev),
		CreatedAt:              ev.OccurredAt,
		UpdatedAt:              ev.OccurredAt,
	}
	return Decision{Outcome: OutcomeApplied, Create: sub}
}

func providerState(current *Subscription, ev Event) Decision {
	if current.Status.IsTerminal() {
		return Decision{Outcome: OutcomeStale, Reason: "subscription is terminal"}
	}

	next := current.Clone()
	next.EndDate = laterOf(current.EndDate, ev.PeriodEnd)

	reason := "event is not newer than the last status write"
	if clock := clockOf(ev); clock.After(current.Clock) {
		target := ev.Status
		if target == "" {
			target = current.Status
		}
		if CanTransition(current.Status, target) {
			next.Clock = clock
			if ev.AutoRenew != nil {
				next.AutoRenew = *ev.AutoRenew
			}
			if target.IsTerminal() {
				terminate(next, target, ev)
			} else {
				next.Status = target
			}
		} else {
			reason = "status transition " + string(current.Status) + " -> " + string(target) + " is not allowed"
		}
	}

	if !changed(current, next) {
		return Decision{Outcome: OutcomeStale, Reason: reason}
	}
	return Decision{Outcome: OutcomeApplied, Update: next}
}

func deleted(current *Subscription, ev Event) Decision {
	if current.Status.IsTerminal() {
		return Decision{Outcome: OutcomeStale, Reason: "subscription is terminal"}
	}

	// Deletion is absorbing and applies regardless of ordering; the row keeps the
	// deletion's own clock so every delivery order ends in the same state.
	next := current.Clone()
	next.Clock = clockOf(ev)
	terminate(next, StatusCancelled, ev)
	return Decision{Outcome: OutcomeApplied, Update: next}
}

func payment(current *Subscription, ev Event, status PaymentStatus, target Status) Decision {
	amount := ev.Payment.Amount
	if amount.Currency == "" {
		amount.Currency = current.Price.Currency
	}

	d := Decision{
		Outcome: OutcomeApplied,
		Payment: &Payment{
			ID:                paymentID(ev.Provider, ev.Payment.ProviderPaymentID),
			SubscriptionID:    current.ID,
			Amount:            amount,
			Status:            status,
			ProviderPaymentID: ev.Payment.ProviderPaymentID,
			CreatedAt:         ev.OccurredAt,
		},
	}
	if current.Status.IsTerminal() {
		d.Reason = "subscription is terminal, payment recorded only"
		return d
	}

	next := current.Clone()
	if status == PaymentSucceeded {
		next.EndDate = laterOf(current.EndDate, ev.PeriodEnd)
	}
	if clock := clockOf(ev); clock.After(current.Clock) && CanTransition(current.Status, target) {
		next.Status = target
		next.Clock = clock
	}

	if changed(current, next) {
		d.Update = next
	} else {
		d.Reason = "status write is stale, payment recorded only"
	}
	return d
}

// terminate moves the row into a terminal status effective at the event time.
func terminate(s *Subscription, status Status, ev Event) {
	end := ev.OccurredAt
	s.Status = status
	s.AutoRenew = false
	s.EndDate = &end
}

func changed(a, b *Subscription) bool {
	return a.Status != b.Status ||
		a.AutoRenew != b.AutoRenew ||
		!sameInstant(a.EndDate, b.EndDate) ||
		!a.Clock.Equal(b.Clock)
}
