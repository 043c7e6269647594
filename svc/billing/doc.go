// Package billing reconciles locally owned subscriptions with an external
// payment provider that delivers webhooks at least once and in no particular order.
//
// # Flow
//
// Checkout: InitiateCheckout activates the free plan synchronously, or asks the
// provider for a hosted checkout session for a paid plan. No row exists for a
// paid plan until the provider confirms it.
//
// Webhooks: HandleWebhook verifies the raw body with the provider, then Apply
// runs the event through three steps inside one storage transaction:
//
//  1. AdmitEvent records the provider event id; a known id is acknowledged without effects.
//  2. StateMachine.Decide computes the next row state from the current row and the event.
//  3. The new row or transition and any ledger entry are written.
//
// Status writes are ordered by EventClock, the provider event timestamp with the
// reported period end as a tie-breaker, so late deliveries cannot regress newer
// state. Cancelled and expired rows never change again. Rows carry a version;
// a concurrent write makes ApplyTransition fail with ErrConcurrentUpdate and the
// event is recomputed once.
//
// Events for subscriptions that do not exist locally are acknowledged and
// logged as desync without being admitted, so they can be replayed after an
// operator repairs local state.
//
// Reads: CurrentPlan and Payments answer from local state only.
//
// # Storage and providers
//
// Store has PostgreSQL (pgstore) and SQLite (sqlitestore) implementations.
// Providers: StripeProvider, PaddleProvider and SignedProvider, a self-hosted
// HMAC feed for development. WithCircuitBreaker guards the synchronous calls.
//
// # Usage
//
//	catalog, _ := plans.Load("")
//	provider, _ := billing.NewProvider(cfg)
//	svc := billing.NewService(catalog, pgstore.New(pool), billing.WithCircuitBreaker(provider, cfg.Breaker, log, metrics),
//		billing.WithLogger(log),
//		billing.WithMetrics(metrics),
//	)
//	res, err := svc.InitiateCheckout(ctx, billing.CheckoutRequest{UserID: id, Email: email, Plan: plans.Premium})
package billing
