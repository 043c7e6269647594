// Package billing mounts the billing HTTP surface: the provider webhook,
// checkout, the caller's current plan, the billing portal redirect, the plan
// list and payment history.
package billing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/splitkit/handler"
	"github.com/dmitrymomot/splitkit/pkg/binder"
	"github.com/dmitrymomot/splitkit/pkg/ratelimiter"
	svc "github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

// DefaultMaxBodyBytes bounds webhook and checkout request bodies.
const DefaultMaxBodyBytes int64 = 64 << 10

// Service is the part of billing.Service the handlers use.
type Service interface {
	InitiateCheckout(ctx context.Context, req svc.CheckoutRequest) (*svc.CheckoutResult, error)
	CurrentPlan(ctx context.Context, userID uuid.UUID) (*svc.CurrentPlan, error)
	BillingPortal(ctx context.Context, userID uuid.UUID) (*svc.PortalLink, error)
	Payments(ctx context.Context, userID uuid.UUID, limit int) ([]svc.Payment, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (svc.Outcome, error)
	SignatureHeader() string
	Catalog() *plans.Catalog
}

// Module serves the billing routes.
type Module struct {
	svc          Service
	auth         Authenticator
	logger       *slog.Logger
	maxBodyBytes int64
	limiter      *ratelimiter.Bucket
	onError      handler.ErrorHandler[handler.Context]
}

// Option configures a Module.
type Option func(*Module)

func WithLogger(l *slog.Logger) Option {
	return func(m *Module) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(m *Module) {
		if n > 0 {
			m.maxBodyBytes = n
		}
	}
}

// WithRateLimiter limits checkout and portal requests per user. Both call the
// payment provider.
func WithRateLimiter(b *ratelimiter.Bucket) Option {
	return func(m *Module) { m.limiter = b }
}

// New builds the module. auth resolves the caller of every route except the
// webhook and the plan list.
func New(s Service, auth Authenticator, opts ...Option) *Module {
	m := &Module{
		svc:          s,
		auth:         auth,
		logger:       slog.New(slog.DiscardHandler),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.onError = handler.NewErrorHandler(m.logger, handler.ErrorHandlerConfig{
		Classify:  classify,
		Component: "billing_http",
	})
	return m
}

// Handle returns the router, ready to be mounted:
//
//	r.Mount("/billing", billing.New(service, auth).Handle())
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()

	r.With(m.limitBody).Post("/webhook", wrap(m, m.webhook, m.bindWebhook))
	r.Get("/plans", wrap(m, m.listPlans))

	r.Group(func(r chi.Router) {
		r.Use(m.requireIdentity)
		r.With(m.limitProviderCalls, m.limitBody).Post("/checkout", wrap(m, m.checkout, binder.JSON()))
		r.Get("/subscription/current", wrap(m, m.currentSubscription))
		r.With(m.limitProviderCalls).Get("/billing-portal", wrap(m, m.billingPortal))
		r.Get("/payments", wrap(m, m.payments, binder.Query()))
	})

	return r
}

func (m *Module) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, m.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (m *Module) limitProviderCalls(next http.Handler) http.Handler {
	if m.limiter == nil {
		return next
	}
	return ratelimiter.Middleware(m.limiter,
		func(r *http.Request) string { return identityFrom(r.Context()).UserID.String() },
		ratelimiter.WithDeniedHandler(func(w http.ResponseWriter, r *http.Request, _ *ratelimiter.Result) {
			m.writeError(w, r, errRateLimited)
		}),
		ratelimiter.WithErrorHandler(m.writeError),
	)(next)
}
