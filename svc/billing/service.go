package billing

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

// Service is the billing reconciliation engine: it initiates checkouts,
// applies verified provider events to local state and answers plan reads.
type Service struct {
	catalog  *plans.Catalog
	store    Store
	provider PaymentProvider
	machine  *StateMachine

	pending  PendingCheckouts
	archive  EventArchive
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	urls     URLs
	checkout time.Duration // pending checkout marker lifetime

	customers singleflight.Group
}

// URLs are the redirect targets handed to the provider and to callers.
type URLs struct {
	CheckoutSuccess string `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:8080/billing/success"`
	CheckoutCancel  string `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:8080/billing/cancel"`
	FreePlan        string `env:"FREE_PLAN_REDIRECT_URL" envDefault:"http://localhost:8080/billing/success"`
	PortalReturn    string `env:"PORTAL_RETURN_URL" envDefault:"http://localhost:8080/billing"`
}

// NewService creates a billing service.
// Panics if a required dependency is nil; this is startup wiring, not runtime input.
func NewService(catalog *plans.Catalog, store Store, provider PaymentProvider, opts ...ServiceOption) *Service {
	if catalog == nil {
		panic("billing: plan catalog is required")
	}
	if store == nil {
		panic("billing: store is required")
	}
	if provider == nil {
		panic("billing: payment provider is required")
	}

	s := &Service{
		catalog:  catalog,
		store:    store,
		provider: provider,
		machine:  NewStateMachine(catalog),
		archive:  noopArchive{},
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		checkout: 24 * time.Hour,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.pending == nil {
		s.pending = newMemoryPending(s.now)
	}

	return s
}

// Catalog returns the plan catalog the service sells.
func (s *Service) Catalog() *plans.Catalog {
	return s.catalog
}

// SignatureHeader returns the HTTP header the configured provider signs webhooks with.
func (s *Service) SignatureHeader() string {
	return s.provider.SignatureHeader()
}
