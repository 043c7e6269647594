package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker around synchronous provider calls.
type BreakerConfig struct {
	FailureThreshold uint32        `env:"BILLING_BREAKER_FAILURES" envDefault:"5"`
	MaxRequests      uint32        `env:"BILLING_BREAKER_HALF_OPEN_REQUESTS" envDefault:"1"`
	Interval         time.Duration `env:"BILLING_BREAKER_INTERVAL" envDefault:"1m"`
	Timeout          time.Duration `env:"BILLING_BREAKER_TIMEOUT" envDefault:"30s"`
}

// guardedProvider fails fast once the provider keeps failing.
// Webhook verification is local and bypasses the breaker.
type guardedProvider struct {
	PaymentProvider
	cb *gobreaker.CircuitBreaker[any]
}

// WithCircuitBreaker wraps p so that customer, checkout and portal calls go
// through a circuit breaker. Calls rejected by an open breaker return
// gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests.
func WithCircuitBreaker(p PaymentProvider, cfg BreakerConfig, logger *slog.Logger, metrics *Metrics) PaymentProvider {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("billing provider circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.recordBreaker(name, to.String(), to == gobreaker.StateOpen)
		},
		// A caller giving up is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &guardedProvider{
		PaymentProvider: p,
		cb:              gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (g *guardedProvider) EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	v, err := g.cb.Execute(func() (any, error) {
		return g.PaymentProvider.EnsureCustomer(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *guardedProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	v, err := g.cb.Execute(func() (any, error) {
		return g.PaymentProvider.CreateCheckoutSession(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CheckoutSession), nil
}

func (g *guardedProvider) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalLink, error) {
	v, err := g.cb.Execute(func() (any, error) {
		return g.PaymentProvider.CreatePortalSession(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PortalLink), nil
}
