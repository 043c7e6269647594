package billing

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures the payment provider.
type ProviderConfig struct {
	Provider string `env:"BILLING_PROVIDER" envDefault:"signed"`
	Stripe   StripeConfig
	Paddle   PaddleConfig
	Signed   SignedConfig
	Breaker  BreakerConfig
}

// NewProvider builds the configured provider without the circuit breaker.
func NewProvider(cfg ProviderConfig) (PaymentProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case StripeProviderName:
		return NewStripeProvider(cfg.Stripe)
	case PaddleProviderName:
		return NewPaddleProvider(cfg.Paddle)
	case SignedProviderName, "":
		return NewSignedProvider(cfg.Signed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
