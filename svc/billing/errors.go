package billing

import "errors"

var (
	ErrPlanNotFound         = errors.New("billing plan not found")
	ErrPlanNotPurchasable   = errors.New("billing plan has no price for the configured provider")
	ErrAlreadySubscribed    = errors.New("user already has an open subscription")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrNoPendingCheckout    = errors.New("no pending checkout")
	ErrNoBillingAccount     = errors.New("user has no billing account with the provider")
	ErrConcurrentUpdate     = errors.New("subscription was modified concurrently")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrMissingCustomerEmail = errors.New("customer email is required for paid checkout")

	ErrSignatureInvalid    = errors.New("webhook signature verification failed")
	ErrInvalidEvent        = errors.New("invalid webhook event")
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// Provider configuration errors
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrUnknownProvider            = errors.New("unknown billing provider")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL                = errors.New("no portal URL returned from provider")
	ErrMissingCustomerID          = errors.New("provider customer ID is required")
	ErrMissingPriceID             = errors.New("price ID is required")
)
