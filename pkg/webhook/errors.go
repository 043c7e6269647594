package webhook

import "errors"

var (
	ErrMissingSecret    = errors.New("webhook signing secret is required")
	ErrEmptyPayload     = errors.New("webhook payload cannot be empty")
	ErrMalformedHeader  = errors.New("malformed webhook signature header")
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("webhook signature mismatch")
)
