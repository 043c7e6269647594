package billing

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/splitkit/handler"
	"github.com/dmitrymomot/splitkit/pkg/binder"
	svc "github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

// retryAfterSeconds is sent with 503 responses while the provider is unavailable.
const retryAfterSeconds = "30"

var (
	errBadRequest  = errors.New("malformed request")
	errRateLimited = errors.New("too many requests")
)

// ErrorDetail is the body of every error response, under the "error" key.
type ErrorDetail = handler.ErrorDetail

// classify maps domain errors to a status and a stable error code.
func classify(err error) handler.ErrorInfo {
	info := func(status int, code, message string) handler.ErrorInfo {
		return handler.ErrorInfo{StatusCode: status, Code: code, Message: message}
	}
	var tooLarge *http.MaxBytesError

	switch {
	case errors.Is(err, svc.ErrUnauthenticated):
		return info(http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, svc.ErrSignatureInvalid):
		return info(http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	case errors.Is(err, svc.ErrPlanNotFound), errors.Is(err, plans.ErrInvalidPlanType):
		return info(http.StatusBadRequest, "invalid_plan", "unknown plan")
	case errors.Is(err, svc.ErrPlanNotPurchasable):
		return info(http.StatusBadRequest, "plan_not_purchasable", "plan cannot be purchased")
	case errors.Is(err, svc.ErrMissingCustomerEmail):
		return info(http.StatusBadRequest, "email_required", "an email address is required for paid plans")
	case errors.As(err, &tooLarge):
		return info(http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
	case errors.Is(err, binder.ErrMissingContentType), errors.Is(err, binder.ErrUnsupportedMediaType):
		return info(http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
	case errors.Is(err, errBadRequest), errors.Is(err, binder.ErrFailedToParseJSON), errors.Is(err, binder.ErrFailedToParseQuery):
		return info(http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, svc.ErrNoBillingAccount):
		return info(http.StatusNotFound, "no_billing_account", "no billing account for this user")
	case errors.Is(err, svc.ErrAlreadySubscribed):
		return info(http.StatusConflict, "already_subscribed", "an active subscription already exists")
	case errors.Is(err, errRateLimited):
		return info(http.StatusTooManyRequests, "rate_limited", "too many requests, retry later")
	case errors.Is(err, svc.ErrProviderUnavailable):
		i := info(http.StatusServiceUnavailable, "provider_unavailable", "billing provider is unavailable, retry later")
		i.RetryAfter = retryAfterSeconds
		return i
	default:
		return info(http.StatusInternalServerError, "internal", "an error occurred processing your request")
	}
}

// writeError serves middleware that runs outside handler.Wrap.
func (m *Module) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m.onError(handler.NewContext(w, r), err)
}

// wrap adapts a typed handler to the module's binders and error rendering.
func wrap[R any](m *Module, h handler.HandlerFunc[handler.Context, R], binders ...handler.Bind) http.HandlerFunc {
	return handler.Wrap(h,
		handler.WithBinders[handler.Context, R](binders...),
		handler.WithErrorHandler[handler.Context, R](m.onError),
	)
}
