package ratelimiter

import (
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the limiter key from a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// DeniedFunc writes the response for a request over the limit. Rate limit
// headers are already set when it runs.
type DeniedFunc func(w http.ResponseWriter, r *http.Request, res *Result)

// ErrorFunc writes the response when the store fails.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

type middlewareOptions struct {
	denied  DeniedFunc
	onError ErrorFunc
	now     func() time.Time
}

type MiddlewareOption func(*middlewareOptions)

func WithDeniedHandler(fn DeniedFunc) MiddlewareOption {
	return func(o *middlewareOptions) { o.denied = fn }
}

func WithErrorHandler(fn ErrorFunc) MiddlewareOption {
	return func(o *middlewareOptions) { o.onError = fn }
}

// Middleware limits requests per key and reports the bucket state in
// X-RateLimit-* headers.
func Middleware(b *Bucket, keyFunc KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	o := middlewareOptions{
		denied: func(w http.ResponseWriter, _ *http.Request, _ *Result) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		},
		onError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := b.Allow(r.Context(), key)
			if err != nil {
				o.onError(w, r, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				// Round up so clients never retry a moment too early.
				wait := res.RetryAfter(o.now())
				secs := int((wait + time.Second - 1) / time.Second)
				h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
				o.denied(w, r, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
