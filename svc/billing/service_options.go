package billing

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With(slog.String("component", "billing"))
		}
	}
}

// WithPendingCheckouts replaces the in-memory pending checkout tracker,
// typically with a shared one when running several instances.
func WithPendingCheckouts(p PendingCheckouts) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.pending = p
		}
	}
}

// WithPendingTTL sets how long a pending checkout is reused and reported.
func WithPendingTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.checkout = ttl
		}
	}
}

// WithArchive stores every verified webhook payload before it is processed.
func WithArchive(a EventArchive) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.archive = a
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithURLs sets the redirect targets.
func WithURLs(urls URLs) ServiceOption {
	return func(s *Service) {
		s.urls = urls
	}
}

// WithClock overrides the wall clock, used for free subscriptions and pending markers.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
