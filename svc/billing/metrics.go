package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the billing Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	WebhookEventsTotal  *prometheus.CounterVec
	CheckoutsTotal      *prometheus.CounterVec
	ProviderCallsTotal  *prometheus.CounterVec
	BreakerStateChanges *prometheus.CounterVec
	BreakerOpen         prometheus.Gauge
}

// NewMetrics creates and registers the billing metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook events by kind and processing outcome",
			},
			[]string{"kind", "outcome"},
		),
		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_checkouts_total",
				Help: "Checkout initiations by plan and result",
			},
			[]string{"plan", "result"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_provider_calls_total",
				Help: "Synchronous payment provider calls by operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		BreakerStateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_provider_breaker_transitions_total",
				Help: "Provider circuit breaker state transitions",
			},
			[]string{"provider", "to"},
		),
		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_provider_breaker_open",
				Help: "1 while the provider circuit breaker is open",
			},
		),
	}

	registry.MustRegister(
		m.WebhookEventsTotal,
		m.CheckoutsTotal,
		m.ProviderCallsTotal,
		m.BreakerStateChanges,
		m.BreakerOpen,
	)

	return m
}

func (m *Metrics) recordWebhook(kind EventKind, outcome Outcome) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = EventUnhandled
	}
	m.WebhookEventsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) recordCheckout(plan, result string) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(plan, result).Inc()
}

func (m *Metrics) recordProviderCall(provider, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(provider, operation, result).Inc()
}

func (m *Metrics) recordBreaker(provider, to string, open bool) {
	if m == nil {
		return
	}
	m.BreakerStateChanges.WithLabelValues(provider, to).Inc()
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
