package observ

import (
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics counts what the payment flows do: transitions, gateway
// round trips, notification outcomes and quarantined payloads.
type PaymentMetrics struct {
	transitions   *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	gatewayTook   *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	quarantined   *prometheus.CounterVec
}

func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	f := promauto.With(reg)
	return &PaymentMetrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_order_transitions_total",
			Help: "Persisted order status transitions",
		}, []string{"from", "to"}),
		gatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_gateway_requests_total",
			Help: "Gateway calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		gatewayTook: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_ms",
			Help:    "Gateway call latency in ms",
			Buckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		}, []string{"operation"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_notifications_total",
			Help: "Gateway notifications by outcome",
		}, []string{"outcome"}),
		quarantined: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_quarantined_total",
			Help: "Payloads parked for manual reconciliation",
		}, []string{"kind"}),
	}
}

func (m *PaymentMetrics) Transition(from, to domain.Status) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *PaymentMetrics) Quarantined(kind string) {
	m.quarantined.WithLabelValues(kind).Inc()
}

func (m *PaymentMetrics) Notification(outcome string) {
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *PaymentMetrics) GatewayCall(op, outcome string, took time.Duration) {
	m.gatewayCalls.WithLabelValues(op, outcome).Inc()
	m.gatewayTook.WithLabelValues(op).Observe(float64(took.Milliseconds()))
}

var _ usecase.Metrics = (*PaymentMetrics)(nil)
