package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentVerifyTotal counts client-reported payment verifications by outcome.
	PaymentVerifyTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts processed webhook events by type and outcome.
	PaymentWebhookTotal *prometheus.CounterVec
	// RefundRequestTotal counts refund requests by outcome.
	RefundRequestTotal *prometheus.CounterVec
	// LedgerAnomalyTotal counts rejected transitions recorded for review.
	LedgerAnomalyTotal *prometheus.CounterVec
	// GatewayLatency records processor API latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of payment verification outcomes.",
		}, []string{"result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by event and outcome.",
		}, []string{"event", "result"})
		RefundRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_request_total",
			Help:      "Count of refund request outcomes.",
		}, []string{"result"})
		LedgerAnomalyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_anomaly_total",
			Help:      "Count of ledger anomalies recorded for operator review.",
		}, []string{"entity", "source"})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency of payment processor API calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation", "result"})

		PaymentVerifyTotal = register(reg, PaymentVerifyTotal)
		PaymentWebhookTotal = register(reg, PaymentWebhookTotal)
		RefundRequestTotal = register(reg, RefundRequestTotal)
		LedgerAnomalyTotal = register(reg, LedgerAnomalyTotal)
		GatewayLatency = register(reg, GatewayLatency)
	})
}

// CountVerify increments the verification counter when registered.
func CountVerify(result string) {
	if PaymentVerifyTotal != nil {
		PaymentVerifyTotal.WithLabelValues(result).Inc()
	}
}

// CountWebhook increments the webhook counter when registered.
func CountWebhook(event, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(event, result).Inc()
	}
}

// CountRefund increments the refund counter when registered.
func CountRefund(result string) {
	if RefundRequestTotal != nil {
		RefundRequestTotal.WithLabelValues(result).Inc()
	}
}

// CountAnomaly increments the anomaly counter when registered.
func CountAnomaly(entity, source string) {
	if LedgerAnomalyTotal != nil {
		LedgerAnomalyTotal.WithLabelValues(entity, source).Inc()
	}
}

// ObserveGateway records the latency of one processor call.
func ObserveGateway(operation, result string, d time.Duration) {
	if GatewayLatency != nil {
		GatewayLatency.WithLabelValues(operation, result).Observe(DurationMillis(d))
	}
}
