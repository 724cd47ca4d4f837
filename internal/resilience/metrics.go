package resilience

import "github.com/prometheus/client_golang/prometheus"

// Collectors are labelled by breaker target, e.g. "razorpay".
var (
	StateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker state per target: 0 closed, 1 open, 2 half-open.",
	}, []string{"target"})
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Breaker state changes per target.",
	}, []string{"target", "from", "to"})
	TripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Times a breaker opened, per target.",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(StateGauge, TransitionsTotal, TripsTotal)
}

func setStateGauge(target string, s State) {
	StateGauge.WithLabelValues(target).Set(float64(s))
}

func countTransition(target string, from, to State) {
	TransitionsTotal.WithLabelValues(target, from.String(), to.String()).Inc()
	if to == Open {
		TripsTotal.WithLabelValues(target).Inc()
	}
}
