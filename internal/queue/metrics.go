package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Outcomes recorded per task delivery.
const (
	outcomeOK       = "ok"
	outcomeRetry    = "retry"
	outcomeDead     = "dlq"
	outcomeReplayed = "replayed"
)

var (
	readyTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "queue",
		Name:      "ready_tasks",
		Help:      "Tasks waiting in the ready set, by kind.",
	}, []string{"kind"})
	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "queue",
		Name:      "task_outcomes_total",
		Help:      "Task deliveries by kind and outcome (ok, retry, dlq, replayed).",
	}, []string{"kind", "outcome"})
	deadLetters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "queue",
		Name:      "dead_letters",
		Help:      "Dead-lettered tasks awaiting operator replay, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(readyTasks, taskOutcomes, deadLetters)
}

func recordOutcome(kind, outcome string) {
	taskOutcomes.WithLabelValues(queueLabel(kind), outcome).Inc()
}

// refreshReady copies the ready-set cardinality into the gauge. Failures
// leave the last value in place.
func refreshReady(ctx context.Context, r *redis.Client, prefix, kind string) {
	if r == nil {
		return
	}
	if n, err := r.ZCard(ctx, queueKey(prefix, kind)).Result(); err == nil {
		readyTasks.WithLabelValues(queueLabel(kind)).Set(float64(n))
	}
}

func refreshDeadLetters(ctx context.Context, store Store, kind string) {
	if store == nil {
		return
	}
	if n, err := store.CountQueueDlq(ctx, kind); err == nil {
		deadLetters.WithLabelValues(queueLabel(kind)).Set(float64(n))
	}
}

// seedDeadLetters loads the per-kind dead-letter counts so the gauge is
// right after a restart, before any task fails.
func seedDeadLetters(ctx context.Context, store Store) {
	if store == nil {
		return
	}
	sizes, err := store.QueueDlqSizeByKind(ctx)
	if err != nil {
		return
	}
	for kind, n := range sizes {
		deadLetters.WithLabelValues(queueLabel(kind)).Set(float64(n))
	}
}
