package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deliveryinsight",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of webhook payloads enqueued.",
		},
		[]string{"source"},
	)
	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deliveryinsight",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Queue dispatch outcomes by source and result (completed, retried, dead_lettered).",
		},
		[]string{"source", "result"},
	)
	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deliveryinsight",
			Subsystem: "queue",
			Name:      "drain_duration_seconds",
			Help:      "Wall time of one drain batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)
)

// RegisterMetrics registers the queue collectors plus depth gauges read
// from q on every scrape.
func RegisterMetrics(reg prometheus.Registerer, q *Queue) {
	reg.MustRegister(enqueuedTotal, processedTotal, drainDuration)
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deliveryinsight",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Rows waiting to be drained.",
		}, func() float64 {
			n, err := q.CountPending(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deliveryinsight",
			Subsystem: "queue",
			Name:      "dead_lettered",
			Help:      "Rows that exhausted their retries and await operator replay.",
		}, func() float64 {
			n, err := q.CountDeadLettered(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}),
	)
}
