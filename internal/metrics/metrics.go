package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gyaneshwarpardhi/postback/internal/event"
)

var (
	PostbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postback_received_total",
		Help: "Total number of classified postbacks, labelled by event kind.",
	}, []string{"kind"})

	PostbacksFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postback_filtered_total",
		Help: "Total number of postbacks rejected by inbound filters, labelled by reason.",
	}, []string{"reason"})

	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postback_reconcile_skipped_total",
		Help: "Total number of audited postbacks without a trader id.",
	})

	ReconcileConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postback_reconcile_conflicts_total",
		Help: "Total number of status compare-and-swap conflicts.",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postback_store_errors_total",
		Help: "Total number of failed store operations, labelled by operation.",
	}, []string{"op"})

	ForwardResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postback_forward_total",
		Help: "Total number of outcomes forwarded downstream, labelled by status.",
	}, []string{"status"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "postback_processing_duration_ms",
		Help:    "End-to-end postback processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	ForwardQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "postback_forward_queue_utilization_ratio",
		Help: "Current forwarding queue utilization (0-1).",
	})
)

// Every kind is exported from startup, so rates of rare kinds start at zero.
func init() {
	for _, k := range event.Kinds {
		PostbacksReceived.WithLabelValues(string(k))
	}
}
