package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workoutnotify"

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "channel_dispatches_total",
			Help:      "Channel dispatch attempts by outcome",
		},
		[]string{"channel", "status"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Individual deliveries reported by channels",
		},
		[]string{"channel", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "channel_duration_seconds",
			Help:      "Time a channel spends delivering one dispatch",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	audienceSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "audience_size",
			Help:      "Number of recipients resolved per dispatch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	duplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "duplicates_suppressed_total",
			Help:      "Dispatches skipped because their idempotency key was already used",
		},
	)

	subscriptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "subscription_operations_total",
			Help:      "Subscribe and unsubscribe operations by result",
		},
		[]string{"channel", "operation", "result"},
	)
)

// recordDispatch records the outcome of one channel dispatch.
func recordDispatch(channel string, success bool, sent, failed int, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	dispatchesTotal.WithLabelValues(channel, status).Inc()
	deliveriesTotal.WithLabelValues(channel, "sent").Add(float64(sent))
	deliveriesTotal.WithLabelValues(channel, "failed").Add(float64(failed))
	dispatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// recordAudienceSize records the number of resolved recipients.
func recordAudienceSize(n int) {
	audienceSize.Observe(float64(n))
}

func recordDuplicate() {
	duplicatesTotal.Inc()
}

// recordSubscriptionOp records a subscribe or unsubscribe attempt.
func recordSubscriptionOp(channel, operation, result string) {
	subscriptionOps.WithLabelValues(channel, operation, result).Inc()
}
