package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trailoutbox"

var (
	pendingActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_actions",
			Help:      "Number of actions waiting to sync",
		},
	)

	actionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total actions enqueued by result",
		},
		[]string{"type", "result"},
	)

	actionsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "replayed_total",
			Help:      "Total replay attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	replayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "replay_duration_seconds",
			Help:      "Time to replay one action",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	syncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "sync_passes_total",
			Help:      "Total sync passes by result",
		},
		[]string{"result"},
	)
)

func recordEnqueued(actionType, result string) {
	actionsEnqueued.WithLabelValues(actionType, result).Inc()
}

func recordReplay(actionType, outcome string) {
	actionsReplayed.WithLabelValues(actionType, outcome).Inc()
}

func recordReplayDuration(actionType string, d time.Duration) {
	replayDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

func recordSyncPass(result string) {
	syncPasses.WithLabelValues(result).Inc()
}

// RecordPending updates the pending actions gauge.
func RecordPending(count int) {
	pendingActions.Set(float64(count))
}
