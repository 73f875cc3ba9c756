package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_outcomes_total",
			Help: "Routing operations by terminal state and reason",
		},
		[]string{"state", "reason"},
	)

	routeDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "route_path_depth",
			Help:    "Number of categories visited per routing operation",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	admissionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_operations_total",
			Help: "Queue admissions by event and outcome",
		},
		[]string{"event_id", "outcome"},
	)

	queuesFulfilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queues_fulfilled_total",
			Help: "Queues that reached their maximum membership",
		},
		[]string{"event_id"},
	)

	queuesOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queues_opened_total",
			Help: "Queues created on demand by admission",
		},
		[]string{"event_id"},
	)

	selectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weighted_selection_duration_seconds",
			Help:    "Duration of weighted selections",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		},
		[]string{"mode"},
	)

	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_errors_total",
			Help: "Storage calls that failed, by operation and kind",
		},
		[]string{"operation", "kind"},
	)
)

// Monitor records engine metrics. A nil *Monitor is valid and records nothing,
// which is what services use when metrics are disabled.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackRoute(state, reason string, depth int) {
	if m == nil {
		return
	}
	routeOutcomes.WithLabelValues(state, reason).Inc()
	routeDepth.Observe(float64(depth))
}

func (m *Monitor) TrackAdmission(eventID, outcome string) {
	if m == nil {
		return
	}
	admissionOperations.WithLabelValues(eventID, outcome).Inc()
}

func (m *Monitor) TrackQueueOpened(eventID string) {
	if m == nil {
		return
	}
	queuesOpened.WithLabelValues(eventID).Inc()
}

func (m *Monitor) TrackQueueFulfilled(eventID string) {
	if m == nil {
		return
	}
	queuesFulfilled.WithLabelValues(eventID).Inc()
}

func (m *Monitor) TrackSelection(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	selectionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Monitor) TrackStorageError(operation, kind string) {
	if m == nil {
		return
	}
	storageErrors.WithLabelValues(operation, kind).Inc()
}
