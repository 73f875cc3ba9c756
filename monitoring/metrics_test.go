package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMonitor_TrackRoute(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(routeOutcomes.WithLabelValues("admitted", ""))

	m.TrackRoute("admitted", "", 3)
	m.TrackRoute("admitted", "", 2)

	assert.Equal(t, before+2, testutil.ToFloat64(routeOutcomes.WithLabelValues("admitted", "")))
}

func TestMonitor_TrackAdmission(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(admissionOperations.WithLabelValues("e-metrics", "appended"))

	m.TrackAdmission("e-metrics", "appended")

	assert.Equal(t, before+1, testutil.ToFloat64(admissionOperations.WithLabelValues("e-metrics", "appended")))
}

func TestMonitor_QueueLifecycle(t *testing.T) {
	m := NewMonitor()

	m.TrackQueueOpened("e-life")
	m.TrackQueueFulfilled("e-life")
	m.TrackQueueFulfilled("e-life")

	assert.Equal(t, 1.0, testutil.ToFloat64(queuesOpened.WithLabelValues("e-life")))
	assert.Equal(t, 2.0, testutil.ToFloat64(queuesFulfilled.WithLabelValues("e-life")))
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor

	assert.NotPanics(t, func() {
		m.TrackRoute("rejected", "no_children", 1)
		m.TrackAdmission("e1", "full")
		m.TrackQueueOpened("e1")
		m.TrackQueueFulfilled("e1")
		m.TrackSelection("direct", time.Microsecond)
		m.TrackStorageError("get_category", "timeout")
	})
}

func TestMonitor_TrackStorageError(t *testing.T) {
	m := NewMonitor()

	m.TrackStorageError("open_queue", "timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(storageErrors.WithLabelValues("open_queue", "timeout")))
}
