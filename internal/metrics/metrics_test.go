package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.EventReceived("listener")
	c.EventReceived("listener")
	c.EventPublished(nil)
	c.EventPublished(errors.New("boom"))
	c.RequestHandled(false)
	c.RequestHandled(true)
	c.RequestSent(25*time.Millisecond, nil)
	c.LoopStarted("provider")
	c.LoopStarted("provider")
	c.LoopStopped("provider")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsReceived.WithLabelValues("listener")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues(OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsHandled.WithLabelValues(OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsSent.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runningLoops.WithLabelValues("provider")))

	count, err := testutil.GatherAndCount(reg, "fabricbridge_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollectorCallbacks(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IncrementMessageCount("request")
	c.IncrementMessageCount("request")
	c.RecordProcessingTime("request", 3*time.Millisecond)
	c.IncrementErrorCount("request", "panic")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.callbacks.WithLabelValues("request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callbackErrors.WithLabelValues("request", "panic")))

	count, err := testutil.GatherAndCount(reg, "fabricbridge_callback_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollectorSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
