// Package metrics provides Prometheus metrics for fabric bridges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error_response"
)

// Collector records bridge activity. Labels never carry topics or message
// ids so cardinality stays bounded by role and outcome.
type Collector struct {
	eventsReceived  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	requestsHandled *prometheus.CounterVec
	requestsSent    *prometheus.CounterVec
	requestDuration prometheus.Histogram
	runningLoops    *prometheus.GaugeVec

	callbacks        *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	callbackErrors   *prometheus.CounterVec
}

// NewCollector registers the bridge metrics with reg. A nil registerer
// uses the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_events_received_total",
			Help: "Total number of fabric events delivered to host callbacks, by role.",
		}, []string{"role"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_events_published_total",
			Help: "Total number of events published to the fabric, by outcome.",
		}, []string{"outcome"}),
		requestsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_requests_handled_total",
			Help: "Total number of service requests answered, by outcome.",
		}, []string{"outcome"}),
		requestsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_requests_sent_total",
			Help: "Total number of synchronous requests sent, by outcome.",
		}, []string{"outcome"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabricbridge_request_duration_seconds",
			Help:    "Round-trip latency of synchronous requests.",
			Buckets: prometheus.DefBuckets,
		}),
		runningLoops: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabricbridge_running_loops",
			Help: "Number of listener and provider run loops currently running, by role.",
		}, []string{"role"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_callbacks_total",
			Help: "Total number of host callback invocations, by message type.",
		}, []string{"message_type"}),
		callbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabricbridge_callback_duration_seconds",
			Help:    "Time spent in host callbacks, by message type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"message_type"}),
		callbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fabricbridge_callback_errors_total",
			Help: "Total number of failed host callback invocations, by message type and error type.",
		}, []string{"message_type", "error_type"}),
	}
}

// EventReceived counts one event handed to a host callback
func (c *Collector) EventReceived(role string) {
	c.eventsReceived.WithLabelValues(role).Inc()
}

// EventPublished counts one publish attempt
func (c *Collector) EventPublished(err error) {
	c.eventsPublished.WithLabelValues(outcome(err)).Inc()
}

// RequestHandled counts one answered service request. isError marks
// requests answered with an error response.
func (c *Collector) RequestHandled(isError bool) {
	if isError {
		c.requestsHandled.WithLabelValues(OutcomeError).Inc()
		return
	}
	c.requestsHandled.WithLabelValues(OutcomeSuccess).Inc()
}

// RequestSent records a completed synchronous request
func (c *Collector) RequestSent(d time.Duration, err error) {
	c.requestsSent.WithLabelValues(outcome(err)).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// LoopStarted increments the running loop gauge for role
func (c *Collector) LoopStarted(role string) {
	c.runningLoops.WithLabelValues(role).Inc()
}

// LoopStopped decrements the running loop gauge for role
func (c *Collector) LoopStopped(role string) {
	c.runningLoops.WithLabelValues(role).Dec()
}

// IncrementMessageCount counts one callback invocation
func (c *Collector) IncrementMessageCount(messageType string) {
	c.callbacks.WithLabelValues(messageType).Inc()
}

// RecordProcessingTime observes how long one callback ran
func (c *Collector) RecordProcessingTime(messageType string, d time.Duration) {
	c.callbackDuration.WithLabelValues(messageType).Observe(d.Seconds())
}

// IncrementErrorCount counts one failed callback invocation
func (c *Collector) IncrementErrorCount(messageType, errorType string) {
	c.callbackErrors.WithLabelValues(messageType, errorType).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
