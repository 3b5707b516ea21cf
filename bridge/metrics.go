package bridge

import "time"

// MetricsCollector receives bridge activity. internal/metrics provides the
// Prometheus implementation.
type MetricsCollector interface {
	EventReceived(role string)
	EventPublished(err error)
	RequestHandled(isError bool)
	RequestSent(d time.Duration, err error)
	LoopStarted(role string)
	LoopStopped(role string)
}

type noopMetrics struct{}

func (noopMetrics) EventReceived(string) {}

func (noopMetrics) EventPublished(error) {}

func (noopMetrics) RequestHandled(bool) {}

func (noopMetrics) RequestSent(time.Duration, error) {}

func (noopMetrics) LoopStarted(string) {}

func (noopMetrics) LoopStopped(string) {}
