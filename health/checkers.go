package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Connectable is anything that reports a live connection, such as a
// fabric client or a publisher bridge
type Connectable interface {
	IsConnected() bool
}

// ConnectionChecker reports unhealthy while its target is disconnected
type ConnectionChecker struct {
	name   string
	target Connectable
}

// NewConnectionChecker creates a checker for target
func NewConnectionChecker(name string, target Connectable) *ConnectionChecker {
	return &ConnectionChecker{name: name, target: target}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if c.target.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// BrokerConnection is a connection that knows which broker it reached
type BrokerConnection interface {
	IsConnected() bool
	CurrentURL() string
}

// AMQPChecker checks a RabbitMQ connection and reports the broker in use
type AMQPChecker struct {
	conn BrokerConnection
}

// NewAMQPChecker creates a checker for conn
func NewAMQPChecker(conn BrokerConnection) *AMQPChecker {
	return &AMQPChecker{conn: conn}
}

func (c *AMQPChecker) Name() string {
	return "rabbitmq"
}

func (c *AMQPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connection_open"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed or reconnecting"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Details["broker"] = c.conn.CurrentURL()
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags a runaway goroutine count. Callback goroutines
// that never return pile up here first.
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	status, message, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}
