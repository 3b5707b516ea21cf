package interceptors

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/contracts"
)

// Interceptor wraps the invocation of a host callback
type Interceptor interface {
	// Intercept processes a message and calls the next callback in the chain
	Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first interceptor added is
// the outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain from the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then wraps final so that every invocation runs through the chain
func (c *Chain) Then(final contracts.Callback) contracts.Callback {
	if c == nil || len(c.interceptors) == 0 {
		return final
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// Execute runs msg through the chain into final
func (c *Chain) Execute(ctx context.Context, msg *contracts.Message, final contracts.Callback) (string, error) {
	return c.Then(final).Invoke(ctx, msg)
}

// PanicError is returned by RecoveryInterceptor when a callback panics
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

// RecoveryInterceptor turns a panicking callback into an error
type RecoveryInterceptor struct {
	logger zerolog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger zerolog.Logger) *RecoveryInterceptor {
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			i.logger.Error().
				Str("message_id", msg.MessageID).
				Str("topic", msg.Topic).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("Callback panicked")
			payload = ""
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return next.Invoke(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// LoggingInterceptor logs callback invocations
type LoggingInterceptor struct {
	logger zerolog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger zerolog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	start := time.Now()

	i.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("message_type", msg.Type.String()).
		Str("topic", msg.Topic).
		Msg("Invoking callback")

	payload, err := next.Invoke(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error().
			Err(err).
			Str("message_id", msg.MessageID).
			Str("topic", msg.Topic).
			Dur("duration", duration).
			Msg("Callback failed")
		return payload, err
	}

	i.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("topic", msg.Topic).
		Dur("duration", duration).
		Int("response_bytes", len(payload)).
		Msg("Callback completed")
	return payload, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-invocation measurements
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// MetricsInterceptor collects metrics about callback invocations
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	start := time.Now()
	messageType := msg.Type.String()

	i.collector.IncrementMessageCount(messageType)
	payload, err := next.Invoke(ctx, msg)
	i.collector.RecordProcessingTime(messageType, time.Since(start))

	if err != nil {
		errorType := "callback_error"
		if _, ok := err.(*PanicError); ok {
			errorType = "panic"
		}
		i.collector.IncrementErrorCount(messageType, errorType)
	}
	return payload, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// ValidationInterceptor rejects structurally invalid messages before they
// reach the callback
type ValidationInterceptor struct{}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor() *ValidationInterceptor {
	return &ValidationInterceptor{}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("message validation failed: %w", err)
	}
	return next.Invoke(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds how long the chain waits for a callback. The
// callback keeps running after the timeout; it only sees a cancelled context.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type callbackResult struct {
	payload string
	err     error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan callbackResult, 1)
	go func() {
		payload, err := next.Invoke(timeoutCtx, msg)
		done <- callbackResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-timeoutCtx.Done():
		return "", fmt.Errorf("callback timeout after %v for message %s", i.timeout, msg.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
