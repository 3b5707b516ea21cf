// Package interceptors wraps host callbacks with cross-cutting behavior.
//
// An interceptor sees every message before the callback does and may
// observe, alter or short-circuit the invocation. Bridges accept a list of
// interceptors and build a Chain around each registered callback.
//
// Built-in interceptors:
//   - RecoveryInterceptor: turns callback panics into errors
//   - LoggingInterceptor: logs invocations with timing
//   - MetricsInterceptor: counts invocations, durations and failures
//   - ValidationInterceptor: rejects malformed messages
//   - TimeoutInterceptor: bounds how long the chain waits
//   - FilteringInterceptor: skips messages by topic, type or custom filter
//   - RetryInterceptor: re-invokes failing callbacks
//
// Example usage:
//
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(5 * time.Second),
//	)
//	cb := chain.Then(contracts.CallbackFunc(handle))
//
// Interceptors run in the order they were added; the callback runs last.
package interceptors
