// Package reliability provides retry policies and a circuit breaker.
//
// Retry policies back connection establishment: the fabric client retries
// broker connections with exponential backoff, optionally forever. The
// circuit breaker protects synchronous requests against a fabric that keeps
// failing.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2.0, Unlimited)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
