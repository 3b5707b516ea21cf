package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by errors returned while the circuit rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrUnknownState signals a corrupted breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
	return fmt.Sprintf("circuit breaker %s %s: call rejected", e.Name, e.State)
}

// Is makes errors.Is(err, ErrCircuitOpen) match breaker rejections
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned when a retried operation gave up
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the last error
func (e *RetryError) Unwrap() error {
	return e.LastError
}
