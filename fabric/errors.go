package fabric

import "errors"

// Error codes carried by error responses
const (
	// ErrCodeServiceUnavailable is returned when no service is registered for a request topic
	ErrCodeServiceUnavailable = 0x80000001
	// ErrCodeServiceOverloaded is returned when a service cannot accept more requests
	ErrCodeServiceOverloaded = 0x80000002
	// ErrCodeCallbackFailed is returned when the service callback failed to produce a response
	ErrCodeCallbackFailed = 0x80000003
)

var (
	// ErrNotConnected is returned when an operation needs a live connection
	ErrNotConnected = errors.New("fabric: client not connected")
	// ErrTimeout is returned when a registration or request was not answered in time
	ErrTimeout = errors.New("fabric: operation timed out")
	// ErrClosed is returned once the client or its broker has shut down
	ErrClosed = errors.New("fabric: client closed")
	// ErrServiceUnavailable is returned when no service can take a request
	ErrServiceUnavailable = errors.New("fabric: service unavailable")
	// ErrInvalidMessage is returned for messages that cannot be sent or decoded
	ErrInvalidMessage = errors.New("fabric: invalid message")
)
