package fabric

import (
	"context"
	"time"
)

// DefaultRequestTimeout is used by SyncRequest when no timeout is given
const DefaultRequestTimeout = time.Hour

// Incoming dispatch defaults. One worker runs callbacks in arrival order.
const (
	DefaultIncomingPoolSize  = 1
	DefaultIncomingQueueSize = 1000
)

// Client is a connection to the messaging fabric. Implementations are safe
// for concurrent use and run handlers on a bounded set of dispatch workers.
type Client interface {
	// Connect establishes the connection to the fabric
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Calling it on a closed client is a no-op.
	Disconnect(ctx context.Context) error
	// IsConnected reports the live state of the connection
	IsConnected() bool
	// ClientID returns the identity stamped on outgoing messages
	ClientID() string

	// AddEventHandler subscribes handler to events published on topic
	AddEventHandler(ctx context.Context, topic string, handler EventHandler) error
	// RegisterService advertises the service and waits up to timeout for the
	// fabric to acknowledge it. Timing out yields ErrTimeout.
	RegisterService(ctx context.Context, info *ServiceInfo, timeout time.Duration) error
	// UnregisterService withdraws a registration
	UnregisterService(ctx context.Context, info *ServiceInfo) error

	// SendEvent publishes an event without waiting for delivery
	SendEvent(ctx context.Context, event *Message) error
	// SendResponse routes a response back to the requester
	SendResponse(ctx context.Context, response *Message) error
	// SyncRequest sends request and blocks until the correlated response
	// arrives. A zero timeout means DefaultRequestTimeout.
	SyncRequest(ctx context.Context, request *Message, timeout time.Duration) (*Message, error)
}

// Dialer creates an unconnected client from an opaque configuration source
type Dialer interface {
	Dial(ctx context.Context, source string) (Client, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, source string) (Client, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, source string) (Client, error) {
	return f(ctx, source)
}

// EffectiveTimeout resolves a zero timeout to DefaultRequestTimeout
func EffectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultRequestTimeout
	}
	return timeout
}
