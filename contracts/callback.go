package contracts

import "context"

// Callback is the host-side contract invoked for every inbound message.
// For events the returned payload is ignored; for requests it becomes the
// response payload. A non-nil error on a request turns into an error
// response for that request only.
type Callback interface {
	Invoke(ctx context.Context, msg *Message) (string, error)
}

// CallbackFunc adapts an ordinary function to the Callback interface
type CallbackFunc func(ctx context.Context, msg *Message) (string, error)

// Invoke implements Callback
func (f CallbackFunc) Invoke(ctx context.Context, msg *Message) (string, error) {
	return f(ctx, msg)
}

// EventFunc adapts a function that has no response to give. It is the
// natural shape for listener callbacks.
type EventFunc func(ctx context.Context, msg *Message)

// Invoke implements Callback and always returns an empty payload
func (f EventFunc) Invoke(ctx context.Context, msg *Message) (string, error) {
	f(ctx, msg)
	return "", nil
}
