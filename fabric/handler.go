package fabric

import "context"

// EventHandler receives events for a subscribed topic
type EventHandler interface {
	OnEvent(ctx context.Context, event *Message)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event *Message)

// OnEvent implements EventHandler
func (f EventHandlerFunc) OnEvent(ctx context.Context, event *Message) {
	f(ctx, event)
}

// RequestHandler receives requests for a registered service topic. The
// handler answers through Client.SendResponse.
type RequestHandler interface {
	OnRequest(ctx context.Context, request *Message)
}

// RequestHandlerFunc adapts a function to RequestHandler
type RequestHandlerFunc func(ctx context.Context, request *Message)

// OnRequest implements RequestHandler
func (f RequestHandlerFunc) OnRequest(ctx context.Context, request *Message) {
	f(ctx, request)
}
