// Package bridge connects host callbacks to the messaging fabric.
//
// Four roles share one connection manager and one canonical message:
//   - Listener: delivers the events of a topic to a callback
//   - Publisher: posts payloads as events
//   - Provider: registers a service and answers its requests with callbacks
//   - Requester: sends synchronous requests and returns the response
//
// Listener and Provider block the calling goroutine until Stop is called
// from another goroutine or the context ends:
//
//	listener := bridge.NewListener(dialer)
//	go func() {
//	    <-sigCh
//	    listener.Stop()
//	}()
//	summary, err := listener.Start(ctx, "fabric.yaml", "/a/b", callback)
//
// Every operation fails with a *Error whose Kind names the failure.
// Transport errors are logged where they happen and never returned, so
// errors.Is(err, bridge.ErrCommunicationFailure) is the way to test for them.
package bridge
