// Package fabric defines the client boundary of the publish/subscribe and
// request/response messaging fabric.
//
// The package provides:
//   - Message: the fabric-native event, request and response shape
//   - Client: connect, subscribe, register services, send and request
//   - ServiceInfo: a named registration binding topics to request handlers
//   - Encode/Decode: the JSON envelope used by network transports
//
// Concrete clients live under transports/. Bridges depend only on this
// package, never on a transport.
package fabric
