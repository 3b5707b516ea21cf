// Package contracts defines the canonical message exchanged between fabric
// callbacks and host code, and the callback contract host code implements.
//
// This package defines:
//   - Message: one event, request, response or error response
//   - MessageType: the fabric's four message kinds
//   - Callback: the single-method contract invoked per inbound message
//
// Messages are passive values. Bridges build a fresh Message for every
// inbound fabric message, so callbacks may retain or mutate what they receive.
package contracts
