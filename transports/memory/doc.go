// Package memory implements the fabric client over an in-process broker.
//
// The broker supports every fabric operation without a network: topic
// fan-out for events, round-robin service routing, registration
// acknowledgment and correlated responses. It backs the "memory" transport
// and the bridge tests.
package memory
