// Package rabbitmq implements the fabric client over RabbitMQ.
//
// Each client owns two exclusive queues: one bound to the fabric.events
// exchange for every subscribed topic, and one that receives responses to
// its requests. Services consume from a queue shared by all instances of
// their service type. Requests are published as mandatory, so a topic no
// service answers comes back from the broker and is reported to the caller
// as a service-unavailable error response.
//
// The client reconnects on its own. After a reconnect it re-declares its
// queues and consumers; requests in flight during the outage fail.
package rabbitmq
