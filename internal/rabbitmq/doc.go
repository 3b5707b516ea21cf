// Package rabbitmq holds the AMQP 0-9-1 plumbing behind the RabbitMQ
// fabric transport.
//
// This package includes:
//   - ConnectionManager: connects to one of several brokers and reconnects with backoff
//   - ChannelPool: reuses channels on the current connection
//   - Publisher: confirmed publishes with mandatory-return detection
//   - Consumer: queue subscriptions with per-delivery handler timeouts
//   - TopologyManager: the fabric exchanges plus event, service and reply queues
//
// Events are published to the fabric.events exchange and requests to
// fabric.requests, both routed by exact topic. Every instance of a service
// type consumes from one shared queue, so requests are spread across them.
// Responses go through the default exchange to the requester's reply queue.
package rabbitmq
