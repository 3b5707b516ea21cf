// Package redis implements the fabric client over Redis pub/sub.
//
// Events travel on fabric:event:<topic>, requests on
// fabric:request:<topic> and responses on fabric:response:<reply topic>.
// A service registration is acknowledged once Redis confirms the
// subscription to every request channel, and is recorded under
// fabric:service:<service id> with the service TTL, refreshed at the
// keep-alive interval.
//
// Pub/sub delivers a request to every subscribed instance. Instances
// claim a request with SETNX before answering, so exactly one responds.
// A request published to zero receivers is answered locally with a
// service-unavailable error response.
package redis
