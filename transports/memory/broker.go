package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

// Broker is an in-process fabric. Events fan out to every subscriber of a
// topic; requests go to one registered service instance per topic in
// round-robin order.
type Broker struct {
	id     string
	logger zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	clients  map[*Client]struct{}
	subs     map[string]map[*Client]struct{} // topic -> subscribers
	services map[string][]registration       // topic -> service instances
	next     map[string]int
	replies  map[string]*Client // reply topic -> requester
}

type registration struct {
	client *Client
	info   *fabric.ServiceInfo
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithBrokerID sets the id the broker stamps on routed messages
func WithBrokerID(id string) BrokerOption {
	return func(b *Broker) {
		b.id = id
	}
}

// WithLogger sets the broker logger
func WithLogger(logger zerolog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty in-process broker
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		id:       "memory-" + uuid.NewString()[:8],
		logger:   log.WithComponent("memory-broker"),
		clients:  make(map[*Client]struct{}),
		subs:     make(map[string]map[*Client]struct{}),
		services: make(map[string][]registration),
		next:     make(map[string]int),
		replies:  make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var (
	defaultOnce   sync.Once
	defaultBroker *Broker
)

// DefaultBroker returns the process-wide broker used when a configuration
// selects the memory transport
func DefaultBroker() *Broker {
	defaultOnce.Do(func() {
		defaultBroker = NewBroker(WithBrokerID("memory-default"))
	})
	return defaultBroker
}

// ID returns the broker id
func (b *Broker) ID() string {
	return b.id
}

// Shutdown drops every connected client and refuses new connections.
// Pending requests fail with fabric.ErrClosed.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*Client]struct{})
	b.subs = make(map[string]map[*Client]struct{})
	b.services = make(map[string][]registration)
	b.replies = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.dropped()
	}
	b.logger.Info().Int("clients", len(clients)).Msg("Broker shut down")
}

// ServiceCount returns the number of service instances answering topic
func (b *Broker) ServiceCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.services[topic])
}

// SubscriberCount returns the number of clients subscribed to topic
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker) attach(c *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fabric.ErrClosed
	}
	b.clients[c] = struct{}{}
	b.replies[c.replyTopic] = c
	return nil
}

func (b *Broker) detach(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.clients, c)
	if b.replies[c.replyTopic] == c {
		delete(b.replies, c.replyTopic)
	}
	for topic, subs := range b.subs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
	for topic, regs := range b.services {
		kept := regs[:0]
		for _, r := range regs {
			if r.client != c {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(b.services, topic)
			delete(b.next, topic)
			continue
		}
		b.services[topic] = kept
	}
}

func (b *Broker) subscribe(topic string, c *Client) {
	b.logger.Debug().Str(log.FieldTopic, topic).Str(log.FieldClientID, c.id).Msg("Subscribing")
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Client]struct{})
	}
	b.subs[topic][c] = struct{}{}
}

// publish fans ev out to the subscribers of its topic. Delivery happens
// outside the broker lock since a full dispatch queue blocks it.
func (b *Broker) publish(ev *fabric.Message) {
	b.mu.RLock()
	ev.Stamp(b.id, "")
	subs := make([]*Client, 0, len(b.subs[ev.DestinationTopic]))
	for c := range b.subs[ev.DestinationTopic] {
		subs = append(subs, c)
	}
	b.mu.RUnlock()

	for _, c := range subs {
		c.deliverEvent(ev.Clone())
	}
	b.logger.Debug().
		Str(log.FieldTopic, ev.DestinationTopic).
		Str(log.FieldMessageID, ev.MessageID).
		Int("subscribers", len(subs)).
		Msg("Event published")
}

func (b *Broker) register(c *Client, info *fabric.ServiceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range info.Topics() {
		regs := b.services[topic]
		replaced := false
		for i, r := range regs {
			if r.info.ServiceID == info.ServiceID {
				regs[i] = registration{client: c, info: info}
				replaced = true
			}
		}
		if !replaced {
			regs = append(regs, registration{client: c, info: info})
		}
		b.services[topic] = regs
	}
	b.logger.Debug().
		Str(log.FieldService, info.ServiceType).
		Str(log.FieldServiceID, info.ServiceID).
		Strs(log.FieldTopics, info.Topics()).
		Msg("Service registered")
}

func (b *Broker) unregister(info *fabric.ServiceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, regs := range b.services {
		kept := regs[:0]
		for _, r := range regs {
			if r.info.ServiceID != info.ServiceID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(b.services, topic)
			delete(b.next, topic)
			continue
		}
		b.services[topic] = kept
	}
}

// route hands req to the next service instance for its topic, or answers
// with a service-unavailable error when none is registered
func (b *Broker) route(req *fabric.Message) {
	b.mu.Lock()
	req.Stamp(b.id, "")
	regs := b.services[req.DestinationTopic]
	if len(regs) == 0 {
		b.mu.Unlock()
		b.logger.Debug().Str(log.FieldTopic, req.DestinationTopic).Msg("No service for request")
		resp := fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "unable to locate service for request")
		b.reply(resp)
		return
	}
	idx := b.next[req.DestinationTopic] % len(regs)
	b.next[req.DestinationTopic] = idx + 1
	target := regs[idx]
	b.mu.Unlock()

	req.ServiceID = target.info.ServiceID
	handler, ok := target.info.Handler(req.DestinationTopic)
	if !ok {
		resp := fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "service has no handler for topic")
		b.reply(resp)
		return
	}
	target.client.deliverRequest(handler, req)
}

func (b *Broker) reply(resp *fabric.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	resp.Stamp(b.id, "")
	c, ok := b.replies[resp.DestinationTopic]
	if !ok {
		b.logger.Debug().Str(log.FieldMessageID, resp.RequestMessageID).Msg("Dropping response without requester")
		return
	}
	c.deliverResponse(resp)
}

func (b *Broker) dispatchContext() context.Context {
	return b.logger.WithContext(context.Background())
}
