package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/dispatch"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/pending"
	"github.com/glimte/fabricbridge/internal/rabbitmq"
)

const contentType = "application/json"

// Broker is one RabbitMQ node of the fabric
type Broker struct {
	ID  string
	URL string
}

// topology declares the fabric queues and bindings
type topology interface {
	DeclareTopology(ctx context.Context, t rabbitmq.Topology) error
	DeclareEventQueue(ctx context.Context, clientID string) (string, error)
	DeclareReplyQueue(ctx context.Context, clientID string) (string, error)
	DeclareServiceQueue(ctx context.Context, serviceType string, topics []string) (string, error)
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// consumer runs the handlers of consumed queues
type consumer interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) (string, error)
	Unsubscribe(tag string) error
	Close() error
}

// Client is a fabric.Client over RabbitMQ. Handlers run on the client's
// dispatch workers, off the consumer goroutines, so a handler may itself
// send requests.
type Client struct {
	brokers        []Broker
	id             string
	requestTimeout time.Duration
	workers        int
	queueSize      int
	connOpts       []rabbitmq.ConnectionOption
	logger         zerolog.Logger

	mu         sync.Mutex
	connected  bool
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   consumer
	topology   topology
	dispatcher *dispatch.Pool
	eventQueue string
	replyQueue string
	lifetime   context.Context
	cancel     context.CancelFunc
	handlers   map[string][]fabric.EventHandler
	services   map[string]*service
	pending    *pending.Table
}

type service struct {
	info *fabric.ServiceInfo
	tag  string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientID sets the client id
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.id = id
	}
}

// WithRequestTimeout sets the timeout used by SyncRequest calls that pass zero
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithIncomingLimits sets the number of callback workers and the number of
// messages that may wait for one
func WithIncomingLimits(workers, queueSize int) ClientOption {
	return func(c *Client) {
		c.workers = workers
		c.queueSize = queueSize
	}
}

// WithConnectionOptions passes options to the underlying connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an unconnected client for the given brokers
func NewClient(brokers []Broker, opts ...ClientOption) *Client {
	c := &Client{
		brokers:        append([]Broker(nil), brokers...),
		id:             uuid.NewString(),
		requestTimeout: fabric.DefaultRequestTimeout,
		workers:        fabric.DefaultIncomingPoolSize,
		queueSize:      fabric.DefaultIncomingQueueSize,
		logger:         log.WithComponent("rabbitmq-client"),
		handlers:       make(map[string][]fabric.EventHandler),
		services:       make(map[string]*service),
		pending:        pending.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str(log.FieldClientID, c.id).Str(log.FieldTransport, "amqp").Logger()
	c.lifetime = c.logger.WithContext(context.Background())
	return c
}

var _ fabric.Client = (*Client)(nil)

// ClientID implements fabric.Client
func (c *Client) ClientID() string {
	return c.id
}

// Connect dials a broker, declares the fabric topology and restores
// subscriptions and service registrations
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	err := c.connect(ctx)
	c.mu.Unlock()
	return err
}

// connect does the work of Connect; mu must be held
func (c *Client) connect(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("failed to connect: %w", rabbitmq.ErrNoURLs)
	}

	urls := make([]string, len(c.brokers))
	for i, b := range c.brokers {
		urls[i] = b.URL
	}
	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithConnectionName("fabricbridge-" + c.id),
		rabbitmq.WithLogger(c.logger),
	}, c.connOpts...)
	manager := rabbitmq.NewConnectionManager(urls, opts...)
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithPoolLogger(c.logger))
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	c.manager = manager
	c.pool = pool
	c.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(c.logger))
	c.consumer = rabbitmq.NewConsumer(pool, rabbitmq.WithConsumerLogger(c.logger))
	c.topology = rabbitmq.NewTopologyManager(pool)
	c.dispatcher = dispatch.New(c.workers, c.queueSize, c.logger)
	c.lifetime, c.cancel = context.WithCancel(c.logger.WithContext(context.Background()))

	if err := c.setup(ctx); err != nil {
		go c.detach()()
		return err
	}

	c.connected = true
	manager.AddStateListener(c)
	c.logger.Info().Str(log.FieldBrokerID, c.resolveBrokerID(manager.CurrentURL())).Msg("Client connected")
	return nil
}

// setup declares the client's queues and consumers; mu must be held
func (c *Client) setup(ctx context.Context) error {
	if err := c.topology.DeclareTopology(ctx, rabbitmq.FabricTopology()); err != nil {
		return fmt.Errorf("failed to declare fabric topology: %w", err)
	}

	replyQueue, err := c.topology.DeclareReplyQueue(ctx, c.id)
	if err != nil {
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	if _, err := c.consumer.Subscribe(c.lifetime, replyQueue, c.handleReply); err != nil {
		return fmt.Errorf("failed to consume replies: %w", err)
	}
	c.replyQueue = replyQueue

	eventQueue, err := c.topology.DeclareEventQueue(ctx, c.id)
	if err != nil {
		return fmt.Errorf("failed to declare event queue: %w", err)
	}
	for topic := range c.handlers {
		if err := c.bindEvent(ctx, eventQueue, topic); err != nil {
			return err
		}
	}
	if _, err := c.consumer.Subscribe(c.lifetime, eventQueue, c.handleEvent); err != nil {
		return fmt.Errorf("failed to consume events: %w", err)
	}
	c.eventQueue = eventQueue

	for _, svc := range c.services {
		tag, err := c.startService(ctx, c.lifetime, c.topology, c.consumer, svc.info)
		if err != nil {
			return err
		}
		svc.tag = tag
	}
	return nil
}

func (c *Client) bindEvent(ctx context.Context, queue, topic string) error {
	err := c.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   rabbitmq.EventsExchange,
		RoutingKey: topic,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// startService binds and consumes the queue of info. It touches no client
// state, so callers may run it without mu.
func (c *Client) startService(ctx, lifetime context.Context, topo topology, cons consumer, info *fabric.ServiceInfo) (string, error) {
	queue, err := topo.DeclareServiceQueue(ctx, info.ServiceType, info.Topics())
	if err != nil {
		return "", fmt.Errorf("failed to declare service queue: %w", err)
	}
	tag, err := cons.Subscribe(lifetime, queue, c.requestHandler(info))
	if err != nil {
		return "", fmt.Errorf("failed to consume requests for %s: %w", info.ServiceType, err)
	}
	return tag, nil
}

// detach takes the AMQP resources off the client; mu must be held. The
// returned func closes them and must run without mu, since stopping a
// consumer waits for its in-flight handler.
func (c *Client) detach() func() {
	cancel, cons, publisher, pool, manager := c.cancel, c.consumer, c.publisher, c.pool, c.manager
	c.manager, c.pool, c.publisher, c.consumer, c.topology = nil, nil, nil, nil, nil
	c.eventQueue, c.replyQueue = "", ""
	if c.dispatcher != nil {
		c.dispatcher.Close()
		c.dispatcher = nil
	}

	return func() {
		if cancel != nil {
			cancel()
		}
		if cons != nil {
			_ = cons.Close()
		}
		if publisher != nil {
			_ = publisher.Close()
		}
		if pool != nil {
			_ = pool.Close()
		}
		if manager != nil {
			manager.RemoveStateListener(c)
			_ = manager.Close()
		}
	}
}

// Disconnect closes the connection. Pending requests fail.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	release := c.detach()
	c.mu.Unlock()

	release()
	c.pending.FailAll()
	c.logger.Debug().Msg("Client disconnected")
	return nil
}

// IsConnected reports whether the client holds a live broker connection
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.manager != nil && c.manager.IsConnected()
}

// CurrentURL returns the redacted url of the broker in use
func (c *Client) CurrentURL() string {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	if manager == nil {
		return ""
	}
	return manager.CurrentURL()
}

// OnConnected restores queues and consumers after a reconnect. Exclusive
// queues die with the connection that declared them.
func (c *Client) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}

	ctx, cancel := context.WithTimeout(c.lifetime, 30*time.Second)
	defer cancel()
	if err := c.setup(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to restore subscriptions after reconnect")
		return
	}
	c.logger.Info().Str(log.FieldBrokerID, c.resolveBrokerID(c.manager.CurrentURL())).Msg("Subscriptions restored")
}

// OnDisconnected fails in-flight requests; their reply queue is gone
func (c *Client) OnDisconnected(err error) {
	c.logger.Warn().Err(err).Msg("Lost connection to broker")
	c.pending.FailAll()
}

// OnReconnecting logs reconnect attempts
func (c *Client) OnReconnecting(attempt int) {
	c.logger.Debug().Int("attempt", attempt).Msg("Reconnecting")
}

// AddEventHandler implements fabric.Client. Handlers added before Connect
// are subscribed when the client connects.
func (c *Client) AddEventHandler(ctx context.Context, topic string, handler fabric.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil event handler", fabric.ErrInvalidMessage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	first := len(c.handlers[topic]) == 0
	c.handlers[topic] = append(c.handlers[topic], handler)
	if !c.connected || !first {
		return nil
	}
	if err := c.bindEvent(ctx, c.eventQueue, topic); err != nil {
		c.handlers[topic] = c.handlers[topic][:len(c.handlers[topic])-1]
		if len(c.handlers[topic]) == 0 {
			delete(c.handlers, topic)
		}
		return err
	}
	return nil
}

// RegisterService implements fabric.Client. The registration is
// acknowledged once the service queue is bound and consumed.
func (c *Client) RegisterService(ctx context.Context, info *fabric.ServiceInfo, timeout time.Duration) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}

	done := make(chan error, 1)
	go func() {
		done <- c.addService(info)
	}()

	timer := time.NewTimer(fabric.EffectiveTimeout(timeout))
	defer timer.Stop()

	abandon := func() {
		go func() {
			if err := <-done; err == nil {
				_ = c.UnregisterService(context.Background(), info)
			}
		}()
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		c.logger.Debug().
			Str(log.FieldService, info.ServiceType).
			Str(log.FieldServiceID, info.ServiceID).
			Strs(log.FieldTopics, info.Topics()).
			Msg("Service registered")
		return nil
	case <-timer.C:
		abandon()
		return fmt.Errorf("registration of %s: %w", info.ServiceType, fabric.ErrTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

// addService starts consuming requests for info and records it. The broker
// round trips run without mu; a connection torn down meanwhile cancels the
// new consumer.
func (c *Client) addService(info *fabric.ServiceInfo) error {
	c.mu.Lock()
	if !c.connected || c.topology == nil || c.consumer == nil {
		c.mu.Unlock()
		return fabric.ErrNotConnected
	}
	lifetime, topo, cons := c.lifetime, c.topology, c.consumer
	c.mu.Unlock()

	tag, err := c.startService(lifetime, lifetime, topo, cons, info)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.connected || c.consumer != cons {
		c.mu.Unlock()
		_ = cons.Unsubscribe(tag)
		return fabric.ErrNotConnected
	}
	c.services[info.ServiceID] = &service{info: info, tag: tag}
	c.mu.Unlock()
	return nil
}

// UnregisterService implements fabric.Client. The shared service queue
// stays bound for other instances of the same service type.
func (c *Client) UnregisterService(ctx context.Context, info *fabric.ServiceInfo) error {
	c.mu.Lock()
	svc, ok := c.services[info.ServiceID]
	delete(c.services, info.ServiceID)
	cons := c.consumer
	c.mu.Unlock()

	if !ok || cons == nil || svc.tag == "" {
		return nil
	}
	if err := cons.Unsubscribe(svc.tag); err != nil {
		c.logger.Debug().Err(err).Str(log.FieldServiceID, info.ServiceID).Msg("Service consumer already stopped")
	}
	return nil
}

// SendEvent implements fabric.Client
func (c *Client) SendEvent(ctx context.Context, event *fabric.Message) error {
	ev := event.Clone()
	ev.Stamp("", c.id)
	return c.publish(ctx, rabbitmq.EventsExchange, ev.DestinationTopic, false, ev)
}

// SendResponse implements fabric.Client
func (c *Client) SendResponse(ctx context.Context, response *fabric.Message) error {
	resp := response.Clone()
	resp.Stamp("", c.id)
	return c.publish(ctx, "", resp.DestinationTopic, false, resp)
}

// SyncRequest implements fabric.Client. A request no service queue accepts
// is answered locally with a service-unavailable error response.
func (c *Client) SyncRequest(ctx context.Context, request *fabric.Message, timeout time.Duration) (*fabric.Message, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	c.mu.Lock()
	replyQueue := c.replyQueue
	c.mu.Unlock()

	req := request.Clone()
	req.ReplyToTopic = replyQueue
	req.Stamp("", c.id)

	ch := c.pending.Add(req.MessageID)
	err := c.publish(ctx, rabbitmq.RequestsExchange, req.DestinationTopic, true, req)
	if errors.Is(err, rabbitmq.ErrUnroutable) {
		c.pending.Remove(req.MessageID)
		req.Stamp(c.brokerID(), "")
		c.logger.Debug().Str(log.FieldTopic, req.DestinationTopic).Msg("No service for request")
		return fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "unable to locate service for request"), nil
	}
	if err != nil {
		c.pending.Remove(req.MessageID)
		return nil, err
	}

	resp, err := c.pending.Wait(ctx, req.MessageID, ch, timeout)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", req.DestinationTopic, err)
	}
	return resp, nil
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg *fabric.Message) error {
	c.mu.Lock()
	publisher := c.publisher
	connected := c.connected
	c.mu.Unlock()
	if !connected || publisher == nil {
		return fabric.ErrNotConnected
	}

	body, err := fabric.Encode(msg)
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, exchange, routingKey, mandatory, amqp.Publishing{
		ContentType: contentType,
		MessageId:   msg.MessageID,
		Timestamp:   time.Now(),
		Type:        msg.Type.String(),
		AppId:       c.id,
		Body:        body,
	})
}

// handleEvent queues the callbacks of ev. The delivery is acked once they
// are queued, so a full queue holds back the consumer and with it the
// broker's prefetch window.
func (c *Client) handleEvent(ctx context.Context, d amqp.Delivery) error {
	ev, err := c.decode(d)
	if err != nil {
		return err
	}

	c.mu.Lock()
	handlers := append([]fabric.EventHandler(nil), c.handlers[ev.DestinationTopic]...)
	callbackCtx, workers := c.lifetime, c.dispatcher
	c.mu.Unlock()

	if workers == nil {
		return fabric.ErrNotConnected
	}
	for _, h := range handlers {
		msg := ev.Clone()
		if err := workers.Submit(ctx, func() { h.OnEvent(callbackCtx, msg) }); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleReply(_ context.Context, d amqp.Delivery) error {
	resp, err := c.decode(d)
	if err != nil {
		return err
	}
	if !c.pending.Deliver(resp) {
		c.logger.Debug().Str(log.FieldMessageID, resp.RequestMessageID).Msg("Dropping response without requester")
	}
	return nil
}

func (c *Client) requestHandler(info *fabric.ServiceInfo) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		req, err := c.decode(d)
		if err != nil {
			return err
		}
		req.ServiceID = info.ServiceID

		handler, ok := info.Handler(req.DestinationTopic)
		if !ok {
			resp := fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "service has no handler for topic")
			return c.SendResponse(ctx, resp)
		}

		c.mu.Lock()
		callbackCtx, workers := c.lifetime, c.dispatcher
		c.mu.Unlock()
		if workers == nil {
			return fabric.ErrNotConnected
		}
		return workers.Submit(ctx, func() { handler.OnRequest(callbackCtx, req) })
	}
}

func (c *Client) decode(d amqp.Delivery) (*fabric.Message, error) {
	msg, err := fabric.Decode(d.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode delivery %s: %w", d.MessageId, err)
	}
	msg.Stamp(c.brokerID(), "")
	return msg, nil
}

// brokerID names the broker the client is connected to. Brokers without a
// configured id are named by their redacted url.
func (c *Client) brokerID() string {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	if manager == nil {
		return ""
	}
	return c.resolveBrokerID(manager.CurrentURL())
}

func (c *Client) resolveBrokerID(current string) string {
	for _, b := range c.brokers {
		if rabbitmq.SanitizeURL(b.URL) == current && b.ID != "" {
			return b.ID
		}
	}
	return current
}
