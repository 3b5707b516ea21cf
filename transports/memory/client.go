package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/dispatch"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/pending"
)

// Client is a fabric.Client attached to an in-process Broker. Handlers run
// on the client's dispatch workers, off the publishing goroutine, so a
// handler may itself send requests.
type Client struct {
	broker         *Broker
	id             string
	replyTopic     string
	requestTimeout time.Duration
	workers        int
	queueSize      int
	logger         zerolog.Logger

	mu        sync.Mutex
	connected bool
	pool      *dispatch.Pool
	handlers  map[string][]fabric.EventHandler
	services  map[string]*fabric.ServiceInfo
	pending   *pending.Table
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

// NewClient creates an unconnected client on the broker
func (b *Broker) NewClient(opts ...ClientOption) *Client {
	c := &Client{
		broker:         b,
		id:             uuid.NewString(),
		requestTimeout: fabric.DefaultRequestTimeout,
		workers:        fabric.DefaultIncomingPoolSize,
		queueSize:      fabric.DefaultIncomingQueueSize,
		handlers:       make(map[string][]fabric.EventHandler),
		services:       make(map[string]*fabric.ServiceInfo),
		pending:        pending.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.replyTopic = "/fabric/client/" + c.id
	c.logger = b.logger.With().Str(log.FieldClientID, c.id).Logger()
	return c
}

var _ fabric.Client = (*Client)(nil)

// ClientID implements fabric.Client
func (c *Client) ClientID() string {
	return c.id
}

// Connect attaches the client to the broker and restores its subscriptions
// and service registrations
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.broker.attach(c); err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", c.broker.id, err)
	}

	c.mu.Lock()
	c.connected = true
	c.pool = dispatch.New(c.workers, c.queueSize, c.logger)
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	services := make([]*fabric.ServiceInfo, 0, len(c.services))
	for _, info := range c.services {
		services = append(services, info)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		c.broker.subscribe(topic, c)
	}
	for _, info := range services {
		c.broker.register(c, info)
	}

	c.logger.Debug().Msg("Client connected")
	return nil
}

// Disconnect detaches the client from the broker. Pending requests fail.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.broker.detach(c)
	c.dropped()
	c.logger.Debug().Msg("Client disconnected")
	return nil
}

// IsConnected implements fabric.Client
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AddEventHandler implements fabric.Client. Handlers added before Connect
// are subscribed when the client connects.
func (c *Client) AddEventHandler(ctx context.Context, topic string, handler fabric.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil event handler", fabric.ErrInvalidMessage)
	}

	c.mu.Lock()
	c.handlers[topic] = append(c.handlers[topic], handler)
	connected := c.connected
	c.mu.Unlock()

	if connected {
		c.broker.subscribe(topic, c)
	}
	return nil
}

// RegisterService implements fabric.Client
func (c *Client) RegisterService(ctx context.Context, info *fabric.ServiceInfo, timeout time.Duration) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}

	c.mu.Lock()
	c.services[info.ServiceID] = info
	c.mu.Unlock()

	ack := make(chan struct{})
	go func() {
		c.broker.register(c, info)
		close(ack)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ack:
		return nil
	case <-timer.C:
		return fmt.Errorf("registration of %s: %w", info.ServiceType, fabric.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnregisterService implements fabric.Client
func (c *Client) UnregisterService(ctx context.Context, info *fabric.ServiceInfo) error {
	c.mu.Lock()
	delete(c.services, info.ServiceID)
	c.mu.Unlock()

	c.broker.unregister(info)
	return nil
}

// SendEvent implements fabric.Client
func (c *Client) SendEvent(ctx context.Context, event *fabric.Message) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}
	ev := event.Clone()
	ev.Stamp("", c.id)
	c.broker.publish(ev)
	return nil
}

// SendResponse implements fabric.Client
func (c *Client) SendResponse(ctx context.Context, response *fabric.Message) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}
	resp := response.Clone()
	resp.Stamp("", c.id)
	c.broker.reply(resp)
	return nil
}

// SyncRequest implements fabric.Client
func (c *Client) SyncRequest(ctx context.Context, request *fabric.Message, timeout time.Duration) (*fabric.Message, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	req := request.Clone()
	req.ReplyToTopic = c.replyTopic
	req.Stamp("", c.id)

	if !c.IsConnected() {
		return nil, fabric.ErrNotConnected
	}
	ch := c.pending.Add(req.MessageID)
	c.broker.route(req)

	resp, err := c.pending.Wait(ctx, req.MessageID, ch, timeout)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", req.DestinationTopic, err)
	}
	return resp, nil
}

func (c *Client) deliverEvent(ev *fabric.Message) {
	c.mu.Lock()
	handlers := append([]fabric.EventHandler(nil), c.handlers[ev.DestinationTopic]...)
	pool := c.pool
	c.mu.Unlock()

	if pool == nil {
		return
	}
	for _, h := range handlers {
		msg := ev.Clone()
		if err := pool.Submit(context.Background(), func() { h.OnEvent(c.broker.dispatchContext(), msg) }); err != nil {
			return
		}
	}
}

func (c *Client) deliverRequest(handler fabric.RequestHandler, req *fabric.Message) {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()

	if pool == nil {
		return
	}
	msg := req.Clone()
	_ = pool.Submit(context.Background(), func() { handler.OnRequest(c.broker.dispatchContext(), msg) })
}

func (c *Client) deliverResponse(resp *fabric.Message) {
	c.pending.Deliver(resp.Clone())
}

// dropped marks the client disconnected, stops its callback workers and
// fails its pending requests
func (c *Client) dropped() {
	c.mu.Lock()
	c.connected = false
	pool := c.pool
	c.pool = nil
	c.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
	c.pending.FailAll()
}
