package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/dispatch"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/pending"
)

// Channel and key prefixes of the fabric on Redis
const (
	EventChannelPrefix    = "fabric:event:"
	RequestChannelPrefix  = "fabric:request:"
	ResponseChannelPrefix = "fabric:response:"
	ServiceKeyPrefix      = "fabric:service:"
	claimKeyPrefix        = "fabric:claim:"
)

const (
	defaultKeepAlive      = 30 * time.Minute
	defaultHealthInterval = 2 * time.Second
	claimTTL              = time.Minute
	opTimeout             = 5 * time.Second
)

// Client is a fabric.Client over Redis pub/sub. Every service instance
// subscribed to a request topic sees each request; the first to claim it
// answers.
type Client struct {
	url            string
	brokerID       string
	id             string
	replyTopic     string
	requestTimeout time.Duration
	keepAlive      time.Duration
	healthInterval time.Duration
	workers        int
	queueSize      int
	tlsConfig      *tls.Config
	logger         zerolog.Logger

	mu        sync.Mutex
	connected bool
	pool      *dispatch.Pool
	rdb       *redis.Client
	events    *redis.PubSub
	cancel    context.CancelFunc
	lifetime  context.Context
	wg        sync.WaitGroup
	healthy   atomic.Bool
	handlers  map[string][]fabric.EventHandler
	services  map[string]*service
	pending   *pending.Table
}

type service struct {
	info   *fabric.ServiceInfo
	pubsub *redis.PubSub
	stop   context.CancelFunc
	done   chan struct{}
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientID sets the client id
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.id = id
	}
}

// WithBrokerID sets the id stamped on messages received through this client
func WithBrokerID(id string) ClientOption {
	return func(c *Client) {
		c.brokerID = id
	}
}

// WithRequestTimeout sets the timeout used by SyncRequest calls that pass zero
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithKeepAlive sets how often service registry keys are refreshed
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithHealthInterval sets how often the connection is probed
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.healthInterval = d
		}
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

// WithTLSConfig enables TLS towards the Redis server
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an unconnected client for the Redis server at url,
// e.g. redis://:password@host:6379/0
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:            url,
		id:             uuid.NewString(),
		requestTimeout: fabric.DefaultRequestTimeout,
		keepAlive:      defaultKeepAlive,
		healthInterval: defaultHealthInterval,
		workers:        fabric.DefaultIncomingPoolSize,
		queueSize:      fabric.DefaultIncomingQueueSize,
		logger:         log.WithComponent("redis-client"),
		handlers:       make(map[string][]fabric.EventHandler),
		services:       make(map[string]*service),
		pending:        pending.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.brokerID == "" {
		c.brokerID = "redis"
	}
	c.replyTopic = "/fabric/client/" + c.id
	c.logger = c.logger.With().Str(log.FieldClientID, c.id).Str(log.FieldTransport, "redis").Logger()
	c.lifetime = c.logger.WithContext(context.Background())
	return c
}

var _ fabric.Client = (*Client)(nil)

// ClientID implements fabric.Client
func (c *Client) ClientID() string {
	return c.id
}

// Connect pings the server, subscribes the reply channel and restores
// event subscriptions and service registrations
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	addr, err := c.connect(ctx)
	services := make([]*service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for _, svc := range services {
		if err := c.startService(ctx, svc); err != nil {
			c.logger.Error().Err(err).Str(log.FieldServiceID, svc.info.ServiceID).Msg("Failed to restore service")
		}
	}

	c.logger.Info().Str("addr", addr).Msg("Client connected")
	return nil
}

// connect opens the connection and the event subscription; mu must be held
func (c *Client) connect(ctx context.Context) (string, error) {
	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return "", fmt.Errorf("failed to parse redis url: %w", err)
	}
	if c.tlsConfig != nil {
		opts.TLSConfig = c.tlsConfig
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return "", fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	channels := []string{ResponseChannelPrefix + c.replyTopic}
	for topic := range c.handlers {
		channels = append(channels, EventChannelPrefix+topic)
	}
	events := rdb.Subscribe(ctx, channels...)
	if err := awaitSubscriptions(ctx, events, len(channels)); err != nil {
		_ = events.Close()
		_ = rdb.Close()
		return "", fmt.Errorf("failed to subscribe: %w", err)
	}

	lifetime, cancel := context.WithCancel(c.logger.WithContext(context.Background()))
	c.rdb = rdb
	c.events = events
	c.lifetime = lifetime
	c.cancel = cancel
	c.pool = dispatch.New(c.workers, c.queueSize, c.logger)
	c.connected = true
	c.healthy.Store(true)

	c.wg.Add(2)
	go c.receive(events)
	go c.monitor(lifetime, rdb)
	return opts.Addr, nil
}

// awaitSubscriptions waits for the server to confirm n subscriptions
func awaitSubscriptions(ctx context.Context, ps *redis.PubSub, n int) error {
	for confirmed := 0; confirmed < n; {
		msg, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				confirmed++
			}
		case error:
			return m
		}
	}
	return nil
}

// Disconnect closes the connection. Pending requests fail.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.healthy.Store(false)
	c.cancel()
	c.pool.Close()
	services := make([]*service, 0, len(c.services))
	for _, svc := range c.services {
		services = append(services, svc)
	}
	events, rdb := c.events, c.rdb
	c.mu.Unlock()

	for _, svc := range services {
		c.stopService(svc)
	}
	_ = events.Close()
	c.wg.Wait()

	var err error
	if closeErr := rdb.Close(); closeErr != nil {
		err = fmt.Errorf("failed to close redis client: %w", closeErr)
	}
	c.mu.Lock()
	c.rdb, c.events, c.pool = nil, nil, nil
	c.mu.Unlock()
	c.pending.FailAll()
	c.logger.Debug().Msg("Client disconnected")
	return err
}

// IsConnected reports whether the client is connected and the server
// answered the last health probe
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.healthy.Load()
}

// monitor probes the server; a failed probe marks the client unhealthy and
// fails requests whose responses can no longer arrive
func (c *Client) monitor(ctx context.Context, rdb *redis.Client) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.healthInterval)
		err := rdb.Ping(probeCtx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}

		wasHealthy := c.healthy.Swap(err == nil)
		switch {
		case err != nil && wasHealthy:
			c.logger.Warn().Err(err).Msg("Lost connection to redis")
			c.pending.FailAll()
		case err == nil && !wasHealthy:
			c.logger.Info().Msg("Connection to redis restored")
		}
	}
}

func (c *Client) receive(ps *redis.PubSub) {
	defer c.wg.Done()
	for msg := range ps.Channel() {
		switch {
		case strings.HasPrefix(msg.Channel, EventChannelPrefix):
			c.handleEvent(msg)
		case strings.HasPrefix(msg.Channel, ResponseChannelPrefix):
			c.handleResponse(msg)
		}
	}
}

func (c *Client) handleEvent(msg *redis.Message) {
	ev, err := c.decode(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable event")
		return
	}

	c.mu.Lock()
	handlers := append([]fabric.EventHandler(nil), c.handlers[ev.DestinationTopic]...)
	ctx, pool := c.lifetime, c.pool
	c.mu.Unlock()

	if pool == nil {
		return
	}
	for _, h := range handlers {
		msg := ev.Clone()
		if err := pool.Submit(ctx, func() { h.OnEvent(ctx, msg) }); err != nil {
			c.logger.Debug().Err(err).Str(log.FieldTopic, ev.DestinationTopic).Msg("Dropping event")
			return
		}
	}
}

func (c *Client) handleResponse(msg *redis.Message) {
	resp, err := c.decode(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable response")
		return
	}
	if !c.pending.Deliver(resp) {
		c.logger.Debug().Str(log.FieldMessageID, resp.RequestMessageID).Msg("Dropping response without requester")
	}
}

func (c *Client) decode(msg *redis.Message) (*fabric.Message, error) {
	m, err := fabric.Decode([]byte(msg.Payload))
	if err != nil {
		return nil, err
	}
	m.Stamp(c.brokerID, "")
	return m, nil
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
	if err := c.events.Subscribe(ctx, EventChannelPrefix+topic); err != nil {
		c.handlers[topic] = c.handlers[topic][:len(c.handlers[topic])-1]
		if len(c.handlers[topic]) == 0 {
			delete(c.handlers, topic)
		}
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// RegisterService implements fabric.Client. The registration is
// acknowledged once the server confirms every request channel.
func (c *Client) RegisterService(ctx context.Context, info *fabric.ServiceInfo, timeout time.Duration) error {
	if !c.IsConnected() {
		return fabric.ErrNotConnected
	}

	svc := &service{info: info}
	done := make(chan error, 1)
	go func() {
		c.mu.Lock()
		lifetime := c.lifetime
		c.mu.Unlock()
		done <- c.startService(lifetime, svc)
	}()

	timer := time.NewTimer(fabric.EffectiveTimeout(timeout))
	defer timer.Stop()

	abandon := func() {
		go func() {
			if err := <-done; err == nil {
				c.stopService(svc)
			}
		}()
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-timer.C:
		abandon()
		return fmt.Errorf("registration of %s: %w", info.ServiceType, fabric.ErrTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}

	c.mu.Lock()
	c.services[info.ServiceID] = svc
	c.mu.Unlock()

	c.logger.Debug().
		Str(log.FieldService, info.ServiceType).
		Str(log.FieldServiceID, info.ServiceID).
		Strs(log.FieldTopics, info.Topics()).
		Msg("Service registered")
	return nil
}

func (c *Client) startService(ctx context.Context, svc *service) error {
	c.mu.Lock()
	rdb, lifetime := c.rdb, c.lifetime
	c.mu.Unlock()
	if rdb == nil {
		return fabric.ErrNotConnected
	}

	info := svc.info
	topics := info.Topics()
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = RequestChannelPrefix + topic
	}

	ps := rdb.Subscribe(ctx, channels...)
	if err := awaitSubscriptions(ctx, ps, len(channels)); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe service %s: %w", info.ServiceType, err)
	}

	key := ServiceKeyPrefix + info.ServiceID
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"service_type", info.ServiceType,
			"client_id", c.id,
			"topics", strings.Join(topics, ","),
			"registered_at", time.Now().UTC().Format(time.RFC3339),
		)
		pipe.Expire(ctx, key, info.TTL)
		return nil
	})
	if err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to record service %s: %w", info.ServiceType, err)
	}

	svcCtx, stop := context.WithCancel(lifetime)
	svc.pubsub = ps
	svc.stop = stop
	svc.done = make(chan struct{})
	go c.serve(svcCtx, lifetime, svc)
	return nil
}

// serve dispatches requests and keeps the registry key alive
func (c *Client) serve(ctx, callbackCtx context.Context, svc *service) {
	defer close(svc.done)
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	key := ServiceKeyPrefix + svc.info.ServiceID
	requests := svc.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.redis().Expire(ctx, key, svc.info.TTL).Err(); err != nil {
				c.logger.Warn().Err(err).Str(log.FieldServiceID, svc.info.ServiceID).Msg("Failed to refresh service registration")
			}
		case msg, ok := <-requests:
			if !ok {
				return
			}
			c.handleRequest(ctx, callbackCtx, svc.info, msg)
		}
	}
}

func (c *Client) handleRequest(ctx, callbackCtx context.Context, info *fabric.ServiceInfo, msg *redis.Message) {
	req, err := c.decode(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable request")
		return
	}

	claimed, err := c.redis().SetNX(ctx, claimKeyPrefix+req.MessageID, info.ServiceID, claimTTL).Result()
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldMessageID, req.MessageID).Msg("Failed to claim request")
		return
	}
	if !claimed {
		return
	}

	req.ServiceID = info.ServiceID
	handler, ok := info.Handler(req.DestinationTopic)
	if !ok {
		resp := fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "service has no handler for topic")
		if err := c.SendResponse(ctx, resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send error response")
		}
		return
	}
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return
	}
	if err := pool.Submit(ctx, func() { handler.OnRequest(callbackCtx, req) }); err != nil {
		c.logger.Debug().Err(err).Str(log.FieldMessageID, req.MessageID).Msg("Dropping request")
	}
}

func (c *Client) stopService(svc *service) {
	if svc.stop == nil {
		return
	}
	svc.stop()
	_ = svc.pubsub.Close()
	<-svc.done
}

// UnregisterService implements fabric.Client
func (c *Client) UnregisterService(ctx context.Context, info *fabric.ServiceInfo) error {
	c.mu.Lock()
	svc, ok := c.services[info.ServiceID]
	delete(c.services, info.ServiceID)
	rdb := c.rdb
	connected := c.connected
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.stopService(svc)
	if !connected {
		return nil
	}
	if err := rdb.Del(ctx, ServiceKeyPrefix+info.ServiceID).Err(); err != nil {
		return fmt.Errorf("failed to remove service %s: %w", info.ServiceType, err)
	}
	return nil
}

// LookupService returns the registry record of a service instance
func (c *Client) LookupService(ctx context.Context, serviceID string) (map[string]string, error) {
	rdb := c.redis()
	if rdb == nil {
		return nil, fabric.ErrNotConnected
	}
	record, err := rdb.HGetAll(ctx, ServiceKeyPrefix+serviceID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up service %s: %w", serviceID, err)
	}
	if len(record) == 0 {
		return nil, fabric.ErrServiceUnavailable
	}
	return record, nil
}

// SendEvent implements fabric.Client
func (c *Client) SendEvent(ctx context.Context, event *fabric.Message) error {
	ev := event.Clone()
	ev.Stamp("", c.id)
	_, err := c.publish(ctx, EventChannelPrefix+ev.DestinationTopic, ev)
	return err
}

// SendResponse implements fabric.Client
func (c *Client) SendResponse(ctx context.Context, response *fabric.Message) error {
	resp := response.Clone()
	resp.Stamp("", c.id)
	_, err := c.publish(ctx, ResponseChannelPrefix+resp.DestinationTopic, resp)
	return err
}

// SyncRequest implements fabric.Client. A request no service is subscribed
// to is answered locally with a service-unavailable error response.
func (c *Client) SyncRequest(ctx context.Context, request *fabric.Message, timeout time.Duration) (*fabric.Message, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	req := request.Clone()
	req.ReplyToTopic = c.replyTopic
	req.Stamp("", c.id)

	ch := c.pending.Add(req.MessageID)
	receivers, err := c.publish(ctx, RequestChannelPrefix+req.DestinationTopic, req)
	if err != nil {
		c.pending.Remove(req.MessageID)
		return nil, err
	}
	if receivers == 0 {
		c.pending.Remove(req.MessageID)
		req.Stamp(c.brokerID, "")
		c.logger.Debug().Str(log.FieldTopic, req.DestinationTopic).Msg("No service for request")
		return fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "unable to locate service for request"), nil
	}

	resp, err := c.pending.Wait(ctx, req.MessageID, ch, timeout)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", req.DestinationTopic, err)
	}
	return resp, nil
}

func (c *Client) publish(ctx context.Context, channel string, msg *fabric.Message) (int64, error) {
	if !c.IsConnected() {
		return 0, fabric.ErrNotConnected
	}
	body, err := fabric.Encode(msg)
	if err != nil {
		return 0, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opTimeout)
		defer cancel()
	}
	receivers, err := c.redis().Publish(ctx, channel, body).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return receivers, nil
}

func (c *Client) redis() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}
