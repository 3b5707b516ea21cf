package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption. Every subscription owns a channel
// taken from the pool for its lifetime.
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	autoAck        bool
	handlerTimeout time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	active map[string]*subscription
	closed bool
}

type subscription struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger zerolog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         pool.logger,
		active:         make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue and returns the consumer tag. The
// subscription ends when Unsubscribe is called, ctx ends or the channel
// closes.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConsumerClosed
	}
	c.mu.Unlock()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return "", &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	tag := "fabric-" + ch.id

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(queue, tag, c.autoAck, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active[tag] = sub
	c.mu.Unlock()

	go c.processMessages(subCtx, sub, deliveries, handler)

	c.logger.Debug().
		Str("queue", queue).
		Str("consumer_tag", tag).
		Int("prefetch", c.prefetchCount).
		Msg("Subscribed to queue")

	return tag, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		delete(c.active, sub.tag)
		c.mu.Unlock()
		c.pool.Discard(sub.channel)
		close(sub.done)
		c.logger.Debug().Str("queue", sub.queue).Msg("Consumer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleMessage(ctx, sub, delivery, handler)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, sub *subscription, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err != nil {
		c.logger.Warn().Err(err).Str("queue", sub.queue).Str("amqp_message_id", delivery.MessageId).Msg("Failed to handle delivery")
	}
	if c.autoAck {
		return
	}

	// a delivery that failed once is not requeued; it would fail again
	if err != nil {
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error().Err(nackErr).Msg("Failed to nack delivery")
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error().Err(ackErr).Msg("Failed to ack delivery")
	}
}

// Unsubscribe cancels the consumer with the given tag and waits for its
// handler loop to finish
func (c *Consumer) Unsubscribe(tag string) error {
	c.mu.Lock()
	sub, ok := c.active[tag]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active consumer %s", tag)
	}

	if !sub.channel.IsClosed() {
		_ = sub.channel.Cancel(tag, false)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Close stops every subscription
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	tags := make([]string, 0, len(c.active))
	for tag := range c.active {
		tags = append(tags, tag)
	}
	c.mu.Unlock()

	for _, tag := range tags {
		_ = c.Unsubscribe(tag)
	}
	return nil
}

// ActiveQueues returns the queues with a running consumer
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for _, sub := range c.active {
		queues = append(queues, sub.queue)
	}
	return queues
}
