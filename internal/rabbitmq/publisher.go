package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/internal/reliability"
)

// Publisher publishes with broker confirms on a dedicated channel.
// Publishes are serialized so a basic.return can be matched to the
// message that caused it.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	logger         zerolog.Logger

	mu      sync.Mutex
	ch      *PooledChannel
	returns chan amqp.Return
	closed  bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on the pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(200*time.Millisecond, 2*time.Second, 2, 3),
		logger:         pool.logger,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker to confirm it. With mandatory
// set, a message no queue accepts fails with ErrUnroutable and is not
// retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err := reliability.RetryNotify(ctx, p.retryPolicy, func() error {
		err := p.publishWithConfirm(ctx, exchange, routingKey, mandatory, msg)
		if err != nil && !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		p.logger.Debug().Err(err).Int("attempt", attempt+1).Str("exchange", exchange).Msg("Retrying publish")
	})
	if err == nil {
		return nil
	}

	var permanent reliability.RetryableError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed waiting for confirmation: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}

	// the broker sends basic.return before basic.ack
	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				p.reset()
				return nil
			}
			if ret.MessageId == msg.MessageId {
				return fmt.Errorf("%w: %s", ErrUnroutable, ret.ReplyText)
			}
		default:
			return nil
		}
	}
}

// channel returns the confirm channel, opening it if needed; mu must be held
func (p *Publisher) channel(ctx context.Context) (*PooledChannel, error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.ch != nil && !p.ch.Channel.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		p.pool.Discard(ch)
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	p.ch = ch
	return ch, nil
}

// reset drops the confirm channel; mu must be held
func (p *Publisher) reset() {
	if p.ch != nil {
		p.pool.Discard(p.ch)
		p.ch = nil
		p.returns = nil
	}
}

// Close releases the publisher's channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}
