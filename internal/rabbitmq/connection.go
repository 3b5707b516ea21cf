package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/reliability"
)

var (
	// ErrNotConnected is returned when the connection is not established
	ErrNotConnected = errors.New("not connected")
	// ErrNoURLs is returned when a manager has no broker to dial
	ErrNoURLs = errors.New("rabbitmq: no broker urls")
)

const defaultDialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// ConnectionManager manages the AMQP connection to one of several fabric
// brokers and re-establishes it when it drops
type ConnectionManager struct {
	urls        []string
	name        string
	tlsConfig   *tls.Config
	heartbeat   time.Duration
	dialTimeout time.Duration
	policy      reliability.RetryPolicy
	logger      zerolog.Logger
	dial        dialFunc

	mu          sync.RWMutex
	conn        *amqp.Connection
	currentURL  string
	next        int
	isConnected bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closed      bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLSConfig enables TLS with the given client configuration
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = d
	}
}

// WithConnectionName sets the connection name shown in the broker's
// management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithRetryPolicy sets how connect and reconnect attempts are retried
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if policy != nil {
			cm.policy = policy
		}
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if d > 0 {
			cm.dialTimeout = d
		}
	}
}

// NewConnectionManager creates a manager for the given broker urls. Urls
// are tried in order; a reconnect starts with the broker after the one
// that dropped.
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		urls:        append([]string(nil), urls...),
		dialTimeout: defaultDialTimeout,
		heartbeat:   10 * time.Second,
		policy:      reliability.NewExponentialBackoff(time.Second, time.Minute, 2, reliability.Unlimited),
		logger:      log.WithComponent("rabbitmq"),
		dial:        amqp.DialConfig,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection, retrying per the policy
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()

	if connected {
		return nil
	}
	if closed {
		return ErrConnectionClosed
	}
	if len(cm.urls) == 0 {
		return &ConnectionError{Op: "connect", Err: ErrNoURLs, Timestamp: time.Now()}
	}

	attempts := 0
	var closeCh chan *amqp.Error
	err := reliability.RetryNotify(ctx, cm.policy, func() error {
		attempts++
		var err error
		closeCh, err = cm.dialNext(ctx)
		return err
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Connect attempt failed")
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.urls[0]),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}
	if closeCh == nil {
		// another Connect won the race
		return nil
	}

	cm.logger.Info().Str("url", cm.CurrentURL()).Msg("Connected to RabbitMQ")
	cm.notifyConnected()
	go cm.handleReconnect(closeCh)
	return nil
}

// dialNext dials the next broker in the list and installs the connection.
// It returns the close notification channel of the new connection, or nil
// when a connection was already installed concurrently.
func (cm *ConnectionManager) dialNext(ctx context.Context) (chan *amqp.Error, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, reliability.Permanent(ErrConnectionClosed)
	}
	url := cm.urls[cm.next%len(cm.urls)]
	cm.next++
	cm.mu.Unlock()

	if _, err := amqp.ParseURI(url); err != nil {
		return nil, reliability.Permanent(fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
	}

	conn, err := cm.dialOnce(ctx, url)
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed || cm.isConnected {
		_ = conn.Close()
		if cm.closed {
			return nil, reliability.Permanent(ErrConnectionClosed)
		}
		return nil, nil
	}

	cm.conn = conn
	cm.currentURL = url
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	return cm.notifyClose, nil
}

func (cm *ConnectionManager) dialOnce(ctx context.Context, url string) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	if cm.name != "" {
		props.SetClientConnectionName(cm.name)
	}
	cfg := amqp.Config{
		Heartbeat:       cm.heartbeat,
		TLSClientConfig: cm.tlsConfig,
		Properties:      props,
		Locale:          "en_US",
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(url, cfg)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("dial %s: %w", SanitizeURL(url), r.err)
		}
		return r.conn, nil
	case <-dialCtx.Done():
		// the dial goroutine may still succeed; close what it returns
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", SanitizeURL(url), ErrConnectionTimeout)
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// CurrentURL returns the sanitized url of the connected broker
func (cm *ConnectionManager) CurrentURL() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.isConnected {
		return ""
	}
	return SanitizeURL(cm.currentURL)
}

// Close closes the connection and stops reconnecting. A closed manager
// cannot be reconnected.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

// handleReconnect waits for the connection behind closeCh to drop and
// reconnects
func (cm *ConnectionManager) handleReconnect(closeCh chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closeCh:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error().Err(amqpErr).Msg("Connection closed")
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until a broker answers, the policy gives up or the
// manager is closed
func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	attempts := 0
	var closeCh chan *amqp.Error
	err := reliability.RetryNotify(ctx, cm.policy, func() error {
		attempts++
		cm.notifyReconnecting(attempts)
		var err error
		closeCh, err = cm.dialNext(ctx)
		return err
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Reconnect attempt failed")
	})

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cm.logger.Error().Err(err).Int("attempts", attempts).Dur("duration", time.Since(start)).Msg("Giving up reconnecting")
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.urls[0]),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
		return
	}

	if closeCh == nil {
		return
	}

	cm.logger.Info().
		Str("url", cm.CurrentURL()).
		Int("attempts", attempts).
		Dur("duration", time.Since(start)).
		Msg("Reconnected to RabbitMQ")
	cm.notifyConnected()
	go cm.handleReconnect(closeCh)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
