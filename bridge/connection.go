package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

const disconnectTimeout = 10 * time.Second

// ConnectionManager owns the single fabric client handle of a bridge
// instance. The handle moves Idle -> Connected -> Idle; it is never shared
// with another instance.
type ConnectionManager struct {
	dialer fabric.Dialer
	role   string
	logger zerolog.Logger

	mu     sync.Mutex
	client fabric.Client
}

// NewConnectionManager creates an idle connection manager that obtains
// clients from dialer
func NewConnectionManager(dialer fabric.Dialer, opts ...Option) *ConnectionManager {
	cfg := newConfig("connection", opts)
	return newConnectionManager(dialer, "connection", cfg.Logger)
}

func newConnectionManager(dialer fabric.Dialer, role string, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		dialer: dialer,
		role:   role,
		logger: logger,
	}
}

// Connect dials source and connects the resulting client. It fails with
// AlreadyConnected while a live handle exists and with ConnectionFailure
// when the transport cannot be reached.
func (m *ConnectionManager) Connect(ctx context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		if m.client.IsConnected() {
			return newError(KindAlreadyConnected, m.role+".connect")
		}
		// stale handle from a dropped connection
		m.release()
	}

	client, err := m.dialer.Dial(ctx, source)
	if err != nil {
		return failure(m.logger, KindConnectionFailure, m.role+".connect", "dial", err)
	}
	if err := client.Connect(ctx); err != nil {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		_ = client.Disconnect(dctx)
		cancel()
		return failure(m.logger, KindConnectionFailure, m.role+".connect", "connect", err)
	}

	m.client = client
	m.logger.Debug().Str(log.FieldClientID, client.ClientID()).Msg("Connected to fabric")
	return nil
}

// Disconnect releases the handle. It is a no-op when not connected.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	if err := m.release(); err != nil {
		return failure(m.logger, KindCommunicationFailure, m.role+".disconnect", "disconnect", err)
	}
	return nil
}

// release disconnects and forgets the handle; mu must be held
func (m *ConnectionManager) release() error {
	client := m.client
	m.client = nil

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	err := client.Disconnect(ctx)
	m.logger.Debug().Str(log.FieldClientID, client.ClientID()).Msg("Disconnected from fabric")
	return err
}

// IsConnected reports whether a handle exists and its transport is live
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && m.client.IsConnected()
}

// Client returns the current handle, or nil when idle
func (m *ConnectionManager) Client() fabric.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// live returns the handle only if its transport is connected
func (m *ConnectionManager) live() fabric.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || !m.client.IsConnected() {
		return nil
	}
	return m.client
}

// WithConnection connects, runs fn with the live client and always
// disconnects afterwards, whatever fn returns
func (m *ConnectionManager) WithConnection(ctx context.Context, source string, fn func(fabric.Client) error) (err error) {
	if err := m.Connect(ctx, source); err != nil {
		return err
	}
	defer func() {
		if derr := m.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(m.Client())
}

// failure logs the transport cause with context and returns the taxonomy
// error that replaces it
func failure(logger zerolog.Logger, kind Kind, op, phase string, cause error) error {
	logger.Error().
		Err(cause).
		Str(log.FieldPhase, phase).
		Str("op", op).
		Int("code", kind.Code()).
		Msg(kindMessages[kind])
	return newError(kind, op)
}
