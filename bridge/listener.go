package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

// Listener delivers the events of one topic to a host callback
type Listener struct {
	cfg  *Config
	conn *ConnectionManager
	loop runLoop
}

// NewListener creates a listener that obtains its fabric client from dialer
func NewListener(dialer fabric.Dialer, opts ...Option) *Listener {
	cfg := newConfig(RoleListener, opts)
	return &Listener{
		cfg:  cfg,
		conn: newConnectionManager(dialer, RoleListener, cfg.Logger),
	}
}

// Start connects, subscribes cb to topic and blocks until Stop is called or
// ctx ends. It returns a shutdown summary once the connection is released.
func (l *Listener) Start(ctx context.Context, source, topic string, cb contracts.Callback) (string, error) {
	const op = "listener.start"

	if err := l.loop.begin(op); err != nil {
		return "", err
	}
	defer l.loop.end()

	if cb == nil {
		return "", newError(KindCallbackRequired, op)
	}

	logger := l.cfg.Logger.With().Str(log.FieldTopic, topic).Logger()

	if err := l.conn.Connect(ctx, source); err != nil {
		logger.Error().Err(err).Str(log.FieldPhase, "connect").Msg("Listener setup failed")
		return "", newError(KindCommunicationFailure, op)
	}
	defer l.conn.Disconnect()

	client := l.conn.Client()
	adapter := newCallbackAdapter(RoleListener, topic, cb, client, l.cfg)
	if err := client.AddEventHandler(ctx, topic, adapter); err != nil {
		return "", failure(logger, KindCommunicationFailure, op, "subscribe", err)
	}

	logger.Info().Msg("Event listener started")
	l.cfg.Metrics.LoopStarted(RoleListener)
	defer l.cfg.Metrics.LoopStopped(RoleListener)

	if err := l.loop.wait(ctx, l.cfg, client.IsConnected, logger); err != nil {
		return "", failure(logger, KindCommunicationFailure, op, "listen", err)
	}

	logger.Info().Msg("Event listener stopping")
	return fmt.Sprintf("Shutting down event listener on topic '%s'", topic), nil
}

// Stop ends a running Start. It is safe from any goroutine and has no
// effect when the listener is not running.
func (l *Listener) Stop() {
	l.loop.stop()
}

// IsRunning reports whether Start is currently blocking
func (l *Listener) IsRunning() bool {
	return l.loop.isRunning()
}
