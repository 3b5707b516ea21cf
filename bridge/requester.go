package bridge

import (
	"context"
	"time"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

// Requester sends synchronous requests to fabric services
type Requester struct {
	cfg  *Config
	conn *ConnectionManager
}

// NewRequester creates an idle requester
func NewRequester(dialer fabric.Dialer, opts ...Option) *Requester {
	cfg := newConfig(RoleRequester, opts)
	return &Requester{
		cfg:  cfg,
		conn: newConnectionManager(dialer, RoleRequester, cfg.Logger),
	}
}

// Connect opens the requester's fabric connection
func (r *Requester) Connect(ctx context.Context, source string) error {
	return r.conn.Connect(ctx, source)
}

// Disconnect closes the connection; it is a no-op when not connected
func (r *Requester) Disconnect() error {
	return r.conn.Disconnect()
}

// IsConnected reports whether the requester has a live connection
func (r *Requester) IsConnected() bool {
	return r.conn.IsConnected()
}

// SendMessage sends payload to the service answering topic and blocks until
// the response arrives or the fabric's request timeout elapses. An error
// response from the service is returned as a message of type ERROR, not as
// an error.
func (r *Requester) SendMessage(ctx context.Context, topic, payload string) (*contracts.Message, error) {
	client := r.conn.live()
	if client == nil {
		return nil, newError(KindNotConnected, "requester.send")
	}
	return r.request(ctx, client, topic, payload)
}

// RequestOnce connects, sends a single request and disconnects
func (r *Requester) RequestOnce(ctx context.Context, source, topic, payload string) (*contracts.Message, error) {
	var resp *contracts.Message
	err := r.conn.WithConnection(ctx, source, func(client fabric.Client) error {
		var err error
		resp, err = r.request(ctx, client, topic, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Requester) request(ctx context.Context, client fabric.Client, topic, payload string) (*contracts.Message, error) {
	const op = "requester.send"

	req := fabric.NewRequest(topic)
	req.Payload = []byte(payload)
	logger := r.cfg.Logger.With().Str(log.FieldTopic, topic).Str(log.FieldMessageID, req.MessageID).Logger()

	var resp *fabric.Message
	call := func() error {
		var err error
		resp, err = client.SyncRequest(ctx, req, r.cfg.RequestTimeout)
		return err
	}

	start := time.Now()
	var err error
	if r.cfg.CircuitBreaker != nil {
		err = r.cfg.CircuitBreaker.Execute(ctx, call)
	} else {
		err = call()
	}
	r.cfg.Metrics.RequestSent(time.Since(start), err)
	if err != nil {
		return nil, failure(logger, KindCommunicationFailure, op, "request", err)
	}

	msg, err := canonicalize(resp)
	if err != nil {
		return nil, failure(logger, KindCommunicationFailure, op, "decode_response", err)
	}
	if msg.IsError() {
		logger.Debug().Int("error_code", msg.ErrorCode).Str("error_message", msg.ErrorMessage).Msg("Service answered with error")
	}
	return msg, nil
}
