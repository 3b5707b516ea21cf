package bridge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/interceptors"
	"github.com/glimte/fabricbridge/internal/log"
)

// callbackAdapter connects one host callback to the fabric. It is built
// once per registered topic and serves as event handler for listeners and
// request handler for providers.
type callbackAdapter struct {
	role     string
	topic    string
	callback contracts.Callback
	client   fabric.Client
	metrics  MetricsCollector
	logger   zerolog.Logger
}

func newCallbackAdapter(role, topic string, cb contracts.Callback, client fabric.Client, cfg *Config) *callbackAdapter {
	logger := cfg.Logger.With().Str(log.FieldTopic, topic).Logger()

	// Recovery sits closest to the callback so every other interceptor
	// sees a panic as an ordinary error
	chain := interceptors.NewChain(cfg.Interceptors...).
		Add(interceptors.NewRecoveryInterceptor(logger))

	return &callbackAdapter{
		role:     role,
		topic:    topic,
		callback: chain.Then(cb),
		client:   client,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

var (
	_ fabric.EventHandler   = (*callbackAdapter)(nil)
	_ fabric.RequestHandler = (*callbackAdapter)(nil)
)

// OnEvent implements fabric.EventHandler. The callback's return value is
// ignored for events.
func (a *callbackAdapter) OnEvent(ctx context.Context, event *fabric.Message) {
	msg, err := canonicalize(event)
	if err != nil {
		a.logger.Warn().Err(err).Str(log.FieldMessageID, event.MessageID).Msg("Dropping undecodable event")
		return
	}

	a.metrics.EventReceived(a.role)
	if _, err := a.callback.Invoke(ctx, msg); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldMessageID, msg.MessageID).Msg("Event callback failed")
	}
}

// OnRequest implements fabric.RequestHandler. The callback's return value
// becomes the response payload; a failing callback produces an error
// response for this request only.
func (a *callbackAdapter) OnRequest(ctx context.Context, request *fabric.Message) {
	logger := a.logger.With().Str(log.FieldMessageID, request.MessageID).Logger()

	var resp *fabric.Message
	msg, err := canonicalize(request)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting undecodable request")
		resp = fabric.NewErrorResponse(request, fabric.ErrCodeCallbackFailed, err.Error())
	} else if payload, cbErr := a.callback.Invoke(ctx, msg); cbErr != nil {
		logger.Warn().Err(cbErr).Msg("Service callback failed")
		resp = fabric.NewErrorResponse(request, fabric.ErrCodeCallbackFailed, callbackErrorMessage(cbErr))
	} else {
		resp = fabric.NewResponse(request)
		resp.Payload = []byte(payload)
	}

	a.metrics.RequestHandled(resp.Type == fabric.TypeError)
	if err := a.client.SendResponse(ctx, resp); err != nil {
		_ = failure(logger, KindCommunicationFailure, a.role+".respond", "send_response", err)
	}
}

func callbackErrorMessage(err error) string {
	var panicErr *interceptors.PanicError
	if errors.As(err, &panicErr) {
		return "service callback panicked"
	}
	return err.Error()
}
