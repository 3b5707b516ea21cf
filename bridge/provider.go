package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

// Provider registers a service whose topics are answered by host callbacks
type Provider struct {
	cfg  *Config
	conn *ConnectionManager
	loop runLoop
}

// NewProvider creates a provider that obtains its fabric client from dialer
func NewProvider(dialer fabric.Dialer, opts ...Option) *Provider {
	cfg := newConfig(RoleProvider, opts)
	return &Provider{
		cfg:  cfg,
		conn: newConnectionManager(dialer, RoleProvider, cfg.Logger),
	}
}

// DefaultProviderTopic is served by StartWithSingleTopic when no topic is given
const DefaultProviderTopic = "/dsa/dxl/test/event2"

// StartWithSingleTopic runs serviceName with one topic answered by cb. An
// empty topic means DefaultProviderTopic. It blocks like StartWithTopicMap.
func (p *Provider) StartWithSingleTopic(ctx context.Context, source, serviceName, topic string, cb contracts.Callback) (string, error) {
	if topic == "" {
		topic = DefaultProviderTopic
	}
	topics := make(map[string]contracts.Callback, 1)
	if cb != nil {
		topics[topic] = cb
	}
	return p.start(ctx, source, serviceName, topics)
}

// StartWithTopicMap runs serviceName with every topic of callbacks answered
// by its callback. The map is copied; later changes by the caller have no
// effect. It blocks until Stop is called or ctx ends.
func (p *Provider) StartWithTopicMap(ctx context.Context, source, serviceName string, callbacks map[string]contracts.Callback) (string, error) {
	topics := make(map[string]contracts.Callback, len(callbacks))
	for topic, cb := range callbacks {
		if cb != nil {
			topics[topic] = cb
		}
	}
	return p.start(ctx, source, serviceName, topics)
}

func (p *Provider) start(ctx context.Context, source, serviceName string, callbacks map[string]contracts.Callback) (string, error) {
	const op = "provider.start"

	if err := p.loop.begin(op); err != nil {
		return "", err
	}
	defer p.loop.end()

	if len(callbacks) == 0 {
		return "", newError(KindCallbackRequired, op)
	}

	topics := make([]string, 0, len(callbacks))
	for topic := range callbacks {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	logger := p.cfg.Logger.With().
		Str(log.FieldService, serviceName).
		Strs(log.FieldTopics, topics).
		Logger()

	if err := p.conn.Connect(ctx, source); err != nil {
		logger.Error().Err(err).Str(log.FieldPhase, "connect").Msg("Provider setup failed")
		return "", newError(KindCommunicationFailure, op)
	}
	defer p.conn.Disconnect()

	client := p.conn.Client()
	info := fabric.NewServiceInfo(serviceName)
	for _, topic := range topics {
		info.AddTopic(topic, newCallbackAdapter(RoleProvider, topic, callbacks[topic], client, p.cfg))
	}
	logger = logger.With().Str(log.FieldServiceID, info.ServiceID).Logger()

	if err := client.RegisterService(ctx, info, p.cfg.RegistrationTimeout); err != nil {
		if errors.Is(err, fabric.ErrTimeout) {
			return "", failure(logger, KindRegistrationTimeout, op, "register", err)
		}
		return "", failure(logger, KindCommunicationFailure, op, "register", err)
	}
	defer p.unregister(client, info)

	logger.Info().Msg("Service provider started")
	p.cfg.Metrics.LoopStarted(RoleProvider)
	defer p.cfg.Metrics.LoopStopped(RoleProvider)

	if err := p.loop.wait(ctx, p.cfg, client.IsConnected, logger); err != nil {
		return "", failure(logger, KindCommunicationFailure, op, "serve", err)
	}

	logger.Info().Msg("Service provider stopping")
	return shutdownSummary(topics), nil
}

func (p *Provider) unregister(client fabric.Client, info *fabric.ServiceInfo) {
	if !client.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RegistrationTimeout)
	defer cancel()
	if err := client.UnregisterService(ctx, info); err != nil {
		p.cfg.Logger.Warn().Err(err).Str(log.FieldServiceID, info.ServiceID).Msg("Failed to unregister service")
	}
}

func shutdownSummary(topics []string) string {
	if len(topics) == 1 {
		return fmt.Sprintf("Shutting down service provider on topic '%s'", topics[0])
	}
	return fmt.Sprintf("Shutting down service provider on topics '%s'", strings.Join(topics, ","))
}

// Stop ends a running start. It is safe from any goroutine and has no
// effect when the provider is not running.
func (p *Provider) Stop() {
	p.loop.stop()
}

// IsRunning reports whether the provider is currently serving
func (p *Provider) IsRunning() bool {
	return p.loop.isRunning()
}
