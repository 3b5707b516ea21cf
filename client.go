// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fabricbridge connects host callbacks to a messaging fabric. The
// configuration source given to a bridge is a YAML file path that selects
// the transport and its brokers; an empty source configures the client from
// FABRIC_* environment variables alone.
package fabricbridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/bridge"
	"github.com/glimte/fabricbridge/config"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/rabbitmq"
	"github.com/glimte/fabricbridge/internal/reliability"
	"github.com/glimte/fabricbridge/transports/memory"
	rabbitmqTransport "github.com/glimte/fabricbridge/transports/rabbitmq"
	redisTransport "github.com/glimte/fabricbridge/transports/redis"
)

// backoffMultiplier grows the reconnect delay between attempts
const backoffMultiplier = 2.0

// ConfigDialer builds fabric clients from configuration files
type ConfigDialer struct {
	logger zerolog.Logger
	memory *memory.Broker
	onDial []func(*config.Config, fabric.Client)
}

// DialerOption configures a ConfigDialer
type DialerOption func(*ConfigDialer)

// WithLogger sets the logger handed to the transports
func WithLogger(logger zerolog.Logger) DialerOption {
	return func(d *ConfigDialer) {
		d.logger = logger
	}
}

// WithMemoryBroker sets the broker used by the memory transport instead of
// the process-wide default
func WithMemoryBroker(b *memory.Broker) DialerOption {
	return func(d *ConfigDialer) {
		d.memory = b
	}
}

// WithDialHook registers fn to run for every client the dialer creates
func WithDialHook(fn func(*config.Config, fabric.Client)) DialerOption {
	return func(d *ConfigDialer) {
		d.onDial = append(d.onDial, fn)
	}
}

// NewConfigDialer creates a dialer
func NewConfigDialer(opts ...DialerOption) *ConfigDialer {
	d := &ConfigDialer{
		logger: log.WithComponent("dialer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.memory == nil {
		d.memory = memory.DefaultBroker()
	}
	return d
}

var _ fabric.Dialer = (*ConfigDialer)(nil)

// Dial implements fabric.Dialer. The returned client is not connected.
func (d *ConfigDialer) Dial(ctx context.Context, source string) (fabric.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := d.load(source)
	if err != nil {
		return nil, err
	}

	client, err := d.build(cfg)
	if err != nil {
		return nil, err
	}

	d.logger.Debug().
		Str(log.FieldTransport, cfg.Transport).
		Str(log.FieldClientID, client.ClientID()).
		Msg("Fabric client created")

	for _, fn := range d.onDial {
		fn(cfg, client)
	}
	return client, nil
}

func (d *ConfigDialer) load(source string) (*config.Config, error) {
	if source == "" {
		cfg, err := config.Parse(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (d *ConfigDialer) build(cfg *config.Config) (fabric.Client, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		return d.memoryClient(cfg), nil
	case config.TransportAMQP:
		return d.amqpClient(cfg)
	case config.TransportRedis:
		return d.redisClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport)
	}
}

func (d *ConfigDialer) memoryClient(cfg *config.Config) *memory.Client {
	opts := []memory.ClientOption{
		memory.WithRequestTimeout(cfg.RequestTimeout),
		memory.WithIncomingLimits(cfg.IncomingPoolSize, cfg.IncomingQueueSize),
	}
	if cfg.ClientID != "" {
		opts = append(opts, memory.WithClientID(cfg.ClientID))
	}
	return d.memory.NewClient(opts...)
}

func (d *ConfigDialer) amqpClient(cfg *config.Config) (*rabbitmqTransport.Client, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	brokers := make([]rabbitmqTransport.Broker, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		brokers = append(brokers, rabbitmqTransport.Broker{ID: b.ID, URL: b.URL})
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithRetryPolicy(reliability.NewExponentialBackoff(
			cfg.ReconnectDelay, cfg.ReconnectDelayMax, backoffMultiplier, cfg.ConnectRetries)),
		rabbitmq.WithLogger(d.logger),
	}
	if tlsCfg != nil {
		connOpts = append(connOpts, rabbitmq.WithTLSConfig(tlsCfg))
	}

	opts := []rabbitmqTransport.ClientOption{
		rabbitmqTransport.WithRequestTimeout(cfg.RequestTimeout),
		rabbitmqTransport.WithIncomingLimits(cfg.IncomingPoolSize, cfg.IncomingQueueSize),
		rabbitmqTransport.WithConnectionOptions(connOpts...),
		rabbitmqTransport.WithLogger(d.logger),
	}
	if cfg.ClientID != "" {
		opts = append(opts, rabbitmqTransport.WithClientID(cfg.ClientID))
	}
	return rabbitmqTransport.NewClient(brokers, opts...), nil
}

func (d *ConfigDialer) redisClient(cfg *config.Config) (*redisTransport.Client, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	broker := cfg.Brokers[0]
	if len(cfg.Brokers) > 1 {
		d.logger.Warn().
			Str(log.FieldBrokerID, broker.ID).
			Int("ignored", len(cfg.Brokers)-1).
			Msg("Redis transport uses the first configured broker only")
	}

	opts := []redisTransport.ClientOption{
		redisTransport.WithRequestTimeout(cfg.RequestTimeout),
		redisTransport.WithKeepAlive(cfg.KeepAliveInterval),
		redisTransport.WithIncomingLimits(cfg.IncomingPoolSize, cfg.IncomingQueueSize),
		redisTransport.WithLogger(d.logger),
	}
	if broker.ID != "" {
		opts = append(opts, redisTransport.WithBrokerID(broker.ID))
	}
	if tlsCfg != nil {
		opts = append(opts, redisTransport.WithTLSConfig(tlsCfg))
	}
	if cfg.ClientID != "" {
		opts = append(opts, redisTransport.WithClientID(cfg.ClientID))
	}
	return redisTransport.NewClient(broker.URL, opts...), nil
}

// NewListener creates a listener that dials through a default ConfigDialer
func NewListener(opts ...bridge.Option) *bridge.Listener {
	return bridge.NewListener(NewConfigDialer(), opts...)
}

// NewPublisher creates a publisher that dials through a default ConfigDialer
func NewPublisher(opts ...bridge.Option) *bridge.Publisher {
	return bridge.NewPublisher(NewConfigDialer(), opts...)
}

// NewProvider creates a provider that dials through a default ConfigDialer
func NewProvider(opts ...bridge.Option) *bridge.Provider {
	return bridge.NewProvider(NewConfigDialer(), opts...)
}

// NewRequester creates a requester that dials through a default ConfigDialer
func NewRequester(opts ...bridge.Option) *bridge.Requester {
	return bridge.NewRequester(NewConfigDialer(), opts...)
}
