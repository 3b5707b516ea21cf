// Package config loads the fabric client configuration that bridges are
// started with.
//
// A configuration is a YAML file, optionally overridden by FABRIC_*
// environment variables:
//
//	transport: amqp
//	client_id: inventory-service
//	brokers:
//	  - id: broker-1
//	    url: amqps://fabric-1.example.com:5671/
//	certs:
//	  broker_cert_chain: ca-bundle.pem
//	  cert_file: client.crt
//	  private_key: client.key
//	connect_retries: -1
//	reconnect_delay: 1s
//	reconnect_delay_max: 60s
//	incoming_message_thread_pool_size: 1
//	incoming_message_queue_size: 1000
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/glimte/fabricbridge/fabric"
)

// Transports
const (
	TransportAMQP   = "amqp"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "FABRIC_"

// Defaults
const (
	DefaultConnectRetries    = -1
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 60 * time.Second
	DefaultRequestTimeout    = time.Hour
	DefaultKeepAliveInterval = 30 * time.Minute
	DefaultIncomingPoolSize  = fabric.DefaultIncomingPoolSize
	DefaultIncomingQueueSize = fabric.DefaultIncomingQueueSize
)

var (
	// ErrUnknownTransport is returned by Validate for an unsupported transport
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrNoBrokers is returned by Validate when a network transport has no brokers
	ErrNoBrokers = errors.New("no brokers configured")
)

// Broker is one fabric broker endpoint
type Broker struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// Certs are the PEM files used for mutual TLS
type Certs struct {
	BrokerCertChain string `yaml:"broker_cert_chain" env:"BROKER_CERT_CHAIN"`
	CertFile        string `yaml:"cert_file" env:"CERT_FILE"`
	PrivateKey      string `yaml:"private_key" env:"PRIVATE_KEY"`
}

// Enabled reports whether any certificate file is configured
func (c Certs) Enabled() bool {
	return c.BrokerCertChain != "" || c.CertFile != "" || c.PrivateKey != ""
}

// Config is the fabric client configuration
type Config struct {
	Transport         string        `yaml:"transport" env:"TRANSPORT"`
	ClientID          string        `yaml:"client_id" env:"CLIENT_ID"`
	Brokers           []Broker      `yaml:"brokers" env:"-"`
	Certs             Certs         `yaml:"certs" envPrefix:"CERTS_"`
	ConnectRetries    int           `yaml:"connect_retries" env:"CONNECT_RETRIES"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max" env:"RECONNECT_DELAY_MAX"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`

	// IncomingPoolSize is the number of workers running event and request
	// callbacks. One worker keeps callbacks in arrival order.
	IncomingPoolSize int `yaml:"incoming_message_thread_pool_size" env:"INCOMING_MESSAGE_THREAD_POOL_SIZE"`
	// IncomingQueueSize bounds the messages waiting for a worker. A full
	// queue holds back the receive loop.
	IncomingQueueSize int `yaml:"incoming_message_queue_size" env:"INCOMING_MESSAGE_QUEUE_SIZE"`

	// BrokerURL replaces the broker list with a single broker when set
	// through FABRIC_BROKER_URL
	BrokerURL string `yaml:"-" env:"BROKER_URL"`
}

// Default returns a configuration for the in-process memory transport
func Default() *Config {
	return &Config{
		Transport:         TransportMemory,
		ConnectRetries:    DefaultConnectRetries,
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectDelayMax: DefaultReconnectDelayMax,
		RequestTimeout:    DefaultRequestTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		IncomingPoolSize:  DefaultIncomingPoolSize,
		IncomingQueueSize: DefaultIncomingQueueSize,
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. Relative certificate paths resolve against the
// directory of the file.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}

	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(environ []string) error {
	opts := env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if c.BrokerURL != "" {
		c.Brokers = []Broker{{ID: "env", URL: c.BrokerURL}}
		c.BrokerURL = ""
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Certs.BrokerCertChain = resolve(c.Certs.BrokerCertChain)
	c.Certs.CertFile = resolve(c.Certs.CertFile)
	c.Certs.PrivateKey = resolve(c.Certs.PrivateKey)
}

// Validate checks the transport, its broker list and the dispatch limits
func (c *Config) Validate() error {
	if c.IncomingPoolSize < 1 || c.IncomingQueueSize < 1 {
		return fmt.Errorf("invalid incoming message limits: %d workers, queue of %d", c.IncomingPoolSize, c.IncomingQueueSize)
	}

	switch c.Transport {
	case TransportMemory:
		return nil
	case TransportAMQP, TransportRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}

	if len(c.Brokers) == 0 {
		return fmt.Errorf("%w for transport %s", ErrNoBrokers, c.Transport)
	}
	for i, b := range c.Brokers {
		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("broker %d (%s): invalid url %q", i, b.ID, b.URL)
		}
	}
	if c.ReconnectDelay <= 0 || c.ReconnectDelayMax < c.ReconnectDelay {
		return fmt.Errorf("invalid reconnect delays %s..%s", c.ReconnectDelay, c.ReconnectDelayMax)
	}
	if (c.Certs.CertFile == "") != (c.Certs.PrivateKey == "") {
		return errors.New("cert_file and private_key must be set together")
	}
	return nil
}

// TLSConfig builds the client TLS configuration from Certs. It returns nil
// when no certificates are configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.Certs.Enabled() {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.Certs.BrokerCertChain != "" {
		pem, err := os.ReadFile(c.Certs.BrokerCertChain)
		if err != nil {
			return nil, fmt.Errorf("failed to read broker cert chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.Certs.BrokerCertChain)
		}
		tlsCfg.RootCAs = pool
	}

	if c.Certs.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.Certs.CertFile, c.Certs.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BrokerURLs returns the broker urls in configuration order
func (c *Config) BrokerURLs() []string {
	urls := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		urls = append(urls, b.URL)
	}
	return urls
}
