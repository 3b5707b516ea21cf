package bridge

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/interceptors"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/reliability"
)

// Roles, used in logs and metrics
const (
	RoleListener  = "listener"
	RolePublisher = "publisher"
	RoleProvider  = "provider"
	RoleRequester = "requester"
)

// Defaults
const (
	DefaultPollInterval        = time.Second
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultDisconnectTolerance = 30 * time.Second
)

// Config holds the settings shared by all bridges
type Config struct {
	Logger              zerolog.Logger
	Metrics             MetricsCollector
	PollInterval        time.Duration
	RegistrationTimeout time.Duration
	DisconnectTolerance time.Duration
	RequestTimeout      time.Duration
	Interceptors        []interceptors.Interceptor
	BreakerThreshold    int
	BreakerOpenFor      time.Duration

	// CircuitBreaker is built from the breaker settings; nil when disabled
	CircuitBreaker *reliability.CircuitBreaker
}

// Option configures a bridge
type Option func(*Config)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(c *Config) {
		if m != nil {
			c.Metrics = m
		}
	}
}

// WithPollInterval sets how often a run loop checks for stop and connection loss
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithRegistrationTimeout bounds the wait for a service registration acknowledgment
func WithRegistrationTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RegistrationTimeout = d
		}
	}
}

// WithDisconnectTolerance sets how long a run loop waits for a dropped
// connection to come back before giving up
func WithDisconnectTolerance(d time.Duration) Option {
	return func(c *Config) {
		c.DisconnectTolerance = d
	}
}

// WithRequestTimeout overrides the fabric's default synchronous request
// timeout. Zero keeps the fabric default.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithInterceptors wraps host callbacks in the given interceptors
func WithInterceptors(i ...interceptors.Interceptor) Option {
	return func(c *Config) {
		c.Interceptors = append(c.Interceptors, i...)
	}
}

// WithCircuitBreaker guards requester round trips with a circuit breaker.
// After threshold consecutive failures requests fail fast for openFor, after
// which trial requests decide whether the circuit closes again. A threshold
// below one disables the breaker; a zero openFor keeps the breaker default.
func WithCircuitBreaker(threshold int, openFor time.Duration) Option {
	return func(c *Config) {
		c.BreakerThreshold = threshold
		c.BreakerOpenFor = openFor
	}
}

func newConfig(role string, opts []Option) *Config {
	cfg := &Config{
		Logger:              log.WithComponent(role),
		Metrics:             noopMetrics{},
		PollInterval:        DefaultPollInterval,
		RegistrationTimeout: DefaultRegistrationTimeout,
		DisconnectTolerance: DefaultDisconnectTolerance,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.Logger = cfg.Logger.With().Str(log.FieldRole, role).Logger()
	if cfg.BreakerThreshold > 0 {
		breakerOpts := []reliability.CircuitBreakerOption{
			reliability.WithName(role),
			reliability.WithFailureThreshold(cfg.BreakerThreshold),
			reliability.WithLogger(cfg.Logger),
		}
		if cfg.BreakerOpenFor > 0 {
			breakerOpts = append(breakerOpts, reliability.WithTimeout(cfg.BreakerOpenFor))
		}
		cfg.CircuitBreaker = reliability.NewCircuitBreaker(breakerOpts...)
	}
	return cfg
}
