package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/glimte/fabricbridge"
	"github.com/glimte/fabricbridge/bridge"
	"github.com/glimte/fabricbridge/config"
	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/health"
	"github.com/glimte/fabricbridge/internal/log"
	"github.com/glimte/fabricbridge/internal/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Argument defaults
const (
	defaultEventTopic   = "/dsa/dxl/test/event2"
	defaultServiceTopic = "/dsa/dxl/test"
	defaultPayload      = "Default message"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command shares: the dialer, the metrics registry
// and the health registry served on the admin address
type app struct {
	configPath  string
	metricsAddr string
	logLevel    string

	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	health   *health.Registry
	dialer   *fabricbridge.ConfigDialer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "fabricbridge",
		Short: "Publish, listen, serve and request on a messaging fabric",
		Long: `fabricbridge connects to a messaging fabric described by a configuration file.
It can listen to event topics, publish events, host an echo service and send requests.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "fabric.yaml", "Fabric configuration file (empty reads FABRIC_* variables)")
	rootCmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newListenCmd(a),
		newPublishCmd(a),
		newServeCmd(a),
		newRequestCmd(a),
	)
	return rootCmd
}

func (a *app) setup() {
	log.Configure(log.Config{Level: a.logLevel, Service: "fabricbridge"})
	a.logger = log.WithComponent("cli")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.registry)

	a.health = health.NewRegistry(0)
	a.health.Register(health.NewRuntimeChecker(1000, 10000))

	a.dialer = fabricbridge.NewConfigDialer(
		fabricbridge.WithLogger(log.WithComponent("dialer")),
		fabricbridge.WithDialHook(a.watch),
	)
}

// watch registers a health check for every fabric client the dialer creates
func (a *app) watch(cfg *config.Config, client fabric.Client) {
	if conn, ok := client.(health.BrokerConnection); ok && cfg.Transport == config.TransportAMQP {
		a.health.Register(health.NewAMQPChecker(conn))
		return
	}
	a.health.Register(health.NewConnectionChecker(cfg.Transport, client))
}

func (a *app) options() []bridge.Option {
	return []bridge.Option{
		bridge.WithLogger(a.logger),
		bridge.WithMetrics(a.metrics),
	}
}

func argOr(args []string, i int, fallback string) string {
	if len(args) > i && args[i] != "" {
		return args[i]
	}
	return fallback
}

func newListenCmd(a *app) *cobra.Command {
	var flags callbackFlags
	cmd := &cobra.Command{
		Use:   "listen [topic]",
		Short: "Print the events published on a topic until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := argOr(args, 0, defaultEventTopic)
			listener := bridge.NewListener(a.dialer, flags.options(a, contracts.MessageTypeEvent)...)
			out := cmd.OutOrStdout()

			var mu sync.Mutex
			printEvent := contracts.EventFunc(func(ctx context.Context, msg *contracts.Message) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprint(out, msg.String())
			})

			fmt.Fprintf(out, "Listening on %s... Press Ctrl+C to stop\n", topic)
			return a.runUntilSignal(cmd, listener.Stop, func(ctx context.Context) (string, error) {
				return listener.Start(ctx, a.configPath, topic, printEvent)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "publish [topic] [payload]",
		Short: "Publish an event",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := argOr(args, 0, defaultEventTopic)
			payload := argOr(args, 1, defaultPayload)
			publisher := bridge.NewPublisher(a.dialer, a.options()...)
			ctx := cmd.Context()

			if err := publisher.Connect(ctx, a.configPath); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer publisher.Disconnect()

			for i := 0; i < count; i++ {
				ack, err := publisher.SendMessage(ctx, topic, payload)
				if err != nil {
					return fmt.Errorf("failed to publish: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ack)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of events to publish")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var serviceName string
	var flags callbackFlags
	cmd := &cobra.Command{
		Use:   "serve [topic...]",
		Short: "Answer requests with the upper-cased request payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := args
			if len(topics) == 0 {
				topics = []string{defaultServiceTopic}
			}
			callbacks := make(map[string]contracts.Callback, len(topics))
			for _, topic := range topics {
				callbacks[topic] = upperEcho
			}

			provider := bridge.NewProvider(a.dialer, flags.options(a, contracts.MessageTypeRequest)...)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s... Press Ctrl+C to stop\n", serviceName, strings.Join(topics, ", "))
			return a.runUntilSignal(cmd, provider.Stop, func(ctx context.Context) (string, error) {
				return provider.StartWithTopicMap(ctx, a.configPath, serviceName, callbacks)
			})
		},
	}
	cmd.Flags().StringVarP(&serviceName, "service", "s", "fabricbridge-echo", "Service name to register")
	flags.register(cmd)
	return cmd
}

var upperEcho = contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
	return strings.ToUpper(msg.Text()), nil
})

func newRequestCmd(a *app) *cobra.Command {
	var (
		count            int
		breakerThreshold int
		breakerTimeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request [topic] [payload]",
		Short: "Send requests and print the responses",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := argOr(args, 0, defaultServiceTopic)
			payload := argOr(args, 1, defaultPayload)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			opts := append(a.options(), bridge.WithCircuitBreaker(breakerThreshold, breakerTimeout))
			requester := bridge.NewRequester(a.dialer, opts...)
			if err := requester.Connect(ctx, a.configPath); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer requester.Disconnect()

			// later requests still run after a failure so an open breaker
			// can fail them fast
			var failed error
			for i := 0; i < count; i++ {
				resp, err := requester.SendMessage(ctx, topic, payload)
				switch {
				case err != nil:
					fmt.Fprintf(out, "Request %d failed: %v\n", i+1, err)
					if failed == nil {
						failed = fmt.Errorf("failed to send request: %w", err)
					}
				case resp.IsError():
					fmt.Fprint(out, resp.String())
					if failed == nil {
						failed = fmt.Errorf("service answered with error %d: %s", resp.ErrorCode, resp.ErrorMessage)
					}
				default:
					fmt.Fprint(out, resp.String())
				}
			}
			return failed
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of requests to send")
	cmd.Flags().IntVar(&breakerThreshold, "breaker-threshold", 0, "Stop sending after this many consecutive failures (0 disables)")
	cmd.Flags().DurationVar(&breakerTimeout, "breaker-timeout", 30*time.Second, "How long the breaker stays open before trying again")
	return cmd
}

// runUntilSignal runs a blocking bridge next to the admin server. SIGINT and
// SIGTERM call stop; the first failure ends both.
func (a *app) runUntilSignal(cmd *cobra.Command, stop func(), run func(ctx context.Context) (string, error)) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := a.serve(ctx, cancel, stop, run)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary)
	return nil
}
