package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/fabricbridge/bridge"
	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/interceptors"
	"github.com/glimte/fabricbridge/internal/log"
)

// callbackFlags configure the interceptors wrapped around the host
// callbacks of listen and serve
type callbackFlags struct {
	timeout      time.Duration
	retries      int
	retryDelay   time.Duration
	topicFilters []string
	logTopics    []string
	validate     bool
}

func (f *callbackFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.timeout, "callback-timeout", 0, "Fail callbacks that run longer than this (0 waits forever)")
	cmd.Flags().IntVar(&f.retries, "callback-retries", 0, "Retry a failing callback this many times")
	cmd.Flags().DurationVar(&f.retryDelay, "callback-retry-delay", 100*time.Millisecond, "Delay before the first callback retry; doubles per retry")
	cmd.Flags().StringSliceVar(&f.topicFilters, "topic-filter", nil, "Only run callbacks for topics matching these patterns (prefix/# matches a subtree)")
	cmd.Flags().StringSliceVar(&f.logTopics, "log-callbacks", nil, "Log callbacks at debug level on topics matching these patterns (# logs all)")
	cmd.Flags().BoolVar(&f.validate, "validate", false, "Reject structurally invalid messages before the callback")
}

// interceptors builds the chain, outermost first. Filtered events are
// dropped silently; filtered requests are answered with an error.
func (f *callbackFlags) interceptors(a *app, accepted contracts.MessageType) []interceptors.Interceptor {
	chain := []interceptors.Interceptor{interceptors.NewMetricsInterceptor(a.metrics)}

	if len(f.logTopics) > 0 {
		matchers := make([]interceptors.MessageFilter, 0, len(f.logTopics))
		for _, pattern := range f.logTopics {
			matchers = append(matchers, interceptors.NewTopicFilter(pattern))
		}
		chain = append(chain, interceptors.NewConditionalInterceptor(
			interceptors.NewOrFilter(matchers...),
			interceptors.NewLoggingInterceptor(log.WithComponent("callback")),
		))
	}

	if len(f.topicFilters) > 0 {
		skip := interceptors.SkipSilently
		if accepted == contracts.MessageTypeRequest {
			skip = interceptors.SkipWithError
		}
		filter := interceptors.NewCompositeFilter(
			interceptors.NewMessageTypeFilter(accepted),
			interceptors.NewTopicFilter(f.topicFilters...),
		)
		chain = append(chain, interceptors.NewFilteringInterceptor(filter, skip))
	}

	if f.validate {
		chain = append(chain, interceptors.NewValidationInterceptor())
	}
	if f.timeout > 0 {
		chain = append(chain, interceptors.NewTimeoutInterceptor(f.timeout))
	}
	if f.retries > 0 {
		retry := interceptors.NewRetryInterceptor(f.retries, f.retryDelay, 30*f.retryDelay).
			WithLogger(log.WithComponent("callback"))
		chain = append(chain, retry)
	}
	return chain
}

// options adds the callback interceptors to the shared bridge options
func (f *callbackFlags) options(a *app, accepted contracts.MessageType) []bridge.Option {
	return append(a.options(), bridge.WithInterceptors(f.interceptors(a, accepted)...))
}
