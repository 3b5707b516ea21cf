package interceptors

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/internal/reliability"
)

// RetryInterceptor re-invokes a failing callback according to a retry policy
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      zerolog.Logger
}

// NewRetryInterceptor retries a failing callback up to maxRetries times,
// waiting initial before the first retry and doubling up to maxDelay
func NewRetryInterceptor(maxRetries int, initial, maxDelay time.Duration) *RetryInterceptor {
	return newRetryInterceptor(reliability.NewExponentialBackoff(initial, maxDelay, 2, maxRetries))
}

func newRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      zerolog.Nop(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger zerolog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
	var payload string
	err := reliability.RetryNotify(ctx, r.retryPolicy, func() error {
		var err error
		payload, err = next.Invoke(ctx, msg)
		return err
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("message_id", msg.MessageID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying callback")
	})
	if err != nil {
		return "", err
	}
	return payload, nil
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
