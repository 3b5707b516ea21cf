package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/internal/reliability"
)

func TestRetryInterceptor(t *testing.T) {
	policy := reliability.NewFixedDelay(time.Millisecond, 2)

	t.Run("returns the payload of the successful attempt", func(t *testing.T) {
		cb := new(mockCallback)
		cb.On("Invoke", mock.Anything, mock.Anything).Return("", errors.New("flaky")).Once()
		cb.On("Invoke", mock.Anything, mock.Anything).Return("done", nil).Once()

		out, err := newRetryInterceptor(policy).Intercept(context.Background(), newRequest("x"), cb)
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		cb.AssertNumberOfCalls(t, "Invoke", 2)
	})

	t.Run("gives up after the policy limit", func(t *testing.T) {
		boom := errors.New("boom")
		cb := new(mockCallback)
		cb.On("Invoke", mock.Anything, mock.Anything).Return("partial", boom)

		out, err := newRetryInterceptor(policy).Intercept(context.Background(), newRequest("x"), cb)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, out)
		cb.AssertNumberOfCalls(t, "Invoke", 3)
	})

	t.Run("exported constructor backs off between attempts", func(t *testing.T) {
		cb := new(mockCallback)
		cb.On("Invoke", mock.Anything, mock.Anything).Return("", errors.New("flaky")).Twice()
		cb.On("Invoke", mock.Anything, mock.Anything).Return("done", nil).Once()

		start := time.Now()
		out, err := NewRetryInterceptor(2, 5*time.Millisecond, 20*time.Millisecond).Intercept(context.Background(), newRequest("x"), cb)
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		cb.AssertNumberOfCalls(t, "Invoke", 3)
	})

	t.Run("name", func(t *testing.T) {
		assert.Equal(t, "RetryInterceptor", newRetryInterceptor(policy).Name())
	})
}
