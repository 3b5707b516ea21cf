package interceptors

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/contracts"
)

type mockCallback struct {
	mock.Mock
}

func (m *mockCallback) Invoke(ctx context.Context, msg *contracts.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(messageType string) {
	m.Called(messageType)
}

func (m *mockMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	m.Called(messageType, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	m.Called(messageType, errorType)
}

func newRequest(payload string) *contracts.Message {
	return &contracts.Message{
		MessageID: "msg-1",
		Type:      contracts.MessageTypeRequest,
		Topic:     "/a/b",
		Payload:   []byte(payload),
	}
}

func upper() contracts.Callback {
	return contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
		return strings.ToUpper(msg.Text()), nil
	})
}

func TestChain(t *testing.T) {
	t.Run("empty chain returns the callback itself", func(t *testing.T) {
		final := upper()
		out, err := NewChain().Then(final).Invoke(context.Background(), newRequest("hi"))
		require.NoError(t, err)
		assert.Equal(t, "HI", out)
	})

	t.Run("nil chain is usable", func(t *testing.T) {
		var c *Chain
		out, err := c.Then(upper()).Invoke(context.Background(), newRequest("x"))
		require.NoError(t, err)
		assert.Equal(t, "X", out)
	})

	t.Run("interceptors run in order added", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
				order = append(order, name+":before")
				out, err := next.Invoke(ctx, msg)
				order = append(order, name+":after")
				return out, err
			})
		}

		chain := NewChain(record("first")).Add(record("second"))
		assert.Equal(t, 2, chain.Len())

		out, err := chain.Execute(context.Background(), newRequest("go"), contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
			order = append(order, "callback")
			return msg.Text(), nil
		}))
		require.NoError(t, err)
		assert.Equal(t, "go", out)
		assert.Equal(t, []string{"first:before", "second:before", "callback", "second:after", "first:after"}, order)
	})

	t.Run("interceptor can replace the response", func(t *testing.T) {
		wrap := NewInterceptorFunc("wrap", func(ctx context.Context, msg *contracts.Message, next contracts.Callback) (string, error) {
			out, err := next.Invoke(ctx, msg)
			return "[" + out + "]", err
		})
		out, err := NewChain(wrap).Then(upper()).Invoke(context.Background(), newRequest("hi"))
		require.NoError(t, err)
		assert.Equal(t, "[HI]", out)
		assert.Equal(t, "wrap", wrap.Name())
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	rec := NewRecoveryInterceptor(logger)

	t.Run("panic becomes PanicError", func(t *testing.T) {
		out, err := rec.Intercept(context.Background(), newRequest("x"), contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
			panic("kaboom")
		}))
		assert.Empty(t, out)

		var panicErr *PanicError
		require.True(t, errors.As(err, &panicErr))
		assert.Equal(t, "kaboom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		assert.Contains(t, buf.String(), "Callback panicked")
	})

	t.Run("normal results pass through", func(t *testing.T) {
		out, err := rec.Intercept(context.Background(), newRequest("x"), upper())
		require.NoError(t, err)
		assert.Equal(t, "X", out)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	li := NewLoggingInterceptor(logger)

	_, err := li.Intercept(context.Background(), newRequest("x"), upper())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Callback completed")

	buf.Reset()
	boom := errors.New("boom")
	cb := new(mockCallback)
	cb.On("Invoke", mock.Anything, mock.Anything).Return("", boom)
	_, err = li.Intercept(context.Background(), newRequest("x"), cb)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "Callback failed")
	assert.Contains(t, buf.String(), `"message_id":"msg-1"`)
	cb.AssertExpectations(t)
}

func TestMetricsInterceptor(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		collector := new(mockMetricsCollector)
		collector.On("IncrementMessageCount", "request").Return()
		collector.On("RecordProcessingTime", "request", mock.AnythingOfType("time.Duration")).Return()

		_, err := NewMetricsInterceptor(collector).Intercept(context.Background(), newRequest("x"), upper())
		require.NoError(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementErrorCount", mock.Anything, mock.Anything)
	})

	t.Run("panic is classified", func(t *testing.T) {
		collector := new(mockMetricsCollector)
		collector.On("IncrementMessageCount", "request").Return()
		collector.On("RecordProcessingTime", "request", mock.Anything).Return()
		collector.On("IncrementErrorCount", "request", "panic").Return()

		chain := NewChain(NewMetricsInterceptor(collector), NewRecoveryInterceptor(zerolog.Nop()))
		_, err := chain.Execute(context.Background(), newRequest("x"), contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
			panic("no")
		}))
		assert.Error(t, err)
		collector.AssertExpectations(t)
	})
}

func TestValidationInterceptor(t *testing.T) {
	vi := NewValidationInterceptor()

	_, err := vi.Intercept(context.Background(), &contracts.Message{Type: contracts.MessageTypeRequest}, upper())
	assert.ErrorIs(t, err, contracts.ErrMissingMessageID)

	out, err := vi.Intercept(context.Background(), newRequest("ok"), upper())
	require.NoError(t, err)
	assert.Equal(t, "OK", out)
}

func TestTimeoutInterceptor(t *testing.T) {
	ti := NewTimeoutInterceptor(20 * time.Millisecond)

	t.Run("slow callback times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		_, err := ti.Intercept(context.Background(), newRequest("x"), contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
			<-release
			return "late", nil
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "callback timeout")
	})

	t.Run("fast callback completes", func(t *testing.T) {
		out, err := ti.Intercept(context.Background(), newRequest("x"), upper())
		require.NoError(t, err)
		assert.Equal(t, "X", out)
	})
}
