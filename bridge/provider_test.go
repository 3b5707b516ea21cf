package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/transports/memory"
)

var upperEcho = contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
	return strings.ToUpper(msg.Text()), nil
})

func fixed(s string) contracts.Callback {
	return contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
		return s, nil
	})
}

func connectedRequester(t *testing.T, broker *memory.Broker, opts ...Option) *Requester {
	t.Helper()
	requester := NewRequester(memoryDialer(broker), append([]Option{quiet()}, opts...)...)
	require.NoError(t, requester.Connect(context.Background(), "fabric.yaml"))
	t.Cleanup(func() { _ = requester.Disconnect() })
	return requester
}

func TestProviderSingleTopic(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	rec := newRecordingMetrics()
	provider := NewProvider(memoryDialer(broker), quiet(), WithMetrics(rec))

	var mu sync.Mutex
	var seen *contracts.Message
	cb := contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
		mu.Lock()
		seen = msg
		mu.Unlock()
		return upperEcho.Invoke(ctx, msg)
	})

	done := runAsync(func() (string, error) {
		return provider.StartWithSingleTopic(ctx, "fabric.yaml", "myService", "/a/b", cb)
	})
	eventually(t, func() bool { return broker.ServiceCount("/a/b") == 1 })
	assert.True(t, provider.IsRunning())

	requester := connectedRequester(t, broker)
	resp, err := requester.SendMessage(ctx, "/a/b", "hello")
	require.NoError(t, err)

	assert.Equal(t, contracts.MessageTypeResponse, resp.Type)
	assert.Equal(t, "HELLO", resp.Text())
	assert.NotEmpty(t, resp.ServiceID)

	mu.Lock()
	require.NotNil(t, seen)
	assert.Equal(t, contracts.MessageTypeRequest, seen.Type)
	assert.Equal(t, "/a/b", seen.Topic)
	assert.NotEmpty(t, seen.ReplyToTopic)
	assert.Equal(t, seen.MessageID, resp.RequestMessageID)
	assert.Equal(t, seen.ServiceID, resp.ServiceID)
	mu.Unlock()

	provider.Stop()
	res := awaitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, "Shutting down service provider on topic '/a/b'", res.summary)
	assert.Equal(t, 0, broker.ServiceCount("/a/b"))

	counts := rec.snapshot()
	assert.Equal(t, 1, counts.handled)
	assert.Equal(t, 0, counts.handledErrors)
}

func TestProviderTopicMap(t *testing.T) {
	ctx := context.Background()

	t.Run("routes each topic to its callback", func(t *testing.T) {
		broker := memory.NewBroker()
		provider := NewProvider(memoryDialer(broker), quiet())
		callbacks := map[string]contracts.Callback{
			"/t2": fixed("two"),
			"/t1": fixed("one"),
		}

		done := runAsync(func() (string, error) {
			return provider.StartWithTopicMap(ctx, "fabric.yaml", "multi", callbacks)
		})
		eventually(t, func() bool {
			return broker.ServiceCount("/t1") == 1 && broker.ServiceCount("/t2") == 1
		})

		// the provider works on its own copy
		delete(callbacks, "/t1")

		requester := connectedRequester(t, broker)
		resp, err := requester.SendMessage(ctx, "/t1", "x")
		require.NoError(t, err)
		assert.Equal(t, "one", resp.Text())

		resp, err = requester.SendMessage(ctx, "/t2", "x")
		require.NoError(t, err)
		assert.Equal(t, "two", resp.Text())

		provider.Stop()
		res := awaitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, "Shutting down service provider on topics '/t1,/t2'", res.summary)
	})

	t.Run("second start while running is rejected", func(t *testing.T) {
		broker := memory.NewBroker()
		provider := NewProvider(memoryDialer(broker), quiet())
		done := runAsync(func() (string, error) {
			return provider.StartWithTopicMap(ctx, "fabric.yaml", "svc", map[string]contracts.Callback{"/busy": upperEcho})
		})
		eventually(t, provider.IsRunning)

		_, err := provider.StartWithSingleTopic(ctx, "fabric.yaml", "svc", "/other", upperEcho)
		assert.ErrorIs(t, err, ErrAlreadyStarted)
		_, err = provider.StartWithTopicMap(ctx, "fabric.yaml", "svc", map[string]contracts.Callback{"/other": upperEcho})
		assert.ErrorIs(t, err, ErrAlreadyStarted)
		assert.Equal(t, 0, broker.ServiceCount("/other"))
		assert.True(t, provider.IsRunning())

		provider.Stop()
		require.NoError(t, awaitResult(t, done).err)
	})

	t.Run("empty topic serves the default topic", func(t *testing.T) {
		broker := memory.NewBroker()
		provider := NewProvider(memoryDialer(broker), quiet())
		done := runAsync(func() (string, error) {
			return provider.StartWithSingleTopic(ctx, "fabric.yaml", "svc", "", upperEcho)
		})
		eventually(t, func() bool { return broker.ServiceCount(DefaultProviderTopic) == 1 })
		assert.Equal(t, 0, broker.ServiceCount(""))

		resp, err := connectedRequester(t, broker).SendMessage(ctx, DefaultProviderTopic, "hi")
		require.NoError(t, err)
		assert.Equal(t, "HI", resp.Text())

		provider.Stop()
		res := awaitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, "Shutting down service provider on topic '/dsa/dxl/test/event2'", res.summary)
	})

	t.Run("empty map is rejected before connecting", func(t *testing.T) {
		dialer := &mockDialer{}
		provider := NewProvider(dialer, quiet())

		_, err := provider.StartWithTopicMap(ctx, "fabric.yaml", "svc", map[string]contracts.Callback{})
		assert.ErrorIs(t, err, ErrCallbackRequired)

		_, err = provider.StartWithTopicMap(ctx, "fabric.yaml", "svc", map[string]contracts.Callback{"/t": nil})
		assert.ErrorIs(t, err, ErrCallbackRequired)

		_, err = provider.StartWithSingleTopic(ctx, "fabric.yaml", "svc", "/t", nil)
		assert.ErrorIs(t, err, ErrCallbackRequired)

		dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
	})
}

func TestProviderCallbackFailures(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	rec := newRecordingMetrics()
	provider := NewProvider(memoryDialer(broker), quiet(), WithMetrics(rec))

	cb := contracts.CallbackFunc(func(ctx context.Context, msg *contracts.Message) (string, error) {
		switch msg.Text() {
		case "fail":
			return "", fmt.Errorf("record %s not found", "42")
		case "panic":
			panic("host callback exploded")
		}
		return "ok", nil
	})

	done := runAsync(func() (string, error) {
		return provider.StartWithSingleTopic(ctx, "fabric.yaml", "flaky", "/flaky", cb)
	})
	eventually(t, func() bool { return broker.ServiceCount("/flaky") == 1 })
	requester := connectedRequester(t, broker)

	t.Run("callback error becomes an error response", func(t *testing.T) {
		resp, err := requester.SendMessage(ctx, "/flaky", "fail")
		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeError, resp.Type)
		assert.Equal(t, fabric.ErrCodeCallbackFailed, resp.ErrorCode)
		assert.Equal(t, "record 42 not found", resp.ErrorMessage)
		assert.False(t, resp.HasPayload())
	})

	t.Run("panic becomes an error response", func(t *testing.T) {
		resp, err := requester.SendMessage(ctx, "/flaky", "panic")
		require.NoError(t, err)
		assert.True(t, resp.IsError())
		assert.Equal(t, "service callback panicked", resp.ErrorMessage)
	})

	t.Run("service keeps answering afterwards", func(t *testing.T) {
		resp, err := requester.SendMessage(ctx, "/flaky", "again")
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text())
		assert.True(t, provider.IsRunning())
	})

	provider.Stop()
	require.NoError(t, awaitResult(t, done).err)

	counts := rec.snapshot()
	assert.Equal(t, 3, counts.handled)
	assert.Equal(t, 2, counts.handledErrors)
}

func TestProviderRegistration(t *testing.T) {
	ctx := context.Background()

	newClient := func(registerErr error) *mockClient {
		client := &mockClient{}
		client.On("Connect", mock.Anything).Return(nil)
		client.On("RegisterService", mock.Anything, mock.Anything, DefaultRegistrationTimeout).Return(registerErr)
		client.On("Disconnect", mock.Anything).Return(nil)
		return client
	}

	t.Run("unacknowledged registration times out", func(t *testing.T) {
		client := newClient(fmt.Errorf("registration of svc: %w", fabric.ErrTimeout))
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)
		provider := NewProvider(dialer, quiet())

		_, err := provider.StartWithSingleTopic(ctx, "fabric.yaml", "svc", "/t", upperEcho)

		assert.ErrorIs(t, err, ErrRegistrationTimeout)
		client.AssertCalled(t, "Disconnect", mock.Anything)
		client.AssertNotCalled(t, "UnregisterService", mock.Anything, mock.Anything)
		assert.False(t, provider.IsRunning())
	})

	t.Run("other registration errors are communication failures", func(t *testing.T) {
		client := newClient(errors.New("access refused"))
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)
		provider := NewProvider(dialer, quiet())

		_, err := provider.StartWithSingleTopic(ctx, "fabric.yaml", "svc", "/t", upperEcho)

		assert.ErrorIs(t, err, ErrCommunicationFailure)
	})

	t.Run("registration carries every topic", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connect", mock.Anything).Return(nil)
		client.On("IsConnected").Return(true)
		registered := make(chan struct{})
		client.On("RegisterService", mock.Anything, mock.MatchedBy(func(info *fabric.ServiceInfo) bool {
			return info.ServiceType == "svc" && assert.ObjectsAreEqual([]string{"/x", "/y"}, info.Topics())
		}), DefaultRegistrationTimeout).Return(nil).Once().Run(func(mock.Arguments) { close(registered) })
		client.On("UnregisterService", mock.Anything, mock.Anything).Return(nil)
		client.On("Disconnect", mock.Anything).Return(nil)
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)
		provider := NewProvider(dialer, quiet())

		done := runAsync(func() (string, error) {
			return provider.StartWithTopicMap(ctx, "fabric.yaml", "svc", map[string]contracts.Callback{
				"/y": upperEcho,
				"/x": upperEcho,
			})
		})
		select {
		case <-registered:
		case <-time.After(2 * time.Second):
			t.Fatal("service was never registered")
		}
		provider.Stop()
		require.NoError(t, awaitResult(t, done).err)

		client.AssertExpectations(t)
	})
}
