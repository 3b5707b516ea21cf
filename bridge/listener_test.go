package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/transports/memory"
)

const eventTopic = "/dsa/dxl/test/event2"

// collector is an event callback that keeps what it receives
type collector struct {
	mu   sync.Mutex
	msgs []*contracts.Message
}

func (c *collector) Invoke(ctx context.Context, msg *contracts.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return "", nil
}

func (c *collector) received() []*contracts.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.Message(nil), c.msgs...)
}

func TestListenerStart(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers published events to the callback", func(t *testing.T) {
		broker := memory.NewBroker()
		rec := newRecordingMetrics()
		listener := NewListener(memoryDialer(broker), quiet(), WithMetrics(rec))
		cb := &collector{}

		done := runAsync(func() (string, error) {
			return listener.Start(ctx, "fabric.yaml", eventTopic, cb)
		})
		eventually(t, func() bool { return broker.SubscriberCount(eventTopic) == 1 })
		assert.True(t, listener.IsRunning())

		publisher := NewPublisher(memoryDialer(broker), quiet())
		ack, err := publisher.PublishOnce(ctx, "fabric.yaml", eventTopic, "Default message")
		require.NoError(t, err)
		assert.Equal(t, "Event successfully posted to topic '/dsa/dxl/test/event2'", ack)

		eventually(t, func() bool { return len(cb.received()) == 1 })
		msg := cb.received()[0]
		assert.Equal(t, contracts.MessageTypeEvent, msg.Type)
		assert.Equal(t, eventTopic, msg.Topic)
		assert.Equal(t, "Default message", msg.Text())
		assert.Equal(t, []string{broker.ID()}, msg.BrokerIDs)
		assert.NotEmpty(t, msg.MessageID)
		assert.Equal(t, 1, rec.snapshot().running[RoleListener])

		listener.Stop()
		res := awaitResult(t, done)
		require.NoError(t, res.err)
		assert.Equal(t, "Shutting down event listener on topic '/dsa/dxl/test/event2'", res.summary)
		assert.False(t, listener.IsRunning())

		counts := rec.snapshot()
		assert.Equal(t, 1, counts.eventsReceived)
		assert.Equal(t, 0, counts.running[RoleListener])
		assert.Equal(t, 0, broker.SubscriberCount(eventTopic))
	})

	t.Run("events on other topics are not delivered", func(t *testing.T) {
		broker := memory.NewBroker()
		listener := NewListener(memoryDialer(broker), quiet())
		cb := &collector{}

		done := runAsync(func() (string, error) {
			return listener.Start(ctx, "fabric.yaml", "/a", cb)
		})
		eventually(t, func() bool { return broker.SubscriberCount("/a") == 1 })

		publisher := NewPublisher(memoryDialer(broker), quiet())
		require.NoError(t, publisher.Connect(ctx, "fabric.yaml"))
		_, err := publisher.SendMessage(ctx, "/b", "ignored")
		require.NoError(t, err)
		_, err = publisher.SendMessage(ctx, "/a", "kept")
		require.NoError(t, err)
		require.NoError(t, publisher.Disconnect())

		eventually(t, func() bool { return len(cb.received()) == 1 })
		assert.Equal(t, "kept", cb.received()[0].Text())

		listener.Stop()
		require.NoError(t, awaitResult(t, done).err)
	})

	t.Run("nil callback is rejected before connecting", func(t *testing.T) {
		dialer := &mockDialer{}
		listener := NewListener(dialer, quiet())

		_, err := listener.Start(ctx, "fabric.yaml", eventTopic, nil)

		assert.ErrorIs(t, err, ErrCallbackRequired)
		dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
		assert.False(t, listener.IsRunning())
	})

	t.Run("second start while running is rejected", func(t *testing.T) {
		broker := memory.NewBroker()
		listener := NewListener(memoryDialer(broker), quiet())

		done := runAsync(func() (string, error) {
			return listener.Start(ctx, "fabric.yaml", eventTopic, &collector{})
		})
		eventually(t, listener.IsRunning)

		_, err := listener.Start(ctx, "fabric.yaml", eventTopic, &collector{})
		assert.ErrorIs(t, err, ErrAlreadyStarted)

		listener.Stop()
		require.NoError(t, awaitResult(t, done).err)
	})

	t.Run("can be started again after stop", func(t *testing.T) {
		broker := memory.NewBroker()
		listener := NewListener(memoryDialer(broker), quiet())

		for i := 0; i < 2; i++ {
			done := runAsync(func() (string, error) {
				return listener.Start(ctx, "fabric.yaml", eventTopic, &collector{})
			})
			eventually(t, func() bool { return broker.SubscriberCount(eventTopic) == 1 })
			listener.Stop()
			require.NoError(t, awaitResult(t, done).err)
		}
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		broker := memory.NewBroker()
		listener := NewListener(memoryDialer(broker), quiet())
		runCtx, cancel := context.WithCancel(ctx)

		done := runAsync(func() (string, error) {
			return listener.Start(runCtx, "fabric.yaml", eventTopic, &collector{})
		})
		eventually(t, listener.IsRunning)
		cancel()

		res := awaitResult(t, done)
		require.NoError(t, res.err)
		assert.Contains(t, res.summary, eventTopic)
	})

	t.Run("unreachable fabric is a communication failure", func(t *testing.T) {
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "missing.yaml").Return(nil, errors.New("open missing.yaml: no such file"))
		listener := NewListener(dialer, quiet())

		_, err := listener.Start(ctx, "missing.yaml", eventTopic, &collector{})

		assert.ErrorIs(t, err, ErrCommunicationFailure)
		assert.False(t, listener.IsRunning())
	})

	t.Run("subscribe failure is a communication failure", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connect", mock.Anything).Return(nil)
		client.On("AddEventHandler", mock.Anything, eventTopic, mock.Anything).Return(errors.New("denied"))
		client.On("Disconnect", mock.Anything).Return(nil)
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)
		listener := NewListener(dialer, quiet())

		_, err := listener.Start(ctx, "fabric.yaml", eventTopic, &collector{})

		assert.ErrorIs(t, err, ErrCommunicationFailure)
		client.AssertCalled(t, "Disconnect", mock.Anything)
	})

	t.Run("lost connection ends the loop after the tolerance", func(t *testing.T) {
		broker := memory.NewBroker()
		listener := NewListener(memoryDialer(broker), quiet(),
			WithPollInterval(10*time.Millisecond),
			WithDisconnectTolerance(50*time.Millisecond))

		done := runAsync(func() (string, error) {
			return listener.Start(ctx, "fabric.yaml", eventTopic, &collector{})
		})
		eventually(t, func() bool { return broker.SubscriberCount(eventTopic) == 1 })
		broker.Shutdown()

		res := awaitResult(t, done)
		assert.ErrorIs(t, res.err, ErrCommunicationFailure)
		assert.Empty(t, res.summary)
		assert.False(t, listener.IsRunning())
	})

	t.Run("stop without start has no effect", func(t *testing.T) {
		listener := NewListener(&mockDialer{}, quiet())
		listener.Stop()
		assert.False(t, listener.IsRunning())
	})
}

func TestListenerLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := memory.NewBroker()
	listener := NewListener(memoryDialer(broker), quiet(), WithPollInterval(10*time.Millisecond))

	done := runAsync(func() (string, error) {
		return listener.Start(context.Background(), "fabric.yaml", eventTopic, &collector{})
	})
	eventually(t, listener.IsRunning)
	listener.Stop()
	require.NoError(t, awaitResult(t, done).err)
}
