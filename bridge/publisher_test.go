package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/transports/memory"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("send without connection makes no transport call", func(t *testing.T) {
		dialer := &mockDialer{}
		publisher := NewPublisher(dialer, quiet())

		ack, err := publisher.SendMessage(ctx, eventTopic, "hello")

		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Empty(t, ack)
		dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
	})

	t.Run("connect send disconnect", func(t *testing.T) {
		broker := memory.NewBroker()
		rec := newRecordingMetrics()
		publisher := NewPublisher(memoryDialer(broker), quiet(), WithMetrics(rec))

		require.NoError(t, publisher.Connect(ctx, "fabric.yaml"))
		assert.True(t, publisher.IsConnected())

		ack, err := publisher.SendMessage(ctx, "/dsa/dxl/test", "Default message")
		require.NoError(t, err)
		assert.Equal(t, "Event successfully posted to topic '/dsa/dxl/test'", ack)

		require.NoError(t, publisher.Disconnect())
		require.NoError(t, publisher.Disconnect())
		assert.False(t, publisher.IsConnected())
		assert.Equal(t, 1, rec.snapshot().published)

		_, err = publisher.SendMessage(ctx, "/dsa/dxl/test", "late")
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("double connect is rejected", func(t *testing.T) {
		broker := memory.NewBroker()
		publisher := NewPublisher(memoryDialer(broker), quiet())
		require.NoError(t, publisher.Connect(ctx, "fabric.yaml"))
		defer publisher.Disconnect()

		assert.ErrorIs(t, publisher.Connect(ctx, "fabric.yaml"), ErrAlreadyConnected)
	})

	t.Run("transport failure is a communication failure", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connect", mock.Anything).Return(nil)
		client.On("IsConnected").Return(true)
		client.On("SendEvent", mock.Anything, mock.MatchedBy(func(m *fabric.Message) bool {
			return m.Type == fabric.TypeEvent && m.DestinationTopic == "/t" && string(m.Payload) == "x"
		})).Return(errors.New("channel closed"))
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)
		rec := newRecordingMetrics()

		publisher := NewPublisher(dialer, quiet(), WithMetrics(rec))
		require.NoError(t, publisher.Connect(ctx, "fabric.yaml"))

		_, err := publisher.SendMessage(ctx, "/t", "x")
		assert.ErrorIs(t, err, ErrCommunicationFailure)
		assert.Equal(t, 1, rec.snapshot().publishFailures)
		client.AssertExpectations(t)
	})

	t.Run("publish once releases the connection on failure", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connect", mock.Anything).Return(nil)
		client.On("SendEvent", mock.Anything, mock.Anything).Return(errors.New("channel closed"))
		client.On("Disconnect", mock.Anything).Return(nil)
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, "fabric.yaml").Return(client, nil)

		publisher := NewPublisher(dialer, quiet())
		_, err := publisher.PublishOnce(ctx, "fabric.yaml", "/t", "x")

		assert.ErrorIs(t, err, ErrCommunicationFailure)
		client.AssertCalled(t, "Disconnect", mock.Anything)
		assert.False(t, publisher.IsConnected())
	})
}
