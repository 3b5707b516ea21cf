package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
)

func TestCanonicalize(t *testing.T) {
	t.Run("event keeps topic and payload", func(t *testing.T) {
		ev := fabric.NewEvent("/a")
		ev.Payload = []byte("hi")
		ev.Stamp("b1", "c1")

		msg, err := canonicalize(ev)
		require.NoError(t, err)
		assert.Equal(t, contracts.MessageTypeEvent, msg.Type)
		assert.Equal(t, "/a", msg.Topic)
		assert.Equal(t, "hi", msg.Text())
		assert.Equal(t, "b1", msg.BrokerID)
		assert.Equal(t, "c1", msg.ClientID)
		assert.Equal(t, []string{"b1"}, msg.BrokerIDs)
		assert.Empty(t, msg.ReplyToTopic)
		assert.NoError(t, msg.Validate())
	})

	t.Run("request carries reply topic and service", func(t *testing.T) {
		req := fabric.NewRequest("/svc")
		req.ReplyToTopic = "/reply"
		req.ServiceID = "svc-1"
		req.Payload = []byte("q")

		msg, err := canonicalize(req)
		require.NoError(t, err)
		assert.Equal(t, "/reply", msg.ReplyToTopic)
		assert.Equal(t, "svc-1", msg.ServiceID)
		assert.Empty(t, msg.RequestMessageID)
	})

	t.Run("response drops the topic", func(t *testing.T) {
		req := fabric.NewRequest("/svc")
		req.ReplyToTopic = "/reply"
		resp := fabric.NewResponse(req)
		resp.Payload = []byte{}

		msg, err := canonicalize(resp)
		require.NoError(t, err)
		assert.Empty(t, msg.Topic)
		assert.Equal(t, req.MessageID, msg.RequestMessageID)
		assert.True(t, msg.HasPayload())
		assert.NoError(t, msg.Validate())
	})

	t.Run("error response never carries a payload", func(t *testing.T) {
		req := fabric.NewRequest("/svc")
		resp := fabric.NewErrorResponse(req, fabric.ErrCodeServiceUnavailable, "no service")
		resp.Payload = []byte("leftover")

		msg, err := canonicalize(resp)
		require.NoError(t, err)
		assert.Nil(t, msg.Payload)
		assert.Equal(t, fabric.ErrCodeServiceUnavailable, msg.ErrorCode)
		assert.Equal(t, "no service", msg.ErrorMessage)
		assert.NoError(t, msg.Validate())
	})

	t.Run("payload is copied", func(t *testing.T) {
		ev := fabric.NewEvent("/a")
		ev.Payload = []byte("hi")
		msg, err := canonicalize(ev)
		require.NoError(t, err)

		ev.Payload[0] = 'H'
		assert.Equal(t, "hi", msg.Text())
	})

	t.Run("invalid UTF-8 is rejected", func(t *testing.T) {
		ev := fabric.NewEvent("/a")
		ev.Payload = []byte{0xff, 0xfe}
		_, err := canonicalize(ev)
		assert.ErrorIs(t, err, contracts.ErrInvalidPayload)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		_, err := canonicalize(&fabric.Message{Type: fabric.MessageType(7), MessageID: "x"})
		assert.ErrorIs(t, err, contracts.ErrInvalidType)
	})
}

func TestRunLoopStopIsIdempotent(t *testing.T) {
	var r runLoop
	require.NoError(t, r.begin("test"))
	r.stop()
	r.stop()
	<-r.done()
	r.end()
	assert.False(t, r.isRunning())
	r.stop()
}
