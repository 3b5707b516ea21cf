package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType(t *testing.T) {
	t.Run("wire values match the fabric", func(t *testing.T) {
		assert.Equal(t, 0, int(MessageTypeRequest))
		assert.Equal(t, 1, int(MessageTypeResponse))
		assert.Equal(t, 2, int(MessageTypeEvent))
		assert.Equal(t, 3, int(MessageTypeError))
	})

	t.Run("String and Parse agree", func(t *testing.T) {
		for _, mt := range []MessageType{MessageTypeRequest, MessageTypeResponse, MessageTypeEvent, MessageTypeError} {
			parsed, err := ParseMessageType(mt.String())
			require.NoError(t, err)
			assert.Equal(t, mt, parsed)
		}
	})

	t.Run("unknown type renders and fails to marshal", func(t *testing.T) {
		mt := MessageType(9)
		assert.Equal(t, "unknown(9)", mt.String())
		assert.False(t, mt.Valid())
		_, err := mt.MarshalText()
		assert.Error(t, err)
	})

	t.Run("JSON uses names", func(t *testing.T) {
		msg := Message{MessageID: "m1", Type: MessageTypeEvent, Topic: "/t"}
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"messageType":"event"`)

		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, MessageTypeEvent, decoded.Type)
	})

	t.Run("Parse rejects garbage", func(t *testing.T) {
		_, err := ParseMessageType("notify")
		assert.Error(t, err)
	})
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{
			name: "event with topic",
			msg:  Message{MessageID: "1", Type: MessageTypeEvent, Topic: "/t", Payload: []byte("x")},
		},
		{
			name:    "event without topic",
			msg:     Message{MessageID: "1", Type: MessageTypeEvent},
			wantErr: ErrMissingTopic,
		},
		{
			name:    "missing id",
			msg:     Message{Type: MessageTypeRequest, Topic: "/t"},
			wantErr: ErrMissingMessageID,
		},
		{
			name: "response with payload",
			msg:  Message{MessageID: "1", Type: MessageTypeResponse, Payload: []byte{}},
		},
		{
			name:    "response without payload",
			msg:     Message{MessageID: "1", Type: MessageTypeResponse},
			wantErr: ErrAmbiguousResponse,
		},
		{
			name: "error response with code",
			msg:  Message{MessageID: "1", Type: MessageTypeError, ErrorCode: 7, ErrorMessage: "boom"},
		},
		{
			name:    "error response with payload",
			msg:     Message{MessageID: "1", Type: MessageTypeError, ErrorCode: 7, Payload: []byte("x")},
			wantErr: ErrAmbiguousResponse,
		},
		{
			name:    "error response without error",
			msg:     Message{MessageID: "1", Type: MessageTypeError},
			wantErr: ErrAmbiguousResponse,
		},
		{
			name:    "invalid utf8",
			msg:     Message{MessageID: "1", Type: MessageTypeEvent, Topic: "/t", Payload: []byte{0xff, 0xfe}},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "invalid type",
			msg:     Message{MessageID: "1", Type: MessageType(42)},
			wantErr: ErrInvalidType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestMessagePayload(t *testing.T) {
	t.Run("nil payload is absent", func(t *testing.T) {
		msg := &Message{}
		assert.False(t, msg.HasPayload())
		assert.Equal(t, "", msg.Text())
	})

	t.Run("empty payload is present", func(t *testing.T) {
		msg := &Message{Payload: []byte{}}
		assert.True(t, msg.HasPayload())
	})
}

func TestMessageClone(t *testing.T) {
	orig := &Message{
		MessageID: "m1",
		Type:      MessageTypeEvent,
		BrokerIDs: []string{"b1"},
		ClientIDs: []string{"c1"},
		Payload:   []byte("hello"),
	}
	clone := orig.Clone()
	clone.BrokerIDs[0] = "changed"
	clone.Payload[0] = 'H'

	assert.Equal(t, "b1", orig.BrokerIDs[0])
	assert.Equal(t, "hello", orig.Text())
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestMessageString(t *testing.T) {
	t.Run("request shows reply topic and service", func(t *testing.T) {
		msg := &Message{
			Topic:        "/a/b",
			MessageID:    "req-1",
			Type:         MessageTypeRequest,
			ReplyToTopic: "/reply",
			ServiceID:    "svc-1",
			Payload:      []byte("hello"),
		}
		out := msg.String()
		assert.Contains(t, out, "Topic:          /a/b")
		assert.Contains(t, out, "Message type:   request")
		assert.Contains(t, out, "ReplyTo topic:  /reply")
		assert.Contains(t, out, "Payload:        hello")
		assert.NotContains(t, out, "Error code")
	})

	t.Run("error shows code and omits payload", func(t *testing.T) {
		msg := &Message{
			MessageID:        "resp-1",
			Type:             MessageTypeError,
			RequestMessageID: "req-1",
			ErrorCode:        42,
			ErrorMessage:     "nope",
		}
		out := msg.String()
		assert.Contains(t, out, "Request Msg id: req-1")
		assert.Contains(t, out, "Error code:     42")
		assert.Contains(t, out, "Error message:  nope")
		assert.NotContains(t, out, "Payload")
		assert.NotContains(t, out, "Topic:")
	})

	t.Run("lists are joined", func(t *testing.T) {
		msg := &Message{MessageID: "1", Type: MessageTypeEvent, BrokerIDs: []string{"b1", "b2"}}
		assert.True(t, strings.Contains(msg.String(), "Broker id list: [b1, b2]"))
	})
}

func TestCallbackAdapters(t *testing.T) {
	t.Run("CallbackFunc returns its value", func(t *testing.T) {
		cb := CallbackFunc(func(ctx context.Context, msg *Message) (string, error) {
			return strings.ToUpper(msg.Text()), nil
		})
		out, err := cb.Invoke(context.Background(), &Message{Payload: []byte("hi")})
		require.NoError(t, err)
		assert.Equal(t, "HI", out)
	})

	t.Run("EventFunc returns empty payload", func(t *testing.T) {
		var seen string
		cb := EventFunc(func(ctx context.Context, msg *Message) {
			seen = msg.Text()
		})
		out, err := cb.Invoke(context.Background(), &Message{Payload: []byte("hi")})
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Equal(t, "hi", seen)
	})
}
