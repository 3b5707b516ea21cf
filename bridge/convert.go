package bridge

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/glimte/fabricbridge/contracts"
	"github.com/glimte/fabricbridge/fabric"
)

// canonicalize maps a fabric message onto the host representation. Only the
// fields that belong to the message type are carried over; error responses
// never carry a payload.
func canonicalize(m *fabric.Message) (*contracts.Message, error) {
	msg := &contracts.Message{
		Version:   m.Version,
		MessageID: m.MessageID,
		ClientID:  m.SourceClientID,
		BrokerID:  m.SourceBrokerID,
		Type:      contracts.MessageType(m.Type),
		BrokerIDs: append([]string{}, m.BrokerIDs...),
		ClientIDs: append([]string{}, m.ClientIDs...),
	}

	switch m.Type {
	case fabric.TypeEvent:
		msg.Topic = m.DestinationTopic
	case fabric.TypeRequest:
		msg.Topic = m.DestinationTopic
		msg.ReplyToTopic = m.ReplyToTopic
		msg.ServiceID = m.ServiceID
	case fabric.TypeResponse:
		msg.RequestMessageID = m.RequestMessageID
		msg.ServiceID = m.ServiceID
	case fabric.TypeError:
		msg.RequestMessageID = m.RequestMessageID
		msg.ErrorCode = m.ErrorCode
		msg.ErrorMessage = m.ErrorMessage
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %d", contracts.ErrInvalidType, int(m.Type))
	}

	if m.Payload != nil {
		if !utf8.Valid(m.Payload) {
			return nil, contracts.ErrInvalidPayload
		}
		msg.Payload = bytes.Clone(m.Payload)
	}
	return msg, nil
}
