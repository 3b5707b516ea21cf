package fabric

import (
	"encoding/json"
	"fmt"
)

// envelope is the JSON wire form of a Message shared by the network transports
type envelope struct {
	Type             MessageType       `json:"type"`
	Version          int               `json:"version"`
	MessageID        string            `json:"messageId"`
	SourceClientID   string            `json:"sourceClientId,omitempty"`
	SourceBrokerID   string            `json:"sourceBrokerId,omitempty"`
	DestinationTopic string            `json:"destinationTopic,omitempty"`
	BrokerIDs        []string          `json:"brokerIds"`
	ClientIDs        []string          `json:"clientIds"`
	Payload          []byte            `json:"payload"`
	ReplyToTopic     string            `json:"replyToTopic,omitempty"`
	ServiceID        string            `json:"serviceId,omitempty"`
	RequestMessageID string            `json:"requestMessageId,omitempty"`
	ErrorCode        int               `json:"errorCode,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	OtherFields      map[string]string `json:"otherFields,omitempty"`
}

// Encode serializes a message for the wire. A nil payload stays absent
// after decoding; an empty payload stays empty.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	env := envelope{
		Type:             m.Type,
		Version:          m.Version,
		MessageID:        m.MessageID,
		SourceClientID:   m.SourceClientID,
		SourceBrokerID:   m.SourceBrokerID,
		DestinationTopic: m.DestinationTopic,
		BrokerIDs:        m.BrokerIDs,
		ClientIDs:        m.ClientIDs,
		Payload:          m.Payload,
		ReplyToTopic:     m.ReplyToTopic,
		ServiceID:        m.ServiceID,
		RequestMessageID: m.RequestMessageID,
		ErrorCode:        m.ErrorCode,
		ErrorMessage:     m.ErrorMessage,
		OtherFields:      m.OtherFields,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message produced by Encode
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	m := &Message{
		Type:             env.Type,
		Version:          env.Version,
		MessageID:        env.MessageID,
		SourceClientID:   env.SourceClientID,
		SourceBrokerID:   env.SourceBrokerID,
		DestinationTopic: env.DestinationTopic,
		BrokerIDs:        env.BrokerIDs,
		ClientIDs:        env.ClientIDs,
		Payload:          env.Payload,
		ReplyToTopic:     env.ReplyToTopic,
		ServiceID:        env.ServiceID,
		RequestMessageID: env.RequestMessageID,
		ErrorCode:        env.ErrorCode,
		ErrorMessage:     env.ErrorMessage,
		OtherFields:      env.OtherFields,
	}
	if m.BrokerIDs == nil {
		m.BrokerIDs = []string{}
	}
	if m.ClientIDs == nil {
		m.ClientIDs = []string{}
	}
	return m, nil
}
