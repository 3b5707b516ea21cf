package fabric

import (
	"fmt"

	"github.com/google/uuid"
)

// MessageVersion is the message format version stamped on new messages
const MessageVersion = 3

// MessageType identifies the kind of a fabric message on the wire
type MessageType int

const (
	TypeRequest  MessageType = 0
	TypeResponse MessageType = 1
	TypeEvent    MessageType = 2
	TypeError    MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Message is a fabric-native message. Transports move it between clients,
// stamping the trace lists as it crosses brokers.
type Message struct {
	Type             MessageType
	Version          int
	MessageID        string
	SourceClientID   string
	SourceBrokerID   string
	DestinationTopic string
	BrokerIDs        []string
	ClientIDs        []string
	Payload          []byte

	// Request fields
	ReplyToTopic string
	ServiceID    string

	// Response fields
	RequestMessageID string
	ErrorCode        int
	ErrorMessage     string

	OtherFields map[string]string
}

// NewMessageID returns a fresh unique message id
func NewMessageID() string {
	return uuid.NewString()
}

func newMessage(t MessageType, topic string) *Message {
	return &Message{
		Type:             t,
		Version:          MessageVersion,
		MessageID:        NewMessageID(),
		DestinationTopic: topic,
		BrokerIDs:        []string{},
		ClientIDs:        []string{},
	}
}

// NewEvent creates an event addressed to topic
func NewEvent(topic string) *Message {
	return newMessage(TypeEvent, topic)
}

// NewRequest creates a request addressed to topic. The transport fills in
// the reply-to topic when the request is sent.
func NewRequest(topic string) *Message {
	return newMessage(TypeRequest, topic)
}

// NewResponse creates a response correlated to req and routed back to the
// requester's reply-to topic
func NewResponse(req *Message) *Message {
	m := newMessage(TypeResponse, req.ReplyToTopic)
	m.RequestMessageID = req.MessageID
	m.ServiceID = req.ServiceID
	return m
}

// NewErrorResponse creates an error response correlated to req
func NewErrorResponse(req *Message, code int, message string) *Message {
	m := NewResponse(req)
	m.Type = TypeError
	m.ErrorCode = code
	m.ErrorMessage = message
	return m
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	c := *m
	c.BrokerIDs = append([]string{}, m.BrokerIDs...)
	c.ClientIDs = append([]string{}, m.ClientIDs...)
	if m.Payload != nil {
		c.Payload = append([]byte{}, m.Payload...)
	}
	if m.OtherFields != nil {
		c.OtherFields = make(map[string]string, len(m.OtherFields))
		for k, v := range m.OtherFields {
			c.OtherFields[k] = v
		}
	}
	return &c
}

// Stamp records that the message passed through the given broker on behalf
// of the given client, and fills in the source ids when they are unset
func (m *Message) Stamp(brokerID, clientID string) {
	if m.SourceBrokerID == "" {
		m.SourceBrokerID = brokerID
	}
	if m.SourceClientID == "" {
		m.SourceClientID = clientID
	}
	if brokerID != "" && !contains(m.BrokerIDs, brokerID) {
		m.BrokerIDs = append(m.BrokerIDs, brokerID)
	}
	if clientID != "" && !contains(m.ClientIDs, clientID) {
		m.ClientIDs = append(m.ClientIDs, clientID)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
