package contracts

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MessageType identifies the kind of fabric message. The numeric values
// match the fabric's wire values.
type MessageType int

const (
	MessageTypeRequest  MessageType = 0
	MessageTypeResponse MessageType = 1
	MessageTypeEvent    MessageType = 2
	MessageTypeError    MessageType = 3
)

// String returns the lower-case name of the message type
func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	case MessageTypeEvent:
		return "event"
	case MessageTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler
func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid message type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Valid reports whether t is one of the four known message types
func (t MessageType) Valid() bool {
	return t >= MessageTypeRequest && t <= MessageTypeError
}

// ParseMessageType parses the name produced by MessageType.String
func ParseMessageType(s string) (MessageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request":
		return MessageTypeRequest, nil
	case "response":
		return MessageTypeResponse, nil
	case "event":
		return MessageTypeEvent, nil
	case "error":
		return MessageTypeError, nil
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

var (
	// ErrMissingMessageID is returned by Validate when MessageID is empty
	ErrMissingMessageID = errors.New("contracts: message id is required")
	// ErrMissingTopic is returned by Validate for events and requests without a topic
	ErrMissingTopic = errors.New("contracts: topic is required for events and requests")
	// ErrInvalidType is returned by Validate for an unknown message type
	ErrInvalidType = errors.New("contracts: invalid message type")
	// ErrAmbiguousResponse is returned by Validate for a response that carries
	// both or neither of a payload and an error
	ErrAmbiguousResponse = errors.New("contracts: response must carry either a payload or an error")
	// ErrInvalidPayload is returned when the payload is not valid UTF-8
	ErrInvalidPayload = errors.New("contracts: payload is not valid UTF-8")
)

// Message is the host-facing representation of a single fabric message.
// Events, requests, responses and error responses share this shape; fields
// that do not apply to a message type are left at their zero value.
//
// Payload is nil when absent. Error responses never carry a payload.
type Message struct {
	Topic            string      `json:"topic,omitempty"`
	Version          int         `json:"version"`
	MessageID        string      `json:"messageId"`
	ClientID         string      `json:"clientId,omitempty"`
	BrokerID         string      `json:"brokerId,omitempty"`
	Type             MessageType `json:"messageType"`
	BrokerIDs        []string    `json:"brokerIdList"`
	ClientIDs        []string    `json:"clientIdList"`
	ReplyToTopic     string      `json:"replyToTopic,omitempty"`
	ServiceID        string      `json:"serviceId,omitempty"`
	RequestMessageID string      `json:"requestMessageId,omitempty"`
	Payload          []byte      `json:"payload,omitempty"`
	ErrorCode        int         `json:"errorCode,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
}

// HasPayload reports whether a payload is present
func (m *Message) HasPayload() bool {
	return m.Payload != nil
}

// Text returns the payload as text. An absent payload yields "".
func (m *Message) Text() string {
	return string(m.Payload)
}

// IsError reports whether the message is an error response
func (m *Message) IsError() bool {
	return m.Type == MessageTypeError
}

// Validate checks the structural invariants of the message
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, int(m.Type))
	}
	if m.MessageID == "" {
		return ErrMissingMessageID
	}
	switch m.Type {
	case MessageTypeEvent, MessageTypeRequest:
		if m.Topic == "" {
			return ErrMissingTopic
		}
	case MessageTypeResponse:
		if m.Payload == nil || m.ErrorCode != 0 || m.ErrorMessage != "" {
			return ErrAmbiguousResponse
		}
	case MessageTypeError:
		if m.Payload != nil || (m.ErrorCode == 0 && m.ErrorMessage == "") {
			return ErrAmbiguousResponse
		}
	}
	if m.Payload != nil && !utf8.Valid(m.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.BrokerIDs = cloneStrings(m.BrokerIDs)
	c.ClientIDs = cloneStrings(m.ClientIDs)
	if m.Payload != nil {
		c.Payload = append([]byte{}, m.Payload...)
	}
	return &c
}

// String renders a multi-line diagnostic view of the message. Type-specific
// fields are only printed for the types they belong to.
func (m *Message) String() string {
	var b strings.Builder
	rule := strings.Repeat("-", 60)

	b.WriteString(rule + "\n")
	if m.Topic != "" {
		b.WriteString(strings.Repeat("-", 50) + "\n")
		fmt.Fprintf(&b, "   Topic:          %s\n", m.Topic)
		b.WriteString(strings.Repeat("-", 50) + "\n")
	}
	fmt.Fprintf(&b, "   Version:        %d\n", m.Version)
	fmt.Fprintf(&b, "   Message type:   %s\n", m.Type)
	fmt.Fprintf(&b, "   Message id:     %s\n", m.MessageID)
	fmt.Fprintf(&b, "   Client id:      %s\n", m.ClientID)
	fmt.Fprintf(&b, "   Broker id:      %s\n", m.BrokerID)
	fmt.Fprintf(&b, "   Client id list: [%s]\n", strings.Join(m.ClientIDs, ", "))
	fmt.Fprintf(&b, "   Broker id list: [%s]\n", strings.Join(m.BrokerIDs, ", "))
	if m.HasPayload() {
		fmt.Fprintf(&b, "   Payload:        %s\n", m.Text())
	}

	switch m.Type {
	case MessageTypeRequest:
		fmt.Fprintf(&b, "   ReplyTo topic:  %s\n", m.ReplyToTopic)
		fmt.Fprintf(&b, "   Service id:     %s\n", m.ServiceID)
	case MessageTypeResponse:
		fmt.Fprintf(&b, "   Request Msg id: %s\n", m.RequestMessageID)
		fmt.Fprintf(&b, "   Service id:     %s\n", m.ServiceID)
	case MessageTypeError:
		fmt.Fprintf(&b, "   Request Msg id: %s\n", m.RequestMessageID)
		fmt.Fprintf(&b, "   Error code:     %d\n", m.ErrorCode)
		fmt.Fprintf(&b, "   Error message:  %s\n", m.ErrorMessage)
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
