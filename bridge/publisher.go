package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/internal/log"
)

// Publisher posts host payloads to the fabric as events
type Publisher struct {
	cfg  *Config
	conn *ConnectionManager
}

// NewPublisher creates an idle publisher
func NewPublisher(dialer fabric.Dialer, opts ...Option) *Publisher {
	cfg := newConfig(RolePublisher, opts)
	return &Publisher{
		cfg:  cfg,
		conn: newConnectionManager(dialer, RolePublisher, cfg.Logger),
	}
}

// Connect opens the publisher's fabric connection
func (p *Publisher) Connect(ctx context.Context, source string) error {
	return p.conn.Connect(ctx, source)
}

// Disconnect closes the connection; it is a no-op when not connected
func (p *Publisher) Disconnect() error {
	return p.conn.Disconnect()
}

// IsConnected reports whether the publisher has a live connection
func (p *Publisher) IsConnected() bool {
	return p.conn.IsConnected()
}

// SendMessage publishes payload as an event on topic without waiting for
// delivery
func (p *Publisher) SendMessage(ctx context.Context, topic, payload string) (string, error) {
	client := p.conn.live()
	if client == nil {
		return "", newError(KindNotConnected, "publisher.send")
	}
	return p.publish(ctx, client, topic, payload)
}

// PublishOnce connects, publishes a single event and disconnects
func (p *Publisher) PublishOnce(ctx context.Context, source, topic, payload string) (string, error) {
	var ack string
	err := p.conn.WithConnection(ctx, source, func(client fabric.Client) error {
		var err error
		ack, err = p.publish(ctx, client, topic, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return ack, nil
}

func (p *Publisher) publish(ctx context.Context, client fabric.Client, topic, payload string) (string, error) {
	event := fabric.NewEvent(topic)
	event.Payload = []byte(payload)

	err := client.SendEvent(ctx, event)
	p.cfg.Metrics.EventPublished(err)
	if err != nil {
		logger := p.cfg.Logger.With().Str(log.FieldTopic, topic).Str(log.FieldMessageID, event.MessageID).Logger()
		return "", failure(logger, KindCommunicationFailure, "publisher.send", "publish", err)
	}

	p.cfg.Logger.Debug().Str(log.FieldTopic, topic).Str(log.FieldMessageID, event.MessageID).Msg("Event published")
	return fmt.Sprintf("Event successfully posted to topic '%s'", topic), nil
}
