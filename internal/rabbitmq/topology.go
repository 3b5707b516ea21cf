package rabbitmq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Exchange and queue names of the fabric topology on RabbitMQ
const (
	EventsExchange   = "fabric.events"
	RequestsExchange = "fabric.requests"

	eventQueuePrefix   = "fabric.events."
	serviceQueuePrefix = "fabric.service."
	replyQueuePrefix   = "fabric.reply."
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool   *ChannelPool
	logger zerolog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool:   pool,
		logger: pool.logger,
	}
}

// FabricTopology returns the exchanges every fabric client relies on.
// Events and requests are routed by exact topic match.
func FabricTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: EventsExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: RequestsExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
	}
}

// EventQueueName is the queue that receives the events a client subscribed to
func EventQueueName(clientID string) string {
	return eventQueuePrefix + clientID
}

// ReplyQueueName is the queue that receives responses for a client
func ReplyQueueName(clientID string) string {
	return replyQueuePrefix + clientID
}

// ServiceQueueName is the queue shared by every instance of a service type.
// Instances compete for requests on it.
func ServiceQueueName(serviceType string) string {
	name := strings.TrimSpace(serviceType)
	if name == "" {
		name = "default"
	}
	return serviceQueuePrefix + name
}

// DeclareTopology declares the complete topology on one channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.Exchange, Op: "bind", Err: err}
			}
		}

		tm.logger.Debug().
			Int("exchanges", len(topology.Exchanges)).
			Int("queues", len(topology.Queues)).
			Int("bindings", len(topology.Bindings)).
			Msg("Topology declared")
		return nil
	})
}

// DeclareEventQueue declares the private event queue of a client
func (tm *TopologyManager) DeclareEventQueue(ctx context.Context, clientID string) (string, error) {
	name := EventQueueName(clientID)
	_, err := tm.DeclareQueue(ctx, QueueDeclaration{Name: name, Exclusive: true, AutoDelete: true})
	return name, err
}

// DeclareReplyQueue declares the private reply queue of a client
func (tm *TopologyManager) DeclareReplyQueue(ctx context.Context, clientID string) (string, error) {
	name := ReplyQueueName(clientID)
	_, err := tm.DeclareQueue(ctx, QueueDeclaration{Name: name, Exclusive: true, AutoDelete: true})
	return name, err
}

// DeclareServiceQueue declares the shared queue of a service type and binds
// it to the requests exchange for each topic
func (tm *TopologyManager) DeclareServiceQueue(ctx context.Context, serviceType string, topics []string) (string, error) {
	name := ServiceQueueName(serviceType)
	topology := Topology{
		Queues: []QueueDeclaration{{Name: name, AutoDelete: true}},
	}
	for _, topic := range topics {
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:      name,
			Exchange:   RequestsExchange,
			RoutingKey: topic,
		})
	}
	if err := tm.DeclareTopology(ctx, topology); err != nil {
		return "", err
	}
	return name, nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := declareExchange(ch, exchange); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
		}
		return nil
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
		}
		return nil
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, binding); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.Exchange, Op: "bind", Err: err}
		}
		return nil
	})
}

// UnbindQueue removes a queue binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments); err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.Exchange, Op: "unbind", Err: err}
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		if err != nil {
			return fmt.Errorf("failed to delete queue %s: %w", name, err)
		}
		return nil
	})
}

// GetQueueInfo retrieves queue information
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
