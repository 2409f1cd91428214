package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is returned when the broker negatively confirms a publish
var ErrNacked = errors.New("publish not confirmed by broker")

// Topology names the exchange and queues backing one logical job queue
type Topology struct {
	Exchange string
	Queue    string
	Events   string
}

// NewTopology derives the queue names for a logical queue
func NewTopology(exchange, queue string) Topology {
	return Topology{
		Exchange: exchange,
		Queue:    queue,
		Events:   queue + ".events",
	}
}

// Declare declares the exchange, the work and events queues and their
// bindings
func (t Topology) Declare(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		t.Exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, name := range []string{t.Queue, t.Events} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		// each queue is bound under its own name
		if err := ch.QueueBind(name, name, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", name, err)
		}
	}

	return nil
}

// Publisher publishes persistent messages on a confirm-mode channel
type Publisher struct {
	ch       *amqp.Channel
	exchange string
}

// NewPublisher puts the channel in confirm mode
func NewPublisher(ch *amqp.Channel, exchange string) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Publish sends msg to the routing key and waits for the broker confirm
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent

	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}
