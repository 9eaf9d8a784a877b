package relay

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// amqpChannel is satisfied by *amqp.Channel.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes envelopes to a queue through the default exchange.
type AMQP struct {
	channel amqpChannel
	queue   string
	conn    *amqp.Connection
}

func NewAMQP(channel amqpChannel, queue string) *AMQP {
	return &AMQP{channel: channel, queue: queue}
}

// DialAMQP connects, opens a channel and declares a durable queue.
func DialAMQP(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &AMQP{channel: ch, queue: queue, conn: conn}, nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Deliver(ctx context.Context, env model.MessageEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return a.channel.PublishWithContext(ctx,
		"",      // exchange
		a.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.EventID,
			Timestamp:    env.ReceivedAt,
			Type:         "messaging.message_received",
			Body:         body,
		},
	)
}

// Close closes the channel and connection opened by DialAMQP.
func (a *AMQP) Close() error {
	if c, ok := a.channel.(*amqp.Channel); ok && c != nil {
		_ = c.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

