package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as persistent JSON messages routed by event type.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
}

// NewAMQPSink wraps an open channel.
func NewAMQPSink(ch Channel, exchange string) *AMQPSink {
	return &AMQPSink{ch: ch, exchange: exchange}
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Send implements Sink.
func (s *AMQPSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", ev.Type, err)
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    ev.Time,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close closes the channel and, when dialled here, the connection.
func (s *AMQPSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
