package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSinkConfig describes the exchange the audit events are published
// to. Events are routed by their type so indexers can bind selectively.
type RabbitMQSinkConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQSink publishes audit events to a topic exchange.
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQSink connects and declares the exchange.
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "inheritchain.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare RabbitMQ exchange: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish implements Sink.
func (s *RabbitMQSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ sink not initialized")
	}
	if event.At == 0 {
		event.At = time.Now().Unix()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Unix(event.At, 0),
		Body:        body,
	})
}

// Close implements Sink.
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Sink = (*RabbitMQSink)(nil)
