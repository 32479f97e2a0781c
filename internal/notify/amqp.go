package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes events to a durable topic exchange with routing key "<scope>.<key>".
type AMQPSink struct {
	URL      string
	Exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url, exchange string) *AMQPSink {
	return &AMQPSink{URL: url, Exchange: exchange}
}

// RoutingKey returns the topic routing key for evt.
func RoutingKey(evt Event) string {
	key := evt.Key
	if key == "" {
		key = "_"
	}
	return string(evt.Scope) + "." + key
}

func (s *AMQPSink) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.Dial(s.URL)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		s.conn = conn
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", s.Exchange, err)
	}
	s.ch = ch
	return ch, nil
}

func (s *AMQPSink) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(struct {
		Event
		Key string `json:"key,omitempty"`
	}{evt, evt.Key})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, s.Exchange, RoutingKey(evt), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Type:         evt.Type,
		Timestamp:    evt.At,
		Body:         body,
	})
	if err != nil {
		_ = ch.Close()
		s.ch = nil
		return fmt.Errorf("amqp publish %s: %w", evt.Type, err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
