package ordering

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"tableside/internal/domain"
)

const orderType = "dine_in"

// KitchenMessage is published for the kitchen workers.
type KitchenMessage struct {
	OrderID   string            `json:"order_id"`
	OrderType string            `json:"order_type"`
	BranchID  string            `json:"branch_id"`
	TableID   string            `json:"table_id"`
	SessionID string            `json:"session_id"`
	Items     []domain.CartItem `json:"items"`
	Total     decimal.Decimal   `json:"total"`
	Guest     *domain.GuestInfo `json:"guest,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AMQPCreator publishes orders to a topic exchange and assigns the order id itself.
type AMQPCreator struct {
	URL      string
	Exchange string
	Now      func() time.Time

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQPCreator(url, exchange string) *AMQPCreator {
	return &AMQPCreator{URL: url, Exchange: exchange}
}

// KitchenRoutingKey returns the routing key used for a branch's dine-in orders.
func KitchenRoutingKey(branchID string) string {
	return fmt.Sprintf("kitchen.%s.%s", orderType, branchID)
}

func (c *AMQPCreator) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.conn = conn
	return conn, nil
}

func (c *AMQPCreator) CreateOrder(ctx context.Context, req Request) (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	msg := KitchenMessage{
		OrderID:   uuid.NewString(),
		OrderType: orderType,
		BranchID:  req.BranchID,
		TableID:   req.TableID,
		SessionID: req.SessionID,
		Items:     req.Cart.Items,
		Total:     req.Cart.Total,
		Guest:     req.Guest,
		Notes:     req.Notes,
		CreatedAt: now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	conn, err := c.connection()
	if err != nil {
		return "", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return "", fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(c.Exchange, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare exchange: %w", err)
	}
	err = ch.PublishWithContext(ctx, c.Exchange, KitchenRoutingKey(req.BranchID), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    msg.OrderID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish order: %w", err)
	}
	return msg.OrderID, nil
}

func (c *AMQPCreator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
