// Package events publishes booking lifecycle events to a topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentgrid/backend/internal/model"
)

// Booking lifecycle event types. Each doubles as the routing key.
const (
	BookingCreated   = "booking.created"
	BookingActivated = "booking.activated"
	BookingCompleted = "booking.completed"
	BookingCancelled = "booking.cancelled"
	BookingDisputed  = "booking.disputed"
	BookingExpired   = "booking.expired"
)

// BookingEvent is the message body.
type BookingEvent struct {
	Type       string              `json:"type"`
	BookingID  string              `json:"booking_id"`
	ResourceID string              `json:"resource_id"`
	Consumer   string              `json:"consumer"`
	Provider   string              `json:"provider"`
	Status     model.BookingStatus `json:"status"`
	EscrowID   string              `json:"escrow_id,omitempty"`
	TotalCost  string              `json:"total_cost"`
	Reason     string              `json:"reason,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// NewBookingEvent snapshots b.
func NewBookingEvent(eventType string, b *model.Booking, reason string) BookingEvent {
	return BookingEvent{
		Type:       eventType,
		BookingID:  b.ID.String(),
		ResourceID: b.ResourceID,
		Consumer:   b.Consumer,
		Provider:   b.Provider,
		Status:     b.Status,
		EscrowID:   b.EscrowID,
		TotalCost:  b.TotalCost.String(),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher publishes booking events.
type Publisher interface {
	Publish(ctx context.Context, ev BookingEvent) error
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends ev with its type as the routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, ev BookingEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.BookingID + ":" + ev.Type,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(ctx context.Context, ev BookingEvent) error { return nil }
