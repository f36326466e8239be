package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

// OrderEvent is one committed lifecycle change.
type OrderEvent struct {
	OrderID     string        `json:"order_id"`
	Status      models.Status `json:"status"`
	RequesterID string        `json:"requester_id"`
	DriverID    string        `json:"driver_id,omitempty"`
	At          time.Time     `json:"at"`
	Order       models.Order  `json:"order"`
}

// EventProducer writes order events asynchronously; Publish never blocks
// the caller and failures are only logged.
type EventProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewEventProducer(brokers []string, topic string, logger *slog.Logger) *EventProducer {
	p := &EventProducer{logger: logger.With("component", "order_events")}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion:   p.completed,
	}
	return p
}

func (p *EventProducer) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	observability.PersistFailures.WithLabelValues("order_event").Add(float64(len(msgs)))
	p.logger.Warn("order events not delivered", "count", len(msgs), "err", err)
}

func (p *EventProducer) PublishOrder(o models.Order) {
	msg, err := EncodeOrderEvent(o)
	if err != nil {
		p.logger.Error("encode order event", "order_id", o.ID, "err", err)
		return
	}
	// with Async set WriteMessages only enqueues
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		p.logger.Warn("enqueue order event", "order_id", o.ID, "err", err)
	}
}

// EncodeOrderEvent keys the event by order id so one order's events stay on
// one partition, in order.
func EncodeOrderEvent(o models.Order) (kafka.Message, error) {
	ev := OrderEvent{
		OrderID:     o.ID,
		Status:      o.Status,
		RequesterID: o.RequesterID,
		DriverID:    o.DriverID,
		At:          o.UpdatedAt,
		Order:       o,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(o.ID),
		Value:   b,
		Headers: []kafka.Header{{Key: "status", Value: []byte(o.Status)}},
	}, nil
}

func (p *EventProducer) Close() error { return p.writer.Close() }
