// Package ingest publishes driver locations and order lifecycle events to
// Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/courier-dispatch/internal/models"
)

// LocationProducer publishes driver presence records, keyed by driver id,
// for the location consumer to mirror into Redis.
type LocationProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &LocationProducer{writer: w, timeout: 2 * time.Second}
}

func (k *LocationProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	msg, err := encodeDriver(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func encodeDriver(d models.Driver) (kafka.Message, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(d.ID), Value: b}, nil
}

// DecodeDriver is the consumer-side counterpart of the location encoding.
func DecodeDriver(m kafka.Message) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return models.Driver{}, err
	}
	if d.ID == "" {
		d.ID = string(m.Key)
	}
	return d, nil
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
