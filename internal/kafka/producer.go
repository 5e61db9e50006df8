package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing prediction lifecycle events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// PublishPredictionEvent publishes a lifecycle event for p, keyed by ticker
// so every event for one symbol lands on the same partition.
func (p *Producer) PublishPredictionEvent(ctx context.Context, eventType string, prediction *models.Prediction) error {
	event := models.PredictionEvent{
		EventType:    eventType,
		Prediction:   prediction,
		PredictionID: prediction.ID,
		Ticker:       prediction.Ticker,
		Timestamp:    time.Now(),
	}
	return p.publish(ctx, prediction.Ticker, event)
}

func (p *Producer) publish(ctx context.Context, key string, event models.PredictionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
