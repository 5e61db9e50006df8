package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

// PredictionRequester accepts prediction requests arriving over Kafka
type PredictionRequester interface {
	RequestPrediction(ctx context.Context, req models.PredictionRequestEvent) (*models.Prediction, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
	Config() kafka.ReaderConfig
}

// Consumer turns PREDICTION_REQUESTED events into queued predictions
type Consumer struct {
	reader    messageReader
	requester PredictionRequester
	logger    zerolog.Logger
}

// NewConsumer creates a new Kafka consumer for prediction requests
func NewConsumer(brokers []string, topic, groupID string, requester PredictionRequester, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:    reader,
		requester: requester,
		logger:    logger.With().Str("component", "kafka_consumer").Logger(),
	}
}

// Start begins consuming messages from Kafka and blocks until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Str("topic", c.reader.Config().Topic).Msg("Starting Kafka consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Kafka consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.reader.Close()
					return nil // Context cancelled, normal shutdown
				}
				c.logger.Error().Err(err).Msg("Error reading message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Error processing message")
				// Continue processing other messages
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	c.logger.Debug().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("key", string(msg.Key)).
		Msg("Received message")

	var event models.PredictionRequestEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal prediction request: %w", err)
	}

	// Only process PREDICTION_REQUESTED events
	if event.EventType != models.EventPredictionRequested {
		c.logger.Debug().Str("event_type", event.EventType).Msg("Ignoring event type")
		return nil
	}
	if event.UserID == "" {
		return fmt.Errorf("prediction request for %s has no user_id", event.Ticker)
	}

	p, err := c.requester.RequestPrediction(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to request prediction for %s: %w", event.Ticker, err)
	}

	c.logger.Info().
		Str("prediction_id", p.ID).
		Str("ticker", p.Ticker).
		Str("user_id", p.UserID).
		Msg("Queued prediction from Kafka request")
	return nil
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
