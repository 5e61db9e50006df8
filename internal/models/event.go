package models

import "time"

// Prediction event type constants
const (
	EventPredictionQueued     = "PREDICTION_QUEUED"
	EventPredictionRunning    = "PREDICTION_RUNNING"
	EventPredictionCompleted  = "PREDICTION_COMPLETED"
	EventPredictionFailed     = "PREDICTION_FAILED"
	EventPredictionReconciled = "PREDICTION_RECONCILED"
	EventPredictionRequested  = "PREDICTION_REQUESTED"
)

// PredictionEvent represents a Kafka event for prediction lifecycle changes
type PredictionEvent struct {
	EventType    string      `json:"event_type"`
	Prediction   *Prediction `json:"prediction,omitempty"`
	PredictionID string      `json:"prediction_id"`
	Ticker       string      `json:"ticker"`
	Timestamp    time.Time   `json:"timestamp"`
}

// PredictionRequestEvent is an inbound request to create a prediction
type PredictionRequestEvent struct {
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	Ticker    string    `json:"ticker"`
	ModelType string    `json:"model_type"`
	Timeline  string    `json:"timeline"`
	Sector    string    `json:"sector,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
