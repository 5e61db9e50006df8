package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a prediction
type Status string

// Prediction status constants
const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// ModelType selects the network family used by the external predictor
type ModelType string

// Model type constants
const (
	ModelLSTM ModelType = "lstm"
	ModelGRU  ModelType = "gru"
	ModelRNN  ModelType = "rnn"
)

// Timeline is the forecast horizon code
type Timeline string

// Timeline constants
const (
	TimelineOneDay    Timeline = "1d"
	TimelineTwoWeeks  Timeline = "2w"
	TimelineTwoMonths Timeline = "2m"
)

// SectorGeneral is used when no sector model was requested
const SectorGeneral = "general"

var modelTypes = map[ModelType]bool{
	ModelLSTM: true,
	ModelGRU:  true,
	ModelRNN:  true,
}

var timelines = map[Timeline]bool{
	TimelineOneDay:    true,
	TimelineTwoWeeks:  true,
	TimelineTwoMonths: true,
}

// ParseModelType normalizes and validates a model type code
func ParseModelType(s string) (ModelType, error) {
	m := ModelType(strings.ToLower(strings.TrimSpace(s)))
	if !modelTypes[m] {
		return "", fmt.Errorf("unknown model type: %q", s)
	}
	return m, nil
}

// ParseTimeline normalizes and validates a timeline code
func ParseTimeline(s string) (Timeline, error) {
	t := Timeline(strings.ToLower(strings.TrimSpace(s)))
	if !timelines[t] {
		return "", fmt.Errorf("unknown timeline: %q", s)
	}
	return t, nil
}

// NormalizeTicker upper-cases and trims a ticker symbol
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSector returns the sector tag stored on a prediction
func NormalizeSector(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, SectorGeneral) {
		return SectorGeneral
	}
	return strings.ToUpper(s)
}

// Prediction represents one requested forecast and its observed outcome
type Prediction struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Ticker    string     `json:"ticker"`
	ModelType ModelType  `json:"model_type"`
	Timeline  Timeline   `json:"timeline"`
	Sector    string     `json:"sector"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	Status       Status     `json:"status"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	StartPrice     *float64 `json:"start_price"`
	PredictedPrice *float64 `json:"predicted_price"`
	ActualPrice    *float64 `json:"actual_price"`

	PriceDifference    *float64 `json:"price_difference"`
	PredictionAccuracy *float64 `json:"prediction_accuracy"`
	SquaredError       *float64 `json:"squared_error"`
	MSE                *float64 `json:"mse"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PredictionFilter narrows a prediction listing. Empty fields match everything.
type PredictionFilter struct {
	Ticker    string
	ModelType string
	Timeline  string
	Sector    string
}
