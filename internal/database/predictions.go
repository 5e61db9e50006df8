package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trogers1052/stock-prediction-service/internal/metrics"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

var (
	// ErrNotFound is returned when no prediction matches
	ErrNotFound = errors.New("prediction not found")

	// ErrStateConflict is returned when a status transition is not allowed
	// from the row's current state
	ErrStateConflict = errors.New("prediction state conflict")
)

const predictionColumns = `
	id, user_id, ticker, model_type, timeline, sector, start_date, end_date,
	status, queued_at, started_at, completed_at, failed_at, error_message,
	start_price, predicted_price, actual_price,
	price_difference, prediction_accuracy, squared_error, mse,
	created_at, updated_at
`

// CreatePrediction inserts a new prediction. An ID is generated when empty.
func (db *DB) CreatePrediction(p *models.Prediction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `
		INSERT INTO predictions (
			id, user_id, ticker, model_type, timeline, sector, start_date, end_date,
			status, queued_at, start_price, predicted_price, actual_price,
			price_difference, prediction_accuracy, squared_error, mse,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	now := time.Now().UTC()
	_, err := db.conn.Exec(query,
		p.ID, p.UserID, p.Ticker, p.ModelType, p.Timeline, p.Sector, p.StartDate, p.EndDate,
		p.Status, p.QueuedAt, p.StartPrice, p.PredictedPrice, p.ActualPrice,
		p.PriceDifference, p.PredictionAccuracy, p.SquaredError, p.MSE,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create prediction: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetPrediction retrieves a prediction by ID regardless of owner
func (db *DB) GetPrediction(id string) (*models.Prediction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE id = $1`
	return db.scanPrediction(db.conn.QueryRow(query, id), id)
}

// GetPredictionForUser retrieves a prediction by ID if userID owns it
func (db *DB) GetPredictionForUser(userID, id string) (*models.Prediction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE id = $1 AND user_id = $2`
	return db.scanPrediction(db.conn.QueryRow(query, id, userID), id)
}

// ListPredictions returns a user's predictions, newest first. Filter fields
// are exact, case-insensitive matches.
func (db *DB) ListPredictions(userID string, f models.PredictionFilter) ([]*models.Prediction, error) {
	where := []string{"user_id = $1"}
	args := []interface{}{userID}

	add := func(column, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("LOWER(%s) = LOWER($%d)", column, len(args)))
	}
	add("ticker", f.Ticker)
	add("model_type", f.ModelType)
	add("timeline", f.Timeline)
	add("sector", f.Sector)

	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id`

	return db.scanPredictions(db.conn.Query(query, args...))
}

// ListUnresolved returns predictions that have an end date but no actual
// price yet. An empty userID covers every user.
func (db *DB) ListUnresolved(userID string) ([]*models.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions
		WHERE end_date IS NOT NULL AND actual_price IS NULL
		AND ($1::TEXT = '' OR user_id = $1)
		ORDER BY end_date, id`
	return db.scanPredictions(db.conn.Query(query, userID))
}

// SetStartPrice records the reference price if none is stored yet
func (db *DB) SetStartPrice(id string, price float64) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE predictions SET start_price = $2
		WHERE id = $1 AND start_price IS NULL AND actual_price IS NULL
	`, id, price)
	if err != nil {
		return false, fmt.Errorf("failed to set start price: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

// MarkRunning moves a queued prediction to Running
func (db *DB) MarkRunning(id string) error {
	result, err := db.conn.Exec(`
		UPDATE predictions SET status = 'Running', started_at = NOW()
		WHERE id = $1 AND status = 'Queued'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark prediction running: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s is not queued", ErrStateConflict, id)
	}
	return nil
}

// CompletePrediction stores the predicted price together with freshly
// computed metrics. The write only lands while actual_price still equals
// expectedActual; false means another writer got there first.
func (db *DB) CompletePrediction(id string, predicted float64, expectedActual *float64, m metrics.Result) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE predictions SET
			status = 'Completed', completed_at = NOW(), error_message = NULL,
			predicted_price = $2,
			price_difference = $3, prediction_accuracy = $4, squared_error = $5, mse = $6
		WHERE id = $1 AND actual_price IS NOT DISTINCT FROM $7::DOUBLE PRECISION
	`, id, predicted, m.PriceDifference, m.PredictionAccuracy, m.SquaredError, m.MSE, expectedActual)
	if err != nil {
		return false, fmt.Errorf("failed to complete prediction: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

// FailPrediction marks a prediction Failed. The predicted price is left as is.
func (db *DB) FailPrediction(id, message string) error {
	result, err := db.conn.Exec(`
		UPDATE predictions SET status = 'Failed', failed_at = NOW(), error_message = $2
		WHERE id = $1
	`, id, message)
	if err != nil {
		return fmt.Errorf("failed to mark prediction failed: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetActualPrice records the observed price with its metrics. It only
// applies while actual_price is unset and the predicted and start prices are
// the ones the metrics were computed from; false means nothing was written.
func (db *DB) SetActualPrice(id string, actual float64, expectedPredicted, expectedStart *float64, m metrics.Result) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE predictions SET
			actual_price = $2,
			price_difference = $3, prediction_accuracy = $4, squared_error = $5, mse = $6
		WHERE id = $1 AND actual_price IS NULL
			AND predicted_price IS NOT DISTINCT FROM $7::DOUBLE PRECISION
			AND start_price IS NOT DISTINCT FROM $8::DOUBLE PRECISION
	`, id, actual, m.PriceDifference, m.PredictionAccuracy, m.SquaredError, m.MSE, expectedPredicted, expectedStart)
	if err != nil {
		return false, fmt.Errorf("failed to set actual price: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

// ResetForRetry puts a Failed or stranded Queued prediction back to Queued
func (db *DB) ResetForRetry(id string) error {
	result, err := db.conn.Exec(`
		UPDATE predictions SET
			status = 'Queued', queued_at = NOW(), started_at = NULL,
			failed_at = NULL, error_message = NULL
		WHERE id = $1 AND status IN ('Failed', 'Queued')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset prediction: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s cannot be retried", ErrStateConflict, id)
	}
	return nil
}

// FailStranded marks Running predictions left behind by a previous process
// as Failed and returns how many were touched.
func (db *DB) FailStranded(message string) (int64, error) {
	result, err := db.conn.Exec(`
		UPDATE predictions SET status = 'Failed', failed_at = NOW(), error_message = $1
		WHERE status = 'Running'
	`, message)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stranded predictions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanPrediction(row *sql.Row, id string) (*models.Prediction, error) {
	p, err := scanPredictionRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

func (db *DB) scanPredictions(rows *sql.Rows, err error) ([]*models.Prediction, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []*models.Prediction
	for rows.Next() {
		p, err := scanPredictionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate predictions: %w", err)
	}
	return out, nil
}

func scanPredictionRow(row rowScanner) (*models.Prediction, error) {
	var p models.Prediction
	var endDate, queuedAt, startedAt, completedAt, failedAt sql.NullTime
	var errorMessage sql.NullString
	var startPrice, predictedPrice, actualPrice sql.NullFloat64
	var priceDifference, predictionAccuracy, squaredError, mse sql.NullFloat64

	err := row.Scan(
		&p.ID, &p.UserID, &p.Ticker, &p.ModelType, &p.Timeline, &p.Sector, &p.StartDate, &endDate,
		&p.Status, &queuedAt, &startedAt, &completedAt, &failedAt, &errorMessage,
		&startPrice, &predictedPrice, &actualPrice,
		&priceDifference, &predictionAccuracy, &squaredError, &mse,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.EndDate = nullTime(endDate)
	p.QueuedAt = nullTime(queuedAt)
	p.StartedAt = nullTime(startedAt)
	p.CompletedAt = nullTime(completedAt)
	p.FailedAt = nullTime(failedAt)
	if errorMessage.Valid {
		p.ErrorMessage = errorMessage.String
	}
	p.StartPrice = nullFloat(startPrice)
	p.PredictedPrice = nullFloat(predictedPrice)
	p.ActualPrice = nullFloat(actualPrice)
	p.PriceDifference = nullFloat(priceDifference)
	p.PredictionAccuracy = nullFloat(predictionAccuracy)
	p.SquaredError = nullFloat(squaredError)
	p.MSE = nullFloat(mse)

	return &p, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
