// Package prediction ties the queue, the external tools, market data and the
// store together into the prediction lifecycle.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/database"
	"github.com/trogers1052/stock-prediction-service/internal/marketdata"
	"github.com/trogers1052/stock-prediction-service/internal/metrics"
	"github.com/trogers1052/stock-prediction-service/internal/models"
	"github.com/trogers1052/stock-prediction-service/internal/predictor"
	"github.com/trogers1052/stock-prediction-service/internal/queue"
	"github.com/trogers1052/stock-prediction-service/internal/reconcile"
)

var (
	// ErrQueueFull is returned when the backlog is at its admission cap. The
	// prediction record is kept in Queued state and can be retried.
	ErrQueueFull = errors.New("too many pending predictions, try again shortly")

	// ErrNotFound is returned for unknown or foreign prediction ids
	ErrNotFound = database.ErrNotFound

	// ErrNotRetryable is returned when retrying a prediction that is running
	// or already completed
	ErrNotRetryable = database.ErrStateConflict
)

var (
	tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)
	sectorPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,10}$`)
)

// ValidationError describes a rejected request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the persistence the service needs
type Store interface {
	CreatePrediction(p *models.Prediction) error
	GetPrediction(id string) (*models.Prediction, error)
	GetPredictionForUser(userID, id string) (*models.Prediction, error)
	ListPredictions(userID string, f models.PredictionFilter) ([]*models.Prediction, error)
	SetStartPrice(id string, price float64) (bool, error)
	MarkRunning(id string) error
	CompletePrediction(id string, predicted float64, expectedActual *float64, m metrics.Result) (bool, error)
	FailPrediction(id, message string) error
	ResetForRetry(id string) error
	FailStranded(message string) (int64, error)
}

// Queue serializes prediction jobs. TryEnqueue refuses the job once Size
// has reached limit.
type Queue interface {
	TryEnqueue(job queue.Job, meta queue.TaskMeta, limit int) (<-chan error, bool)
	Size() int
}

// Predictor produces a price for one request
type Predictor interface {
	Predict(ctx context.Context, req predictor.Request) (float64, error)
}

// Horizon computes end dates
type Horizon interface {
	ComputeEndDate(ctx context.Context, timeline models.Timeline, start time.Time) (time.Time, error)
}

// PriceSource supplies daily bars for the start price
type PriceSource interface {
	FetchDailySeries(ctx context.Context, symbol string) (marketdata.DailySeries, error)
}

// Publisher announces lifecycle changes
type Publisher interface {
	PublishPredictionEvent(ctx context.Context, eventType string, p *models.Prediction) error
}

// Reconciler fills in actual prices for a user before listing
type Reconciler interface {
	RunForUser(ctx context.Context, userID string) reconcile.Summary
}

// Deps are the collaborators of a Service. Publisher and Reconciler may be nil.
type Deps struct {
	Store      Store
	Queue      Queue
	Predictor  Predictor
	Horizon    Horizon
	Market     PriceSource
	Publisher  Publisher
	Reconciler Reconciler
}

// Options tunes a Service
type Options struct {
	MaxPending int
	Location   *time.Location
	Now        func() time.Time
}

// CreateRequest is a user's request for a new prediction
type CreateRequest struct {
	UserID    string
	Ticker    string
	ModelType string
	Timeline  string
	Sector    string
}

// Service runs the prediction lifecycle
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	// admitted holds ids whose job is enqueued or running
	mu       sync.Mutex
	admitted map[string]struct{}
}

// NewService creates a Service
func NewService(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxPending <= 0 {
		opts.MaxPending = 25
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		logger:   logger.With().Str("component", "prediction_service").Logger(),
		admitted: make(map[string]struct{}),
	}
}

// Create validates req, records a Queued prediction with its end date and
// start price, and enqueues the prediction job. On ErrQueueFull the returned
// prediction is persisted but not enqueued.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Prediction, error) {
	p, err := s.buildPrediction(req)
	if err != nil {
		return nil, err
	}

	end, err := s.deps.Horizon.ComputeEndDate(ctx, p.Timeline, p.StartDate)
	if err != nil {
		return nil, fmt.Errorf("failed to compute end date: %w", err)
	}
	p.EndDate = &end

	if err := s.deps.Store.CreatePrediction(p); err != nil {
		return nil, err
	}

	s.fillStartPrice(ctx, p)

	s.claim(p.ID)
	if err := s.admit(p); err != nil {
		return p, err
	}
	return p, nil
}

// RequestPrediction creates a prediction from an inbound Kafka request
func (s *Service) RequestPrediction(ctx context.Context, ev models.PredictionRequestEvent) (*models.Prediction, error) {
	return s.Create(ctx, CreateRequest{
		UserID:    ev.UserID,
		Ticker:    ev.Ticker,
		ModelType: ev.ModelType,
		Timeline:  ev.Timeline,
		Sector:    ev.Sector,
	})
}

// Retry re-enqueues a Failed prediction, or a Queued one whose job was lost.
// The end date is left alone.
func (s *Service) Retry(ctx context.Context, userID, id string) (*models.Prediction, error) {
	p, err := s.deps.Store.GetPredictionForUser(userID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusFailed && p.Status != models.StatusQueued {
		return nil, fmt.Errorf("%w: prediction is %s", ErrNotRetryable, p.Status)
	}
	if !s.claim(p.ID) {
		return nil, fmt.Errorf("%w: prediction is already waiting in the queue", ErrNotRetryable)
	}
	if s.deps.Queue.Size() >= s.opts.MaxPending {
		s.release(p.ID)
		return nil, ErrQueueFull
	}
	if err := s.deps.Store.ResetForRetry(p.ID); err != nil {
		s.release(p.ID)
		return nil, err
	}

	now := s.opts.Now()
	p.Status = models.StatusQueued
	p.QueuedAt = &now
	p.StartedAt = nil
	p.FailedAt = nil
	p.ErrorMessage = ""

	if err := s.admit(p); err != nil {
		return p, err
	}
	return p, nil
}

// Get returns one of userID's predictions
func (s *Service) Get(userID, id string) (*models.Prediction, error) {
	return s.deps.Store.GetPredictionForUser(userID, id)
}

// List returns userID's predictions, newest first, after an opportunistic
// reconciliation pass for that user.
func (s *Service) List(ctx context.Context, userID string, f models.PredictionFilter) ([]*models.Prediction, error) {
	if s.deps.Reconciler != nil {
		s.deps.Reconciler.RunForUser(ctx, userID)
	}
	return s.deps.Store.ListPredictions(userID, f)
}

// QueueSize reports queued plus running jobs
func (s *Service) QueueSize() int {
	return s.deps.Queue.Size()
}

// RecoverStranded fails predictions left Running by a previous process
func (s *Service) RecoverStranded() error {
	n, err := s.deps.Store.FailStranded("interrupted by service restart")
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("Marked stranded predictions as failed")
	}
	return nil
}

func (s *Service) buildPrediction(req CreateRequest) (*models.Prediction, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "required"}
	}
	ticker := models.NormalizeTicker(req.Ticker)
	if ticker == "" {
		return nil, &ValidationError{Field: "ticker", Message: "required"}
	}
	if !tickerPattern.MatchString(ticker) {
		return nil, &ValidationError{Field: "ticker", Message: fmt.Sprintf("%q is not a ticker symbol", req.Ticker)}
	}
	modelType, err := models.ParseModelType(req.ModelType)
	if err != nil {
		return nil, &ValidationError{Field: "model_type", Message: err.Error()}
	}
	timeline, err := models.ParseTimeline(req.Timeline)
	if err != nil {
		return nil, &ValidationError{Field: "timeline", Message: err.Error()}
	}
	sector := models.NormalizeSector(req.Sector)
	if sector != models.SectorGeneral && !sectorPattern.MatchString(sector) {
		return nil, &ValidationError{Field: "sector", Message: fmt.Sprintf("%q is not a sector symbol", req.Sector)}
	}

	now := s.opts.Now()
	return &models.Prediction{
		UserID:    req.UserID,
		Ticker:    ticker,
		ModelType: modelType,
		Timeline:  timeline,
		Sector:    sector,
		StartDate: now,
		Status:    models.StatusQueued,
		QueuedAt:  &now,
	}, nil
}

// fillStartPrice records the close on or before the start day. Provider
// trouble is logged and otherwise ignored.
func (s *Service) fillStartPrice(ctx context.Context, p *models.Prediction) {
	if s.deps.Market == nil {
		return
	}
	logger := s.logger.With().Str("prediction_id", p.ID).Str("ticker", p.Ticker).Logger()

	series, err := s.deps.Market.FetchDailySeries(ctx, p.Ticker)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not fetch start price")
		return
	}
	day := p.StartDate.In(s.opts.Location).Format("2006-01-02")
	barDay, price, ok := series.PickCloseOnOrBefore(day)
	if !ok {
		logger.Warn().Str("day", day).Msg("No close on or before start date")
		return
	}
	if _, err := s.deps.Store.SetStartPrice(p.ID, price); err != nil {
		logger.Warn().Err(err).Msg("Could not store start price")
		return
	}
	p.StartPrice = &price
	logger.Debug().Str("bar_day", barDay).Float64("start_price", price).Msg("Start price recorded")
}

// admit enqueues p's job under the admission cap. The caller must already
// hold the claim on p.ID; it is dropped when the job returns or is refused.
func (s *Service) admit(p *models.Prediction) error {
	run := s.job(p.ID)
	job := func(ctx context.Context) error {
		defer s.release(p.ID)
		return run(ctx)
	}

	done, ok := s.deps.Queue.TryEnqueue(job, queue.TaskMeta{
		PredictionID: p.ID,
		Ticker:       p.Ticker,
		ModelType:    p.ModelType,
		Timeline:     p.Timeline,
	}, s.opts.MaxPending)
	if !ok {
		s.release(p.ID)
		s.logger.Warn().Str("prediction_id", p.ID).Int("max_pending", s.opts.MaxPending).Msg("Queue full, prediction left queued")
		return ErrQueueFull
	}
	select {
	case err := <-done:
		if errors.Is(err, queue.ErrClosed) {
			s.release(p.ID)
			return err
		}
	default:
	}
	s.publish(context.Background(), models.EventPredictionQueued, p)
	return nil
}

// claim marks id as admitted. It reports false when id already is.
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admitted[id]; ok {
		return false
	}
	s.admitted[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.admitted, id)
	s.mu.Unlock()
}

// job runs one prediction. Failures end up on the record; the returned error
// only feeds the queue's logging.
func (s *Service) job(id string) queue.Job {
	return func(ctx context.Context) (err error) {
		if err := s.deps.Store.MarkRunning(id); err != nil {
			return err
		}
		p, err := s.deps.Store.GetPrediction(id)
		if err != nil {
			s.fail(ctx, &models.Prediction{ID: id}, fmt.Errorf("failed to load prediction: %w", err))
			return err
		}
		s.publish(ctx, models.EventPredictionRunning, p)

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("prediction job panicked: %v", r)
				s.fail(ctx, p, err)
			}
		}()

		price, err := s.deps.Predictor.Predict(ctx, predictor.Request{
			Ticker:    p.Ticker,
			ModelType: p.ModelType,
			Timeline:  p.Timeline,
			Sector:    p.Sector,
		})
		if err != nil {
			s.fail(ctx, p, err)
			return err
		}

		if err := s.complete(ctx, p, price); err != nil {
			s.fail(ctx, p, err)
			return err
		}
		return nil
	}
}

func (s *Service) complete(ctx context.Context, p *models.Prediction, price float64) error {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			fresh, err := s.deps.Store.GetPrediction(p.ID)
			if err != nil {
				return err
			}
			p = fresh
		}

		m := metrics.Compute(p.StartPrice, &price, p.ActualPrice)
		ok, err := s.deps.Store.CompletePrediction(p.ID, price, p.ActualPrice, m)
		if err != nil {
			s.logger.Error().Err(err).Str("prediction_id", p.ID).Msg("Failed to store predicted price")
			return err
		}
		if ok {
			now := s.opts.Now()
			p.Status = models.StatusCompleted
			p.CompletedAt = &now
			p.PredictedPrice = &price
			p.PriceDifference = m.PriceDifference
			p.PredictionAccuracy = m.PredictionAccuracy
			p.SquaredError = m.SquaredError
			p.MSE = m.MSE
			s.publish(ctx, models.EventPredictionCompleted, p)
			return nil
		}
	}
	return fmt.Errorf("prediction %s changed twice while completing", p.ID)
}

func (s *Service) fail(ctx context.Context, p *models.Prediction, cause error) {
	msg := cause.Error()
	if err := s.deps.Store.FailPrediction(p.ID, msg); err != nil {
		s.logger.Error().Err(err).Str("prediction_id", p.ID).Msg("Failed to record prediction failure")
		return
	}
	now := s.opts.Now()
	p.Status = models.StatusFailed
	p.FailedAt = &now
	p.ErrorMessage = msg
	s.publish(ctx, models.EventPredictionFailed, p)
}

func (s *Service) publish(ctx context.Context, eventType string, p *models.Prediction) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishPredictionEvent(ctx, eventType, p); err != nil {
		s.logger.Warn().Err(err).Str("prediction_id", p.ID).Str("event_type", eventType).Msg("Failed to publish prediction event")
	}
}
