package prediction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/stock-prediction-service/internal/database"
	"github.com/trogers1052/stock-prediction-service/internal/marketdata"
	"github.com/trogers1052/stock-prediction-service/internal/metrics"
	"github.com/trogers1052/stock-prediction-service/internal/models"
	"github.com/trogers1052/stock-prediction-service/internal/predictor"
	"github.com/trogers1052/stock-prediction-service/internal/queue"
	"github.com/trogers1052/stock-prediction-service/internal/reconcile"
)

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// memStore mirrors the guarded updates of the database layer
type memStore struct {
	mu   sync.Mutex
	rows map[string]*models.Prediction
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.Prediction)}
}

func (s *memStore) CreatePrediction(p *models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	cp := *p
	s.rows[p.ID] = &cp
	return nil
}

func (s *memStore) GetPrediction(id string) (*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetPredictionForUser(userID, id string) (*models.Prediction, error) {
	p, err := s.GetPrediction(id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: %s", database.ErrNotFound, id)
	}
	return p, nil
}

func (s *memStore) ListPredictions(userID string, f models.PredictionFilter) ([]*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Prediction
	for _, p := range s.rows {
		if p.UserID != userID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) SetStartPrice(id string, price float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rows[id]
	if p.StartPrice != nil {
		return false, nil
	}
	p.StartPrice = &price
	return true, nil
}

func (s *memStore) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rows[id]
	if p.Status != models.StatusQueued {
		return fmt.Errorf("%w: %s is not queued", database.ErrStateConflict, id)
	}
	now := time.Now()
	p.Status = models.StatusRunning
	p.StartedAt = &now
	return nil
}

func (s *memStore) CompletePrediction(id string, predicted float64, expectedActual *float64, m metrics.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rows[id]
	if !sameFloat(p.ActualPrice, expectedActual) {
		return false, nil
	}
	now := time.Now()
	p.Status = models.StatusCompleted
	p.CompletedAt = &now
	p.PredictedPrice = &predicted
	p.ErrorMessage = ""
	p.PriceDifference = m.PriceDifference
	p.PredictionAccuracy = m.PredictionAccuracy
	p.SquaredError = m.SquaredError
	p.MSE = m.MSE
	return true, nil
}

func (s *memStore) FailPrediction(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rows[id]
	now := time.Now()
	p.Status = models.StatusFailed
	p.FailedAt = &now
	p.ErrorMessage = message
	return nil
}

func (s *memStore) ResetForRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.rows[id]
	if p.Status != models.StatusFailed && p.Status != models.StatusQueued {
		return fmt.Errorf("%w: %s cannot be retried", database.ErrStateConflict, id)
	}
	p.Status = models.StatusQueued
	p.FailedAt = nil
	p.ErrorMessage = ""
	return nil
}

func (s *memStore) FailStranded(message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.rows {
		if p.Status == models.StatusRunning {
			p.Status = models.StatusFailed
			p.ErrorMessage = message
			n++
		}
	}
	return n, nil
}

func (s *memStore) setActual(id string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].ActualPrice = &v
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakePredictor struct {
	price  float64
	err    error
	before func(req predictor.Request)

	mu    sync.Mutex
	calls []predictor.Request
}

func (f *fakePredictor) Predict(ctx context.Context, req predictor.Request) (float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.before != nil {
		f.before(req)
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

type fakeHorizon struct {
	end time.Time
	err error
}

func (f *fakeHorizon) ComputeEndDate(ctx context.Context, timeline models.Timeline, start time.Time) (time.Time, error) {
	return f.end, f.err
}

type fakeMarket struct {
	series marketdata.DailySeries
	err    error
}

func (f *fakeMarket) FetchDailySeries(ctx context.Context, symbol string) (marketdata.DailySeries, error) {
	return f.series, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) PublishPredictionEvent(ctx context.Context, eventType string, p *models.Prediction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakePublisher) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fullQueue struct {
	size     int
	enqueued int
}

func (q *fullQueue) TryEnqueue(job queue.Job, meta queue.TaskMeta, limit int) (<-chan error, bool) {
	if q.size >= limit {
		return nil, false
	}
	q.enqueued++
	return make(chan error, 1), true
}

func (q *fullQueue) Size() int { return q.size }

type fakeReconciler struct {
	users []string
}

func (f *fakeReconciler) RunForUser(ctx context.Context, userID string) reconcile.Summary {
	f.users = append(f.users, userID)
	return reconcile.Summary{}
}

type harness struct {
	svc       *Service
	store     *memStore
	queue     *queue.Queue
	predictor *fakePredictor
	publisher *fakePublisher
}

var startTime = time.Date(2025, 8, 11, 14, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	h := &harness{
		store:     newMemStore(),
		queue:     queue.New(context.Background(), zerolog.Nop()),
		predictor: &fakePredictor{price: 150.25},
		publisher: &fakePublisher{},
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		Queue:     h.queue,
		Predictor: h.predictor,
		Horizon:   &fakeHorizon{end: time.Date(2025, 8, 12, 20, 0, 0, 0, time.UTC)},
		Market: &fakeMarket{series: marketdata.DailySeries{
			"2025-08-08": {Close: decimal.NewFromFloat(148)},
			"2025-08-11": {Close: decimal.NewFromFloat(150)},
			"2025-08-12": {Close: decimal.NewFromFloat(153)},
		}},
		Publisher: h.publisher,
	}, Options{MaxPending: 25, Location: loc, Now: func() time.Time { return startTime }}, zerolog.Nop())
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Wait(ctx))
}

func validRequest() CreateRequest {
	return CreateRequest{UserID: "user-1", Ticker: " aapl ", ModelType: "LSTM", Timeline: "1d"}
}

func TestCreateRunsPredictionToCompletion(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "AAPL", p.Ticker)
	assert.Equal(t, models.ModelLSTM, p.ModelType)
	assert.Equal(t, models.SectorGeneral, p.Sector)
	assert.Equal(t, models.StatusQueued, p.Status)
	require.NotNil(t, p.EndDate)
	require.NotNil(t, p.StartPrice)
	assert.Equal(t, 150.0, *p.StartPrice)

	h.wait(t)

	got, err := h.svc.Get("user-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.PredictedPrice)
	assert.Equal(t, 150.25, *got.PredictedPrice)
	assert.Nil(t, got.ActualPrice)
	assert.Nil(t, got.PriceDifference)
	assert.True(t, p.EndDate.Equal(*got.EndDate))

	require.Len(t, h.predictor.calls, 1)
	assert.Equal(t, "AAPL", h.predictor.calls[0].Ticker)
	assert.Equal(t, []string{
		models.EventPredictionQueued,
		models.EventPredictionRunning,
		models.EventPredictionCompleted,
	}, h.publisher.Events())
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name  string
		mod   func(r *CreateRequest)
		field string
	}{
		{"missing user", func(r *CreateRequest) { r.UserID = "" }, "user_id"},
		{"missing ticker", func(r *CreateRequest) { r.Ticker = "  " }, "ticker"},
		{"bad ticker", func(r *CreateRequest) { r.Ticker = "AAPL; DROP" }, "ticker"},
		{"bad model", func(r *CreateRequest) { r.ModelType = "transformer" }, "model_type"},
		{"bad timeline", func(r *CreateRequest) { r.Timeline = "3y" }, "timeline"},
		{"bad sector", func(r *CreateRequest) { r.Sector = "../etc" }, "sector"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tc.mod(&req)

			_, err := h.svc.Create(context.Background(), req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, 0, h.store.count())
		})
	}
}

func TestCreateSectorIsNormalized(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.Sector = "xlk"

	p, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "XLK", p.Sector)

	h.wait(t)
	assert.Equal(t, "XLK", h.predictor.calls[0].Sector)
}

func TestCreateFailsWhenEndDateUnavailable(t *testing.T) {
	h := newHarness(t)
	h.svc.deps.Horizon = &fakeHorizon{err: errors.New("end date tool produced no output")}

	_, err := h.svc.Create(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, 0, h.store.count())
	assert.Equal(t, 0, h.queue.Size())
}

func TestCreateToleratesMarketDataFailure(t *testing.T) {
	h := newHarness(t)
	h.svc.deps.Market = &fakeMarket{err: fmt.Errorf("%w: slow down", marketdata.ErrRateLimited)}

	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Nil(t, p.StartPrice)

	h.wait(t)
	got, err := h.svc.Get("user-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.StartPrice)
}

func TestCreateRejectsWhenQueueFull(t *testing.T) {
	h := newHarness(t)
	q := &fullQueue{size: 25}
	h.svc.deps.Queue = q

	p, err := h.svc.Create(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrQueueFull)
	require.NotNil(t, p)
	assert.Equal(t, 0, q.enqueued)

	stored, err := h.store.GetPrediction(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)

	q.size = 24
	_, err = h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, q.enqueued)
}

func TestPredictorFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.predictor.err = &predictor.OutputParseError{Reason: "no price marker", Stdout: "hello"}

	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get("user-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Nil(t, got.PredictedPrice)
	assert.NotNil(t, got.FailedAt)
	assert.Contains(t, h.publisher.Events(), models.EventPredictionFailed)
}

func TestFailureDoesNotStopLaterJobs(t *testing.T) {
	h := newHarness(t)
	h.predictor.before = func(req predictor.Request) {
		if req.Ticker == "BAD" {
			panic("model crashed")
		}
	}

	bad := validRequest()
	bad.Ticker = "BAD"
	first, err := h.svc.Create(context.Background(), bad)
	require.NoError(t, err)
	second, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get("user-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "model crashed")

	got, err = h.svc.Get("user-1", second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCompletionAfterReconciliationComputesMetrics(t *testing.T) {
	h := newHarness(t)
	var id string
	// the reconciler lands the actual price while the model is running
	h.predictor.before = func(req predictor.Request) { h.store.setActual(id, 152) }

	h.svc.deps.Queue = &fullQueue{size: 0}
	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	id = p.ID

	require.NoError(t, h.svc.job(p.ID)(context.Background()))

	got, err := h.store.GetPrediction(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.PriceDifference)
	assert.InDelta(t, -1.75, *got.PriceDifference, 1e-9)
	require.NotNil(t, got.SquaredError)
	assert.Equal(t, *got.SquaredError, *got.MSE)
}

func TestRetry(t *testing.T) {
	h := newHarness(t)
	h.predictor.err = &predictor.DatasetNotFoundError{Ticker: "AAPL", Path: "/data/compiled_AAPL.csv"}

	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	h.wait(t)

	t.Run("other users cannot retry", func(t *testing.T) {
		_, err := h.svc.Retry(context.Background(), "user-2", p.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed prediction runs again", func(t *testing.T) {
		h.predictor.err = nil
		retried, err := h.svc.Retry(context.Background(), "user-1", p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, retried.Status)
		h.wait(t)

		got, err := h.svc.Get("user-1", p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.True(t, p.EndDate.Equal(*got.EndDate))
	})

	t.Run("completed prediction is not retryable", func(t *testing.T) {
		_, err := h.svc.Retry(context.Background(), "user-1", p.ID)
		assert.ErrorIs(t, err, ErrNotRetryable)
	})
}

func TestListRunsReconciliationFirst(t *testing.T) {
	h := newHarness(t)
	rec := &fakeReconciler{}
	h.svc.deps.Reconciler = rec

	_, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	h.wait(t)

	list, err := h.svc.List(context.Background(), "user-1", models.PredictionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, []string{"user-1"}, rec.users)

	list, err = h.svc.List(context.Background(), "user-2", models.PredictionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecoverStranded(t *testing.T) {
	h := newHarness(t)
	h.svc.deps.Queue = &fullQueue{}

	p, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	require.NoError(t, h.store.MarkRunning(p.ID))

	require.NoError(t, h.svc.RecoverStranded())
	got, err := h.store.GetPrediction(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestRequestPrediction(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.RequestPrediction(context.Background(), models.PredictionRequestEvent{
		EventType: models.EventPredictionRequested,
		UserID:    "user-9",
		Ticker:    "msft",
		ModelType: "gru",
		Timeline:  "2w",
	})
	require.NoError(t, err)
	assert.Equal(t, "MSFT", p.Ticker)
	assert.Equal(t, models.TimelineTwoWeeks, p.Timeline)
	h.wait(t)
}

func TestQueueSizeGrowsByOnePerCreate(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.predictor.before = func(req predictor.Request) { <-gate }

	assert.Equal(t, 0, h.svc.QueueSize())
	_, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.QueueSize())

	_, err = h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, h.svc.QueueSize())

	close(gate)
	h.wait(t)
	assert.Equal(t, 0, h.svc.QueueSize())
}

func TestRetryRejectsPredictionStillInQueue(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.predictor.before = func(req predictor.Request) { <-gate }

	_, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waiting, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 2, h.svc.QueueSize())

	for i := 0; i < 5; i++ {
		_, err := h.svc.Retry(context.Background(), "user-1", waiting.ID)
		assert.ErrorIs(t, err, ErrNotRetryable)
	}
	assert.Equal(t, 2, h.svc.QueueSize())

	close(gate)
	h.wait(t)

	got, err := h.svc.Get("user-1", waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	h.predictor.mu.Lock()
	assert.Len(t, h.predictor.calls, 2)
	h.predictor.mu.Unlock()
}

func TestRetryAdmitsPredictionRefusedByFullQueue(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.MaxPending = 1
	gate := make(chan struct{})
	h.predictor.before = func(req predictor.Request) { <-gate }

	_, err := h.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	refused, err := h.svc.Create(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrQueueFull)
	require.NotNil(t, refused)

	_, err = h.svc.Retry(context.Background(), "user-1", refused.ID)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(gate)
	h.wait(t)

	_, err = h.svc.Retry(context.Background(), "user-1", refused.ID)
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get("user-1", refused.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

// flakyStore injects failures into the reads and writes a running job makes
type flakyStore struct {
	*memStore
	getErr      error
	completeErr error
	alwaysStale bool
}

func (s *flakyStore) GetPrediction(id string) (*models.Prediction, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.memStore.GetPrediction(id)
}

func (s *flakyStore) CompletePrediction(id string, predicted float64, expectedActual *float64, m metrics.Result) (bool, error) {
	if s.completeErr != nil {
		return false, s.completeErr
	}
	if s.alwaysStale {
		return false, nil
	}
	return s.memStore.CompletePrediction(id, predicted, expectedActual, m)
}

func TestStoreTroubleAfterStartMarksFailed(t *testing.T) {
	tests := []struct {
		name    string
		store   func(m *memStore) *flakyStore
		message string
	}{
		{
			name:    "completion write fails",
			store:   func(m *memStore) *flakyStore { return &flakyStore{memStore: m, completeErr: errors.New("connection reset")} },
			message: "connection reset",
		},
		{
			name:    "completion keeps losing the race",
			store:   func(m *memStore) *flakyStore { return &flakyStore{memStore: m, alwaysStale: true} },
			message: "changed twice",
		},
		{
			name:    "record cannot be loaded",
			store:   func(m *memStore) *flakyStore { return &flakyStore{memStore: m, getErr: errors.New("connection refused")} },
			message: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.svc.deps.Store = tt.store(h.store)

			p, err := h.svc.Create(context.Background(), validRequest())
			require.NoError(t, err)
			h.wait(t)

			got, err := h.store.GetPrediction(p.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Contains(t, got.ErrorMessage, tt.message)
			assert.Nil(t, got.PredictedPrice)
			assert.Contains(t, h.publisher.Events(), models.EventPredictionFailed)
		})
	}
}
