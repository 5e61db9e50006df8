package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/marketdata"
	"github.com/trogers1052/stock-prediction-service/internal/models"
	"github.com/trogers1052/stock-prediction-service/internal/prediction"
	"github.com/trogers1052/stock-prediction-service/internal/reconcile"
)

// UserHeader carries the caller's identity, set by the gateway in front of us
const UserHeader = "X-User-ID"

type contextKey string

const userKey contextKey = "user_id"

// PredictionService is the prediction lifecycle the handlers drive
type PredictionService interface {
	Create(ctx context.Context, req prediction.CreateRequest) (*models.Prediction, error)
	Retry(ctx context.Context, userID, id string) (*models.Prediction, error)
	Get(userID, id string) (*models.Prediction, error)
	List(ctx context.Context, userID string, f models.PredictionFilter) ([]*models.Prediction, error)
	QueueSize() int
}

// Reconciler runs an on-demand reconciliation pass
type Reconciler interface {
	Run(ctx context.Context) reconcile.Summary
}

// ReconcileStatus reports the most recent scheduled reconciliation pass
type ReconcileStatus interface {
	Last() reconcile.Summary
}

// SeriesSource serves charting series
type SeriesSource interface {
	FetchSeriesForTimeframe(ctx context.Context, symbol, timeframe string, points int) (*marketdata.SeriesResult, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	predictions PredictionService
	reconciler  Reconciler
	scheduler   ReconcileStatus
	series      SeriesSource
	logger      zerolog.Logger
}

// NewHandler creates a new Handler. scheduler may be nil.
func NewHandler(predictions PredictionService, reconciler Reconciler, scheduler ReconcileStatus, series SeriesSource, logger zerolog.Logger) *Handler {
	return &Handler{
		predictions: predictions,
		reconciler:  reconciler,
		scheduler:   scheduler,
		series:      series,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

type createPredictionRequest struct {
	Ticker    string `json:"ticker"`
	ModelType string `json:"model_type"`
	Timeline  string `json:"timeline"`
	Sector    string `json:"sector"`
}

type queuedResponse struct {
	Message   string     `json:"message"`
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	QueueSize int        `json:"queue_size"`
}

// CreatePrediction handles POST /predictions
func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req createPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ticker == "" || req.ModelType == "" || req.Timeline == "" {
		respondError(w, http.StatusBadRequest, "ticker, model_type and timeline are required")
		return
	}

	p, err := h.predictions.Create(r.Context(), prediction.CreateRequest{
		UserID:    userID(r),
		Ticker:    req.Ticker,
		ModelType: req.ModelType,
		Timeline:  req.Timeline,
		Sector:    req.Sector,
	})
	if errors.Is(err, prediction.ErrQueueFull) && p != nil {
		respondJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "Too many pending predictions, try again shortly.",
			"id":    p.ID,
		})
		return
	}
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, queuedResponse{
		Message:   "Prediction queued",
		ID:        p.ID,
		Status:    string(p.Status),
		EndDate:   p.EndDate,
		QueueSize: h.predictions.QueueSize(),
	})
}

// ListPredictions handles GET /predictions
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.PredictionFilter{
		Ticker:    q.Get("ticker"),
		ModelType: q.Get("model_type"),
		Timeline:  q.Get("timeline"),
		Sector:    q.Get("sector"),
	}

	list, err := h.predictions.List(r.Context(), userID(r), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list predictions")
		respondError(w, http.StatusInternalServerError, "failed to fetch predictions")
		return
	}
	if list == nil {
		list = []*models.Prediction{}
	}

	respondJSON(w, http.StatusOK, list)
}

// GetPrediction handles GET /predictions/{id}
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := h.predictions.Get(userID(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, p)
}

// RetryPrediction handles POST /predictions/{id}/retry
func (h *Handler) RetryPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := h.predictions.Retry(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, queuedResponse{
		Message:   "Prediction re-queued",
		ID:        p.ID,
		Status:    string(p.Status),
		EndDate:   p.EndDate,
		QueueSize: h.predictions.QueueSize(),
	})
}

// Reconcile handles POST /reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciliation is not configured")
		return
	}

	respondJSON(w, http.StatusOK, h.reconciler.Run(r.Context()))
}

// GetPriceSeries handles GET /stocks/{ticker}/price-series
func (h *Handler) GetPriceSeries(w http.ResponseWriter, r *http.Request) {
	ticker := models.NormalizeTicker(mux.Vars(r)["ticker"])
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1M"
	}

	points := 0
	if raw := r.URL.Query().Get("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "points must be a positive integer")
			return
		}
		points = n
	}

	res, err := h.series.FetchSeriesForTimeframe(r.Context(), ticker, timeframe, points)
	if err != nil {
		var transportErr *marketdata.TransportError
		switch {
		case errors.Is(err, marketdata.ErrUnsupportedTimeframe):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, marketdata.ErrRateLimited):
			respondError(w, http.StatusServiceUnavailable, "market data rate limit reached, try again later")
		case errors.Is(err, marketdata.ErrNoData):
			respondError(w, http.StatusNotFound, "no market data for "+ticker)
		case errors.As(err, &transportErr):
			h.logger.Error().Err(err).Str("ticker", ticker).Msg("Market data request failed")
			respondError(w, http.StatusBadGateway, "market data provider unavailable")
		default:
			h.logger.Error().Err(err).Str("ticker", ticker).Msg("Failed to fetch price series")
			respondError(w, http.StatusInternalServerError, "failed to fetch price series")
		}
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":     "healthy",
		"queue_size": h.predictions.QueueSize(),
	}
	if h.scheduler != nil {
		resp["last_reconcile"] = h.scheduler.Last()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var verr *prediction.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, prediction.ErrQueueFull):
		respondError(w, http.StatusTooManyRequests, "Too many pending predictions, try again shortly.")
	case errors.Is(err, prediction.ErrNotFound):
		respondError(w, http.StatusNotFound, "prediction not found")
	case errors.Is(err, prediction.ErrNotRetryable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Prediction request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
