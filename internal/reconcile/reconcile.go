// Package reconcile fills in the observed price of predictions whose end
// date has passed, using daily market bars.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/limiter"
	"github.com/trogers1052/stock-prediction-service/internal/marketdata"
	"github.com/trogers1052/stock-prediction-service/internal/metrics"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

const dayLayout = "2006-01-02"

// Store is the persistence the reconciler needs
type Store interface {
	ListUnresolved(userID string) ([]*models.Prediction, error)
	GetPrediction(id string) (*models.Prediction, error)
	SetActualPrice(id string, actual float64, expectedPredicted, expectedStart *float64, m metrics.Result) (bool, error)
}

// SeriesSource supplies daily bars for a ticker
type SeriesSource interface {
	FetchDailySeries(ctx context.Context, symbol string) (marketdata.DailySeries, error)
}

// Publisher announces reconciled predictions
type Publisher interface {
	PublishPredictionEvent(ctx context.Context, eventType string, p *models.Prediction) error
}

// Options tunes a Reconciler
type Options struct {
	Concurrency int
	Location    *time.Location
	Now         func() time.Time
	Publisher   Publisher
}

// Summary counts what one pass did
type Summary struct {
	Checked     int `json:"checked"`
	Due         int `json:"due"`
	Updated     int `json:"updated"`
	MissingBars int `json:"missing_bars"`
	Errors      int `json:"errors"`
}

func (s *Summary) add(o Summary) {
	s.Checked += o.Checked
	s.Due += o.Due
	s.Updated += o.Updated
	s.MissingBars += o.MissingBars
	s.Errors += o.Errors
}

// Reconciler matches due predictions against market data. Every pass, from
// any caller, shares one limiter so provider calls stay bounded.
type Reconciler struct {
	store   Store
	source  SeriesSource
	limiter *limiter.Limiter
	opts    Options
	logger  zerolog.Logger
}

// New creates a Reconciler
func New(store Store, source SeriesSource, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		store:   store,
		source:  source,
		limiter: limiter.New(opts.Concurrency),
		opts:    opts,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run reconciles every user's due predictions
func (r *Reconciler) Run(ctx context.Context) Summary {
	return r.run(ctx, "")
}

// RunForUser reconciles one user's due predictions
func (r *Reconciler) RunForUser(ctx context.Context, userID string) Summary {
	return r.run(ctx, userID)
}

func (r *Reconciler) run(ctx context.Context, userID string) Summary {
	var summary Summary

	candidates, err := r.store.ListUnresolved(userID)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list unresolved predictions")
		summary.Errors++
		return summary
	}
	summary.Checked = len(candidates)

	today := r.opts.Now().In(r.opts.Location).Format(dayLayout)
	byTicker := make(map[string][]*models.Prediction)
	var tickers []string
	for _, p := range candidates {
		if p.EndDate == nil || r.day(*p.EndDate) > today {
			continue
		}
		summary.Due++
		if _, seen := byTicker[p.Ticker]; !seen {
			tickers = append(tickers, p.Ticker)
		}
		byTicker[p.Ticker] = append(byTicker[p.Ticker], p)
	}
	if summary.Due == 0 {
		return summary
	}

	results := make([]Summary, len(tickers))
	done := make([]<-chan error, len(tickers))
	for i, ticker := range tickers {
		i, ticker := i, ticker
		done[i] = r.limiter.Go(func() error {
			results[i] = r.reconcileTicker(ctx, ticker, byTicker[ticker])
			return nil
		})
	}
	for i, ch := range done {
		if err := <-ch; err != nil {
			// only a panic gets here
			r.logger.Error().Err(err).Str("ticker", tickers[i]).Msg("Reconciliation task failed")
			results[i].Errors++
		}
	}

	for _, res := range results {
		summary.add(res)
	}

	r.logger.Info().
		Str("user_id", userID).
		Int("checked", summary.Checked).
		Int("due", summary.Due).
		Int("updated", summary.Updated).
		Int("missing_bars", summary.MissingBars).
		Int("errors", summary.Errors).
		Msg("Reconciliation pass finished")
	return summary
}

func (r *Reconciler) reconcileTicker(ctx context.Context, ticker string, predictions []*models.Prediction) Summary {
	var s Summary
	logger := r.logger.With().Str("ticker", ticker).Logger()

	series, err := r.source.FetchDailySeries(ctx, ticker)
	if err != nil {
		s.Errors++
		switch {
		case errors.Is(err, marketdata.ErrRateLimited):
			logger.Warn().Err(err).Msg("Provider rate limit hit, will retry next pass")
		case errors.Is(err, marketdata.ErrNoData):
			logger.Warn().Err(err).Msg("Provider has no data for ticker")
		default:
			logger.Error().Err(err).Msg("Failed to fetch daily series")
		}
		return s
	}

	for _, p := range predictions {
		day := r.day(*p.EndDate)
		actual, ok := series.OpenOn(day)
		if !ok {
			logger.Debug().Str("prediction_id", p.ID).Str("day", day).Msg("No bar for end date yet")
			s.MissingBars++
			continue
		}

		updated, err := r.apply(ctx, p, actual)
		if err != nil {
			logger.Error().Err(err).Str("prediction_id", p.ID).Msg("Failed to store actual price")
			s.Errors++
			continue
		}
		if updated {
			s.Updated++
		}
	}
	return s
}

// apply writes actual with metrics computed from the prices it read. When
// another writer moved the row in between it re-reads once and tries again.
func (r *Reconciler) apply(ctx context.Context, p *models.Prediction, actual float64) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			fresh, err := r.store.GetPrediction(p.ID)
			if err != nil {
				return false, err
			}
			if fresh.ActualPrice != nil {
				return false, nil
			}
			p = fresh
		}

		m := metrics.Compute(p.StartPrice, p.PredictedPrice, &actual)
		ok, err := r.store.SetActualPrice(p.ID, actual, p.PredictedPrice, p.StartPrice, m)
		if err != nil {
			return false, err
		}
		if ok {
			r.publish(ctx, p, actual, m)
			return true, nil
		}
	}

	r.logger.Warn().Str("prediction_id", p.ID).Msg("Prediction kept changing during reconciliation, leaving it for the next pass")
	return false, nil
}

func (r *Reconciler) publish(ctx context.Context, p *models.Prediction, actual float64, m metrics.Result) {
	if r.opts.Publisher == nil {
		return
	}
	out := *p
	out.ActualPrice = &actual
	out.PriceDifference = m.PriceDifference
	out.PredictionAccuracy = m.PredictionAccuracy
	out.SquaredError = m.SquaredError
	out.MSE = m.MSE
	if err := r.opts.Publisher.PublishPredictionEvent(ctx, models.EventPredictionReconciled, &out); err != nil {
		r.logger.Warn().Err(err).Str("prediction_id", p.ID).Msg("Failed to publish reconciled event")
	}
}

func (r *Reconciler) day(t time.Time) string {
	return t.In(r.opts.Location).Format(dayLayout)
}

// Scheduler runs reconciliation passes on an interval
type Scheduler struct {
	sweeper  sweeper
	guard    Guard
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last Summary
}

type sweeper interface {
	Run(ctx context.Context) Summary
}

// Guard keeps several replicas from sweeping at the same time
type Guard interface {
	TryRun(ctx context.Context, fn func(ctx context.Context)) (bool, error)
}

// NewScheduler creates a Scheduler. A nil guard runs every pass unguarded.
func NewScheduler(r *Reconciler, guard Guard, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		sweeper:  r,
		guard:    guard,
		interval: interval,
		logger:   logger.With().Str("component", "reconcile_scheduler").Logger(),
	}
}

// Start runs a pass immediately and then on every tick until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting reconciliation scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single guarded pass. It reports false when another replica
// held the lease.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, bool) {
	var summary Summary
	sweep := func(ctx context.Context) {
		summary = s.sweeper.Run(ctx)
	}

	if s.guard == nil {
		sweep(ctx)
	} else {
		ran, err := s.guard.TryRun(ctx, sweep)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to take reconciliation lease")
			return summary, false
		}
		if !ran {
			s.logger.Debug().Msg("Reconciliation lease held elsewhere, skipping pass")
			return summary, false
		}
	}

	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()
	return summary, true
}

// Last returns the summary of the most recent pass this scheduler ran
func (s *Scheduler) Last() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
