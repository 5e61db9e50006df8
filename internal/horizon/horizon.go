// Package horizon computes when a prediction becomes verifiable by asking an
// external market-calendar tool.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/models"
	"github.com/trogers1052/stock-prediction-service/internal/process"
)

// ErrNoOutput means the tool printed nothing usable.
var ErrNoOutput = errors.New("end date tool produced no output")

// Config locates the end date tool
type Config struct {
	Interpreter string
	Script      string
	Calendar    string
	Timeout     time.Duration

	// Location is the reference timezone the start date is expressed in.
	Location *time.Location
}

// Calculator wraps the end date tool
type Calculator struct {
	cfg    Config
	logger zerolog.Logger
}

// NewCalculator creates a new Calculator
func NewCalculator(cfg Config, logger zerolog.Logger) *Calculator {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Calculator{
		cfg:    cfg,
		logger: logger.With().Str("component", "horizon").Logger(),
	}
}

// ComputeEndDate returns the moment the prediction for timeline, started at
// start, can be checked against market data.
func (c *Calculator) ComputeEndDate(ctx context.Context, timeline models.Timeline, start time.Time) (time.Time, error) {
	if _, err := models.ParseTimeline(string(timeline)); err != nil {
		return time.Time{}, err
	}

	// a plain calendar date, so the tool never sees a timezone
	startDay := start.In(c.cfg.Location).Format("2006-01-02")
	args := []string{c.cfg.Script, string(timeline), "--start", startDay, "--format", "iso"}
	if c.cfg.Calendar != "" {
		args = append(args, "--calendar", c.cfg.Calendar)
	}

	res, err := process.Run(ctx, c.cfg.Timeout, c.cfg.Interpreter, args...)
	if err != nil {
		c.logger.Error().Err(err).Str("stderr", res.Stderr).Msg("End date tool failed")
		return time.Time{}, fmt.Errorf("failed to compute end date: %w", err)
	}

	line := process.LastNonEmptyLine(res.Stdout)
	if line == "" {
		return time.Time{}, ErrNoOutput
	}

	end, err := c.parse(line)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse end date %q: %w", line, err)
	}

	c.logger.Debug().
		Str("timeline", string(timeline)).
		Str("start", startDay).
		Time("end", end).
		Msg("Computed end date")
	return end, nil
}

func (c *Calculator) parse(line string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, line); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", line, c.cfg.Location)
}
