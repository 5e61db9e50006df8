// Package predictor runs the external forecasting tools for a single ticker
// and turns their output into a price.
package predictor

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/stock-prediction-service/internal/models"
	"github.com/trogers1052/stock-prediction-service/internal/process"
)

var priceMarker = regexp.MustCompile(`Predicted Next Day Price:\s*\$\s*([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)`)

// Config locates the external tools
type Config struct {
	Interpreter string

	// DatasetScript is invoked as <script> <TICKER> <output.csv>. It must
	// write the file atomically (temp file then rename).
	DatasetScript string

	// ScriptDir holds predict_<model>_v2.py style inference scripts.
	ScriptDir            string
	PredictScriptPattern string
	DatasetDir           string
	Timeout              time.Duration
	DatasetTimeout       time.Duration
}

// Request identifies one prediction run
type Request struct {
	Ticker    string
	ModelType models.ModelType
	Timeline  models.Timeline
	Sector    string
}

// Invoker spawns the dataset and inference processes
type Invoker struct {
	cfg    Config
	logger zerolog.Logger
}

// NewInvoker creates a new Invoker
func NewInvoker(cfg Config, logger zerolog.Logger) *Invoker {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.PredictScriptPattern == "" {
		cfg.PredictScriptPattern = "predict_%s_v2.py"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.DatasetTimeout == 0 {
		cfg.DatasetTimeout = 2 * time.Minute
	}
	return &Invoker{
		cfg:    cfg,
		logger: logger.With().Str("component", "predictor").Logger(),
	}
}

// ModelID builds the trained model identifier, e.g. general_1d_lstm.
func ModelID(sector string, timeline models.Timeline, modelType models.ModelType) string {
	sector = strings.ToLower(strings.TrimSpace(sector))
	if sector == "" {
		sector = models.SectorGeneral
	}
	return fmt.Sprintf("%s_%s_%s", sector, timeline, modelType)
}

// DatasetPath is where the prepared input for ticker is expected.
func (i *Invoker) DatasetPath(ticker string) string {
	return filepath.Join(i.cfg.DatasetDir, fmt.Sprintf("compiled_%s.csv", models.NormalizeTicker(ticker)))
}

// Predict prepares the dataset and runs inference, returning the forecast
// price. Every failure is terminal; nothing is retried here.
func (i *Invoker) Predict(ctx context.Context, req Request) (float64, error) {
	ticker := models.NormalizeTicker(req.Ticker)
	modelID := ModelID(req.Sector, req.Timeline, req.ModelType)
	logger := i.logger.With().Str("ticker", ticker).Str("model", modelID).Logger()

	dataset, err := i.prepareDataset(ctx, ticker)
	if err != nil {
		logger.Error().Err(err).Msg("Dataset preparation failed")
		return 0, err
	}

	script := filepath.Join(i.cfg.ScriptDir, fmt.Sprintf(i.cfg.PredictScriptPattern, strings.ToLower(string(req.ModelType))))
	res, err := process.Run(ctx, i.cfg.Timeout, i.cfg.Interpreter, script, dataset, modelID)
	if err != nil {
		logger.Error().Err(err).
			Str("stdout", res.Stdout).
			Str("stderr", res.Stderr).
			Msg("Prediction script failed")
		return 0, err
	}

	price, err := ParsePrice(res.Stdout)
	if err != nil {
		logger.Error().Err(err).Str("stdout", res.Stdout).Msg("Could not parse predicted price")
		return 0, err
	}

	logger.Info().Float64("price", price).Dur("took", res.Duration).Msg("Prediction produced")
	return price, nil
}

func (i *Invoker) prepareDataset(ctx context.Context, ticker string) (string, error) {
	path := i.DatasetPath(ticker)

	if i.cfg.DatasetScript != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create dataset dir: %w", err)
		}
		if _, err := process.Run(ctx, i.cfg.DatasetTimeout, i.cfg.Interpreter, i.cfg.DatasetScript, ticker, path); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return "", &DatasetNotFoundError{Ticker: ticker, Path: path}
	}
	return path, nil
}

// ParsePrice extracts the forecast from the predictor's stdout. The last
// marker wins when the tool prints several.
func ParsePrice(stdout string) (float64, error) {
	matches := priceMarker.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return 0, &OutputParseError{Reason: "price marker not found", Stdout: stdout}
	}
	raw := matches[len(matches)-1][1]

	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &OutputParseError{Reason: fmt.Sprintf("invalid number %q", raw), Stdout: stdout}
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, &OutputParseError{Reason: fmt.Sprintf("non-finite price %q", raw), Stdout: stdout}
	}
	return price, nil
}
