// Package metrics derives accuracy figures for a prediction from its start,
// predicted and actual prices. Everything here is pure.
package metrics

import (
	"math"

	"github.com/trogers1052/stock-prediction-service/internal/models"
)

// Result holds every derived field. A nil field means the inputs it depends on
// were missing or degenerate.
type Result struct {
	PriceDifference    *float64
	PredictionAccuracy *float64
	SquaredError       *float64
	MSE                *float64
}

// Compute derives all metric fields from scratch.
func Compute(start, predicted, actual *float64) Result {
	var r Result
	if !usable(predicted) || !usable(actual) {
		return r
	}
	p, a := *predicted, *actual

	r.PriceDifference = ptr(p - a)

	// legacy percent accuracy kept for older records
	if a != 0 {
		r.PredictionAccuracy = ptr((p - a) / a * 100)
	}

	if usable(start) && *start != 0 {
		s := *start
		predRet := (p - s) / s
		actRet := (a - s) / s
		se := (predRet - actRet) * (predRet - actRet)
		r.SquaredError = ptr(se)
		// a single observation is its own mean
		r.MSE = ptr(se)
	}
	return r
}

// Apply overwrites the derived fields of p from its current prices.
func Apply(p *models.Prediction) {
	r := Compute(p.StartPrice, p.PredictedPrice, p.ActualPrice)
	p.PriceDifference = r.PriceDifference
	p.PredictionAccuracy = r.PredictionAccuracy
	p.SquaredError = r.SquaredError
	p.MSE = r.MSE
}

func usable(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

func ptr(v float64) *float64 {
	return &v
}
