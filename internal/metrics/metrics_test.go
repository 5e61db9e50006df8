package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/stock-prediction-service/internal/models"
)

func f(v float64) *float64 { return &v }

func TestCompute(t *testing.T) {
	t.Run("all inputs present", func(t *testing.T) {
		r := Compute(f(100), f(110), f(105))

		require.NotNil(t, r.PriceDifference)
		assert.InDelta(t, 5.0, *r.PriceDifference, 1e-9)

		require.NotNil(t, r.PredictionAccuracy)
		assert.InDelta(t, 5.0/105.0*100, *r.PredictionAccuracy, 1e-9)

		// predRet 0.10, actRet 0.05
		require.NotNil(t, r.SquaredError)
		assert.InDelta(t, 0.0025, *r.SquaredError, 1e-12)
		require.NotNil(t, r.MSE)
		assert.Equal(t, *r.SquaredError, *r.MSE)
	})

	t.Run("missing start price leaves return metrics nil", func(t *testing.T) {
		r := Compute(nil, f(150.25), f(152.00))

		require.NotNil(t, r.PriceDifference)
		assert.InDelta(t, -1.75, *r.PriceDifference, 1e-9)
		assert.Nil(t, r.SquaredError)
		assert.Nil(t, r.MSE)
	})

	t.Run("zero start price never divides", func(t *testing.T) {
		r := Compute(f(0), f(10), f(12))

		assert.NotNil(t, r.PriceDifference)
		assert.Nil(t, r.SquaredError)
		assert.Nil(t, r.MSE)
	})

	t.Run("zero actual price leaves percent accuracy nil", func(t *testing.T) {
		r := Compute(f(10), f(1), f(0))

		require.NotNil(t, r.PriceDifference)
		assert.Equal(t, 1.0, *r.PriceDifference)
		assert.Nil(t, r.PredictionAccuracy)
		assert.NotNil(t, r.SquaredError)
	})

	t.Run("missing actual clears everything", func(t *testing.T) {
		r := Compute(f(10), f(11), nil)
		assert.Equal(t, Result{}, r)
	})

	t.Run("non-finite input is treated as missing", func(t *testing.T) {
		r := Compute(f(10), f(math.Inf(1)), f(11))
		assert.Equal(t, Result{}, r)
	})
}

func TestApplyOverwrites(t *testing.T) {
	p := &models.Prediction{
		StartPrice:      f(100),
		PredictedPrice:  f(110),
		PriceDifference: f(999),
		SquaredError:    f(999),
	}

	// actual price missing: stale values must be cleared, not kept
	Apply(p)
	assert.Nil(t, p.PriceDifference)
	assert.Nil(t, p.SquaredError)

	p.ActualPrice = f(100)
	Apply(p)
	require.NotNil(t, p.PriceDifference)
	assert.InDelta(t, 10.0, *p.PriceDifference, 1e-9)
	require.NotNil(t, p.SquaredError)
	assert.InDelta(t, 0.01, *p.SquaredError, 1e-12)
}
