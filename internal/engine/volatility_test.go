package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rewired-gh/polysignal/internal/models"
)

func series(prices []float64, liquidity float64) []models.PricePoint {
	base := time.Unix(1700000000, 0)
	points := make([]models.PricePoint, len(prices))
	for i, p := range prices {
		points[i] = models.PricePoint{
			MarketID:  "m1",
			OutcomeID: "Yes",
			Price:     p,
			Liquidity: liquidity,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return points
}

func TestEstimator_ShortHistoryReturnsDefault(t *testing.T) {
	e := NewEstimator(DefaultVolatilityConfig())

	assert.Equal(t, 1.0, e.Factor(nil, models.BucketMedium))
	assert.Equal(t, 1.0, e.Factor(series([]float64{0.5}, 50000), models.BucketMedium))
	assert.Equal(t, 1.0, e.Factor(series([]float64{0.5, 0.9, 0.1, 0.9, 0.1}, 50000), models.BucketMedium))
}

func TestEstimator_FlatHistoryHitsFloor(t *testing.T) {
	e := NewEstimator(DefaultVolatilityConfig())
	flat := series([]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, 50000)

	assert.Equal(t, 0.5, e.Factor(flat, models.BucketMedium))
	assert.Equal(t, 0.25, e.Factor(flat, models.BucketLow), "sparse buckets get the permissive floor")
}

func TestEstimator_WildHistoryHitsCeiling(t *testing.T) {
	e := NewEstimator(DefaultVolatilityConfig())
	wild := series([]float64{0.1, 0.9, 0.1, 0.9, 0.1, 0.9, 0.1}, 50000)

	assert.Equal(t, 3.0, e.Factor(wild, models.BucketHigh))
}

func TestEstimator_ScalesWithVolatilityAndLiquidity(t *testing.T) {
	e := NewEstimator(DefaultVolatilityConfig())
	prices := []float64{0.50, 0.52, 0.50, 0.52, 0.50, 0.52, 0.50}

	// alternating ±0.02 changes: sample sigma = sqrt(6*0.0004/5)
	want := math.Sqrt(6*0.0004/5) / 0.02
	assert.InDelta(t, want, e.Factor(series(prices, 50000), models.BucketMedium), 1e-6)

	deep := e.Factor(series(prices, 500000), models.BucketMedium)
	shallow := e.Factor(series(prices, 50000), models.BucketMedium)
	assert.Greater(t, deep, shallow, "higher liquidity requires larger moves")
}

func TestEstimator_AlwaysBounded(t *testing.T) {
	cfg := DefaultVolatilityConfig()
	e := NewEstimator(cfg)
	floor, ceiling := math.Min(cfg.Floor, cfg.LowLiquidityFloor), cfg.Ceiling
	for _, liq := range []float64{0, 1, 1e3, 1e9} {
		for _, b := range models.LiquidityBuckets {
			f := e.Factor(series([]float64{0.2, 0.21, 0.25, 0.3, 0.1, 0.11, 0.5, 0.49}, liq), b)
			assert.GreaterOrEqual(t, f, floor)
			assert.LessOrEqual(t, f, ceiling)
		}
	}
}

func TestLiquidityTrend(t *testing.T) {
	points := series([]float64{0.5, 0.5, 0.5}, 1000)
	assert.Equal(t, 0.0, LiquidityTrend(points))

	points[2].Liquidity = 1500
	assert.InDelta(t, 0.5, LiquidityTrend(points), 1e-9)

	points[2].Liquidity = 5000
	assert.Equal(t, 1.0, LiquidityTrend(points))

	assert.Equal(t, 0.0, LiquidityTrend(points[:1]))
}

func TestLiquidityGrowth(t *testing.T) {
	assert.InDelta(t, 0.6, LiquidityGrowth(1000, 1600), 1e-9)
	assert.Equal(t, 0.0, LiquidityGrowth(0, 1600))
}
