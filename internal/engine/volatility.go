// Package engine holds the pure computations of the detection pipeline: volatility
// estimation, significance detection and confidence scoring. Nothing here touches
// storage or the network.
package engine

import (
	"math"

	"github.com/rewired-gh/polysignal/internal/models"
)

// VolatilityConfig parameterises the Estimator.
type VolatilityConfig struct {
	// MinSamples is the number of price changes needed before history is trusted.
	MinSamples    int
	DefaultFactor float64
	// ReferenceVolatility is the standard deviation of price changes that maps to factor 1.
	ReferenceVolatility float64
	// ReferenceLiquidity is the liquidity at which the liquidity multiplier is 1.
	ReferenceLiquidity  float64
	LiquidityElasticity float64
	Floor               float64
	// LowLiquidityFloor replaces Floor for sparse buckets so thin markets can still signal.
	LowLiquidityFloor float64
	Ceiling           float64
}

// DefaultVolatilityConfig returns the estimator defaults.
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		MinSamples:          5,
		DefaultFactor:       1.0,
		ReferenceVolatility: 0.02,
		ReferenceLiquidity:  50000,
		LiquidityElasticity: 0.25,
		Floor:               0.5,
		LowLiquidityFloor:   0.25,
		Ceiling:             3.0,
	}
}

// Estimator derives a bounded volatility factor from trailing price history.
type Estimator struct {
	cfg VolatilityConfig
}

// NewEstimator returns an Estimator for cfg.
func NewEstimator(cfg VolatilityConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// welford accumulates a running mean and variance in one pass.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

func (w *welford) sigma() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// Factor returns the volatility factor for an ordered (oldest first) window of points of
// one outcome. With fewer than MinSamples price changes it returns DefaultFactor.
// The result always lies within [floor, Ceiling] where floor depends on the bucket.
func (e *Estimator) Factor(points []models.PricePoint, bucket models.LiquidityBucket) float64 {
	floor := e.cfg.Floor
	if bucket.Sparse() {
		floor = e.cfg.LowLiquidityFloor
	}
	if len(points)-1 < e.cfg.MinSamples {
		return clamp(e.cfg.DefaultFactor, floor, e.cfg.Ceiling)
	}

	var w welford
	for i := 1; i < len(points); i++ {
		w.add(points[i].Price - points[i-1].Price)
	}

	liquidity := math.Max(points[len(points)-1].Liquidity, 1)
	mult := 1 + e.cfg.LiquidityElasticity*math.Log10(liquidity/e.cfg.ReferenceLiquidity)
	if mult < 0 {
		mult = 0
	}

	return clamp(w.sigma()/e.cfg.ReferenceVolatility*mult, floor, e.cfg.Ceiling)
}

// LiquidityTrend compares the newest point's liquidity with the mean of the earlier ones,
// as a relative change clamped to [-1, 1]. Returns 0 without enough history.
func LiquidityTrend(points []models.PricePoint) float64 {
	if len(points) < 2 {
		return 0
	}
	var sum float64
	for _, p := range points[:len(points)-1] {
		sum += p.Liquidity
	}
	mean := sum / float64(len(points)-1)
	if mean <= 0 {
		return 0
	}
	return clamp((points[len(points)-1].Liquidity-mean)/mean, -1, 1)
}

// LiquidityGrowth is the relative liquidity change between two consecutive observations.
func LiquidityGrowth(prev, curr float64) float64 {
	if prev <= 0 {
		return 0
	}
	return (curr - prev) / prev
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
