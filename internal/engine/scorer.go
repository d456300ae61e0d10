package engine

import (
	"math"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// ScorerConfig holds strength cut points and feature normalisation constants.
type ScorerConfig struct {
	MediumCut               float64
	HighCut                 float64
	RecencyTau              time.Duration
	LiquiditySurgeThreshold float64
	FactorFloor             float64
	FactorCeiling           float64
}

// DefaultScorerConfig returns the default strength cuts and normalisation constants.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MediumCut:               0.4,
		HighCut:                 0.7,
		RecencyTau:              6 * time.Hour,
		LiquiditySurgeThreshold: 0.5,
		FactorFloor:             0.25,
		FactorCeiling:           3.0,
	}
}

// Scorer turns a detection plus auxiliary evidence into a confidence score.
// It holds no state between calls.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer returns a Scorer for cfg.
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// ScoreInput gathers everything Score needs.
type ScoreInput struct {
	Detection       Detection
	LiquidityTrend  float64
	LiquidityGrowth float64
	// SinceLastSignal is ignored when HasPriorSignal is false.
	SinceLastSignal time.Duration
	HasPriorSignal  bool
	// PriorDirection is the direction of the previous detection of the same outcome
	// within the reversal window, expressed for Detection.OutcomeID. 0 when none.
	PriorDirection int
	Weights        []float64
}

// Score is the scorer's verdict.
type Score struct {
	Features   []float64
	Confidence float64
	Strength   models.Strength
	Type       models.SignalType
	// Emit is false when the detection is neither significant nor a liquidity surge.
	Emit bool
}

// Score computes the features, confidence, strength and type of one detection.
func (s *Scorer) Score(in ScoreInput) Score {
	features := s.Features(in)

	var confidence float64
	for i, f := range features {
		if i < len(in.Weights) {
			confidence += in.Weights[i] * f
		}
	}
	confidence = clamp(confidence, 0, 1)

	typ, emit := s.classify(in)
	return Score{
		Features:   features,
		Confidence: confidence,
		Strength:   s.StrengthFor(confidence),
		Type:       typ,
		Emit:       emit,
	}
}

// Features returns the normalised feature vector in models.Feature* order.
func (s *Scorer) Features(in ScoreInput) []float64 {
	f := make([]float64, models.NumFeatures)

	if d := math.Abs(in.Detection.Delta); d > 0 {
		f[models.FeatureMagnitude] = clamp(1-in.Detection.Threshold/d, 0, 1)
	}

	span := s.cfg.FactorCeiling - s.cfg.FactorFloor
	if span > 0 {
		f[models.FeatureVolatility] = clamp(1-(in.Detection.Factor-s.cfg.FactorFloor)/span, 0, 1)
	}

	f[models.FeatureLiquidityTrend] = (clamp(in.LiquidityTrend, -1, 1) + 1) / 2

	if !in.HasPriorSignal || s.cfg.RecencyTau <= 0 {
		f[models.FeatureRecency] = 1
	} else {
		since := math.Max(float64(in.SinceLastSignal), 0)
		f[models.FeatureRecency] = 1 - math.Exp(-since/float64(s.cfg.RecencyTau))
	}
	return f
}

// StrengthFor maps a confidence to its tier.
func (s *Scorer) StrengthFor(confidence float64) models.Strength {
	switch {
	case confidence >= s.cfg.HighCut:
		return models.StrengthHigh
	case confidence >= s.cfg.MediumCut:
		return models.StrengthMedium
	default:
		return models.StrengthLow
	}
}

func (s *Scorer) classify(in ScoreInput) (models.SignalType, bool) {
	dir := models.Sign(in.Detection.Delta)
	switch {
	case in.Detection.Significant && in.PriorDirection != 0 && dir == -in.PriorDirection:
		return models.SignalTrendReversal, true
	case in.Detection.Significant && in.Detection.Window > 0:
		return models.SignalSustainedTrend, true
	case in.Detection.Significant:
		return models.SignalPriceShift, true
	case in.LiquidityGrowth >= s.cfg.LiquiditySurgeThreshold:
		return models.SignalLiquiditySurge, true
	default:
		return models.SignalPriceShift, false
	}
}
