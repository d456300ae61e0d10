package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// signalNamespace seeds deterministic signal ids so that re-running detection on the
// same snapshot yields the same id.
var signalNamespace = uuid.MustParse("5b0f3c1e-8d7a-4f7e-9a57-3f0c2d1e6b42")

// SignalType classifies the movement pattern behind a signal.
type SignalType string

const (
	SignalPriceShift     SignalType = "price_shift"
	SignalTrendReversal  SignalType = "trend_reversal"
	SignalLiquiditySurge SignalType = "liquidity_surge"
	// SignalSustainedTrend is a steady one-way move across a trailing window that no
	// single poll-to-poll change made significant.
	SignalSustainedTrend SignalType = "sustained_trend"
)

// Strength is a coarse tier derived from the confidence score.
type Strength string

const (
	StrengthLow    Strength = "low"
	StrengthMedium Strength = "medium"
	StrengthHigh   Strength = "high"
)

// Feature indices of the confidence weight vector.
const (
	FeatureMagnitude = iota
	FeatureVolatility
	FeatureLiquidityTrend
	FeatureRecency
	NumFeatures
)

// FeatureNames maps feature indices to their configuration keys.
var FeatureNames = [NumFeatures]string{"magnitude", "volatility", "liquidity_trend", "recency"}

// Signal is a detected, scored price movement. Immutable after creation except for
// publication bookkeeping and the ResolvedCorrectly annotation.
type Signal struct {
	ID                string          `json:"id"`
	MarketID          string          `json:"market_id"`
	OutcomeID         string          `json:"outcome_id"`
	DetectedAt        time.Time       `json:"detected_at"`
	PriorPrice        float64         `json:"prior_price"`
	NewPrice          float64         `json:"new_price"`
	Delta             float64         `json:"delta"`
	Type              SignalType      `json:"type"`
	Strength          Strength        `json:"strength"`
	Confidence        float64         `json:"confidence"`
	ThresholdUsed     float64         `json:"threshold_used"`
	VolatilityFactor  float64         `json:"volatility_factor"`
	Category          Category        `json:"category"`
	Bucket            LiquidityBucket `json:"liquidity_bucket"`
	Features          []float64       `json:"features"`
	Published         bool            `json:"published"`
	Expired           bool            `json:"expired"`
	PublishAttempts   int             `json:"publish_attempts"`
	ResolvedCorrectly *bool           `json:"resolved_correctly,omitempty"`
	Calibrated        bool            `json:"calibrated"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SignalID derives the idempotency key of a signal.
func SignalID(marketID, outcomeID string, detectedAt time.Time) string {
	key := fmt.Sprintf("%s|%s|%d", marketID, outcomeID, detectedAt.UnixNano())
	return uuid.NewSHA1(signalNamespace, []byte(key)).String()
}

// Direction returns +1 for an upward move of the outcome, -1 for downward, 0 for none.
func (s *Signal) Direction() int {
	return Sign(s.Delta)
}

// Validate checks signal field constraints.
func (s *Signal) Validate() error {
	if s.ID == "" {
		return errors.New("signal ID must not be empty")
	}
	if s.MarketID == "" || s.OutcomeID == "" {
		return errors.New("signal must reference a market and an outcome")
	}
	if s.DetectedAt.IsZero() {
		return errors.New("detected at must be set")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	switch s.Type {
	case SignalPriceShift, SignalTrendReversal, SignalLiquiditySurge, SignalSustainedTrend:
	default:
		return fmt.Errorf("invalid signal type %q", s.Type)
	}
	switch s.Strength {
	case StrengthLow, StrengthMedium, StrengthHigh:
	default:
		return fmt.Errorf("invalid signal strength %q", s.Strength)
	}
	if len(s.Features) != NumFeatures {
		return fmt.Errorf("signal must carry %d features", NumFeatures)
	}
	return nil
}

// PostRecord is an append-only ledger entry for a published signal.
type PostRecord struct {
	ID          string    `json:"id"`
	SignalID    string    `json:"signal_id"`
	MarketID    string    `json:"market_id"`
	PostedAt    time.Time `json:"posted_at"`
	MessageHash string    `json:"message_hash"`
}

// Sign returns -1, 0 or +1.
func Sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
