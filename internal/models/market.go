// Package models defines the core domain entities: markets, price points, signals,
// resolutions, threshold profiles and post records.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PriceSumTolerance bounds how far the outcome prices of a market may drift from 1.0.
const PriceSumTolerance = 0.02

// Category classifies a market by topic. Thresholds are tracked per category.
type Category string

const (
	CategoryPolitics      Category = "Politics"
	CategoryCrypto        Category = "Crypto"
	CategoryTech          Category = "Tech"
	CategoryFinance       Category = "Finance"
	CategorySports        Category = "Sports"
	CategoryEntertainment Category = "Entertainment"
	CategoryOther         Category = "Other"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryPolitics,
	CategoryCrypto,
	CategoryTech,
	CategoryFinance,
	CategorySports,
	CategoryEntertainment,
	CategoryOther,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory matches s case-insensitively against the known categories.
func ParseCategory(s string) (Category, error) {
	for _, known := range Categories {
		if strings.EqualFold(strings.TrimSpace(s), string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// MarketStatus is the lifecycle state of a market.
// Open → Resolved (collector or tracker saw it close) → Evaluated (signals annotated).
type MarketStatus string

const (
	StatusOpen      MarketStatus = "open"
	StatusResolved  MarketStatus = "resolved"
	StatusEvaluated MarketStatus = "evaluated"
)

// Market is the latest known state of a prediction market with two or more outcomes.
type Market struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Slug            string       `json:"slug,omitempty"`
	Category        Category     `json:"category"`
	Outcomes        []string     `json:"outcomes"`
	Prices          []float64    `json:"prices"`
	Liquidity       float64      `json:"liquidity"`
	Volume24hr      float64      `json:"volume_24hr"`
	EndDate         time.Time    `json:"end_date,omitempty"`
	Status          MarketStatus `json:"status"`
	ResolvedOutcome string       `json:"resolved_outcome,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if m.Title == "" {
		return errors.New("market title must not be empty")
	}
	if !m.Category.Valid() {
		return fmt.Errorf("invalid market category %q", m.Category)
	}
	if len(m.Outcomes) < 2 {
		return errors.New("market must have at least two outcomes")
	}
	if len(m.Prices) != len(m.Outcomes) {
		return errors.New("market must have one price per outcome")
	}
	seen := make(map[string]bool, len(m.Outcomes))
	var sum float64
	for i, p := range m.Prices {
		if m.Outcomes[i] == "" {
			return errors.New("outcome name must not be empty")
		}
		if seen[m.Outcomes[i]] {
			return fmt.Errorf("duplicate outcome %q", m.Outcomes[i])
		}
		seen[m.Outcomes[i]] = true
		if p < 0.0 || p > 1.0 || math.IsNaN(p) {
			return fmt.Errorf("price of outcome %q must be between 0.0 and 1.0", m.Outcomes[i])
		}
		sum += p
	}
	if math.Abs(sum-1.0) > PriceSumTolerance {
		return errors.New("outcome prices should approximately sum to 1.0")
	}
	if m.Liquidity < 0 {
		return errors.New("liquidity must not be negative")
	}
	if m.Volume24hr < 0 {
		return errors.New("volume 24hr must not be negative")
	}
	switch m.Status {
	case StatusOpen, StatusResolved, StatusEvaluated:
	default:
		return fmt.Errorf("invalid market status %q", m.Status)
	}
	if m.LastUpdated.After(time.Now()) {
		return errors.New("last updated must not be in the future")
	}
	if m.CreatedAt.After(m.LastUpdated) {
		return errors.New("created at must be <= last updated")
	}
	return nil
}

// IsBinary reports whether the market has exactly two outcomes.
func (m *Market) IsBinary() bool {
	return len(m.Outcomes) == 2
}

// OutcomeIndex returns the position of outcome, or -1.
func (m *Market) OutcomeIndex(outcome string) int {
	for i, o := range m.Outcomes {
		if o == outcome {
			return i
		}
	}
	return -1
}

// PricePoint is one immutable historical observation of an outcome price.
type PricePoint struct {
	MarketID  string    `json:"market_id"`
	OutcomeID string    `json:"outcome_id"`
	Price     float64   `json:"price"`
	Liquidity float64   `json:"liquidity"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks price point field constraints.
func (p *PricePoint) Validate() error {
	if p.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if p.OutcomeID == "" {
		return errors.New("outcome ID must not be empty")
	}
	if p.Price < 0.0 || p.Price > 1.0 || math.IsNaN(p.Price) {
		return errors.New("price must be between 0.0 and 1.0")
	}
	if p.Liquidity < 0 {
		return errors.New("liquidity must not be negative")
	}
	if p.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	return nil
}

// Resolution is the final outcome of a market, written once.
type Resolution struct {
	MarketID     string    `json:"market_id"`
	FinalOutcome string    `json:"final_outcome"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// LiquidityBucket groups markets by depth so that thresholds can differ per regime.
type LiquidityBucket string

const (
	BucketVeryLow LiquidityBucket = "very_low"
	BucketLow     LiquidityBucket = "low"
	BucketMedium  LiquidityBucket = "medium"
	BucketHigh    LiquidityBucket = "high"
)

// LiquidityBuckets lists every bucket from shallowest to deepest.
var LiquidityBuckets = []LiquidityBucket{BucketVeryLow, BucketLow, BucketMedium, BucketHigh}

// BucketCutoffs are the lower liquidity bounds of the Low, Medium and High buckets.
type BucketCutoffs struct {
	Low    float64 `mapstructure:"low"`
	Medium float64 `mapstructure:"medium"`
	High   float64 `mapstructure:"high"`
}

// DefaultBucketCutoffs returns the standard tiers: <5k, <100k, <500k, above.
func DefaultBucketCutoffs() BucketCutoffs {
	return BucketCutoffs{Low: 5000, Medium: 100000, High: 500000}
}

// BucketFor maps a liquidity value to its bucket.
func (c BucketCutoffs) BucketFor(liquidity float64) LiquidityBucket {
	switch {
	case liquidity < c.Low:
		return BucketVeryLow
	case liquidity < c.Medium:
		return BucketLow
	case liquidity < c.High:
		return BucketMedium
	default:
		return BucketHigh
	}
}

// Sparse reports whether markets in the bucket trade thinly.
func (b LiquidityBucket) Sparse() bool {
	return b == BucketVeryLow || b == BucketLow
}
