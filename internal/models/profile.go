package models

import (
	"errors"
	"fmt"
	"time"
)

// ThresholdProfile holds the adaptive detection parameters for one (category, bucket) regime.
// Version increments on every conditional write.
type ThresholdProfile struct {
	Category        Category        `json:"category"`
	Bucket          LiquidityBucket `json:"bucket"`
	BaseThreshold   float64         `json:"base_threshold"`
	Weights         []float64       `json:"weights"`
	SampleCount     int             `json:"sample_count"`
	AccuracyHistory []float64       `json:"accuracy_history"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Key identifies the profile in logs and maps.
func (p *ThresholdProfile) Key() string {
	return ProfileKey(p.Category, p.Bucket)
}

// ProfileKey formats a (category, bucket) pair.
func ProfileKey(c Category, b LiquidityBucket) string {
	return string(c) + "/" + string(b)
}

// Validate checks profile field constraints.
func (p *ThresholdProfile) Validate() error {
	if !p.Category.Valid() {
		return fmt.Errorf("invalid profile category %q", p.Category)
	}
	if p.Bucket == "" {
		return errors.New("profile bucket must not be empty")
	}
	if p.BaseThreshold <= 0 || p.BaseThreshold >= 1 {
		return errors.New("base threshold must be between 0.0 and 1.0 exclusive")
	}
	if len(p.Weights) != NumFeatures {
		return fmt.Errorf("profile must carry %d weights", NumFeatures)
	}
	for _, w := range p.Weights {
		if w < 0 {
			return errors.New("weights must not be negative")
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it before a conditional write.
func (p *ThresholdProfile) Clone() *ThresholdProfile {
	c := *p
	c.Weights = append([]float64(nil), p.Weights...)
	c.AccuracyHistory = append([]float64(nil), p.AccuracyHistory...)
	return &c
}

// NormalizeWeights scales w so it sums to 1. An all-zero vector becomes uniform.
func NormalizeWeights(w []float64) []float64 {
	out := make([]float64, len(w))
	var sum float64
	for _, v := range w {
		if v > 0 {
			sum += v
		}
	}
	for i, v := range w {
		switch {
		case sum == 0:
			out[i] = 1 / float64(len(w))
		case v > 0:
			out[i] = v / sum
		}
	}
	return out
}

// ThresholdTable holds the configured base thresholds used to seed profiles.
type ThresholdTable struct {
	Base      map[LiquidityBucket]float64
	Overrides map[Category]map[LiquidityBucket]float64
}

// Lookup returns the base threshold for a regime, preferring a category override.
func (t ThresholdTable) Lookup(c Category, b LiquidityBucket) (float64, bool) {
	if o, ok := t.Overrides[c][b]; ok {
		return o, true
	}
	v, ok := t.Base[b]
	return v, ok
}

// Complete reports whether every liquidity bucket has a base threshold.
func (t ThresholdTable) Complete() bool {
	for _, b := range LiquidityBuckets {
		if _, ok := t.Base[b]; !ok {
			return false
		}
	}
	return true
}

// SeedProfiles builds one version-zero profile per (category, bucket) pair.
func SeedProfiles(t ThresholdTable, weights []float64, now time.Time) []*ThresholdProfile {
	out := make([]*ThresholdProfile, 0, len(Categories)*len(LiquidityBuckets))
	for _, c := range Categories {
		for _, b := range LiquidityBuckets {
			base, ok := t.Lookup(c, b)
			if !ok {
				continue
			}
			out = append(out, &ThresholdProfile{
				Category:      c,
				Bucket:        b,
				BaseThreshold: base,
				Weights:       append([]float64(nil), weights...),
				UpdatedAt:     now,
			})
		}
	}
	return out
}
