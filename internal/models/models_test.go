package models

import (
	"math"
	"testing"
	"time"
)

func validMarket() Market {
	now := time.Now()
	return Market{
		ID:          "market-1",
		Title:       "Will X happen?",
		Category:    CategoryPolitics,
		Outcomes:    []string{"Yes", "No"},
		Prices:      []float64{0.75, 0.25},
		Liquidity:   10000,
		Status:      StatusOpen,
		LastUpdated: now,
		CreatedAt:   now.Add(-1 * time.Hour),
	}
}

func TestMarketValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Market)
		wantErr bool
	}{
		{name: "valid market", mutate: func(m *Market) {}},
		{name: "empty ID", mutate: func(m *Market) { m.ID = "" }, wantErr: true},
		{name: "empty title", mutate: func(m *Market) { m.Title = "" }, wantErr: true},
		{name: "unknown category", mutate: func(m *Market) { m.Category = "weather" }, wantErr: true},
		{name: "single outcome", mutate: func(m *Market) {
			m.Outcomes = []string{"Yes"}
			m.Prices = []float64{1}
		}, wantErr: true},
		{name: "price count mismatch", mutate: func(m *Market) { m.Prices = []float64{0.5} }, wantErr: true},
		{name: "price above one", mutate: func(m *Market) { m.Prices = []float64{1.5, 0.25} }, wantErr: true},
		{name: "prices don't sum to 1", mutate: func(m *Market) { m.Prices = []float64{0.5, 0.6} }, wantErr: true},
		{name: "within tolerance", mutate: func(m *Market) { m.Prices = []float64{0.505, 0.505} }},
		{name: "three outcomes", mutate: func(m *Market) {
			m.Outcomes = []string{"A", "B", "C"}
			m.Prices = []float64{0.2, 0.3, 0.5}
		}},
		{name: "duplicate outcome", mutate: func(m *Market) { m.Outcomes = []string{"Yes", "Yes"} }, wantErr: true},
		{name: "negative liquidity", mutate: func(m *Market) { m.Liquidity = -1 }, wantErr: true},
		{name: "bad status", mutate: func(m *Market) { m.Status = "closed" }, wantErr: true},
		{name: "future update", mutate: func(m *Market) { m.LastUpdated = time.Now().Add(time.Hour) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMarket()
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Market.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" crypto ")
	if err != nil || c != CategoryCrypto {
		t.Fatalf("ParseCategory() = %q, %v", c, err)
	}
	if _, err := ParseCategory("weather"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestBucketFor(t *testing.T) {
	cuts := DefaultBucketCutoffs()
	tests := []struct {
		liquidity float64
		want      LiquidityBucket
	}{
		{0, BucketVeryLow},
		{4999, BucketVeryLow},
		{5000, BucketLow},
		{10000, BucketLow},
		{100000, BucketMedium},
		{499999, BucketMedium},
		{500000, BucketHigh},
		{5e7, BucketHigh},
	}
	for _, tt := range tests {
		if got := cuts.BucketFor(tt.liquidity); got != tt.want {
			t.Errorf("BucketFor(%v) = %s, want %s", tt.liquidity, got, tt.want)
		}
	}
}

func TestSignalIDDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 123)
	a := SignalID("m1", "Yes", at)
	b := SignalID("m1", "Yes", at)
	if a != b {
		t.Errorf("SignalID not deterministic: %s != %s", a, b)
	}
	if a == SignalID("m1", "No", at) {
		t.Error("different outcomes must produce different ids")
	}
	if a == SignalID("m1", "Yes", at.Add(time.Nanosecond)) {
		t.Error("different timestamps must produce different ids")
	}
}

func TestSignalValidate(t *testing.T) {
	s := Signal{
		ID:         SignalID("m1", "Yes", time.Now()),
		MarketID:   "m1",
		OutcomeID:  "Yes",
		DetectedAt: time.Now(),
		Confidence: 0.5,
		Type:       SignalPriceShift,
		Strength:   StrengthMedium,
		Features:   make([]float64, NumFeatures),
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	s.Confidence = 1.2
	if err := s.Validate(); err == nil {
		t.Error("expected error for confidence above one")
	}
}

func TestNormalizeWeights(t *testing.T) {
	got := NormalizeWeights([]float64{1, 1, 2, 0})
	want := []float64{0.25, 0.25, 0.5, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("weight[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	uniform := NormalizeWeights([]float64{0, 0, 0, 0})
	for i, w := range uniform {
		if w != 0.25 {
			t.Errorf("uniform[%d] = %v, want 0.25", i, w)
		}
	}
}

func TestProfileClone(t *testing.T) {
	p := &ThresholdProfile{Weights: []float64{0.25, 0.25, 0.25, 0.25}, AccuracyHistory: []float64{0.5}}
	c := p.Clone()
	c.Weights[0] = 1
	c.AccuracyHistory[0] = 1
	if p.Weights[0] != 0.25 || p.AccuracyHistory[0] != 0.5 {
		t.Error("Clone shares slices with the original")
	}
}

func TestThresholdTable(t *testing.T) {
	table := ThresholdTable{
		Base: map[LiquidityBucket]float64{
			BucketVeryLow: 0.20, BucketLow: 0.15, BucketMedium: 0.08, BucketHigh: 0.05,
		},
		Overrides: map[Category]map[LiquidityBucket]float64{
			CategoryCrypto: {BucketHigh: 0.04},
		},
	}
	if !table.Complete() {
		t.Fatal("table should be complete")
	}
	if v, _ := table.Lookup(CategoryCrypto, BucketHigh); v != 0.04 {
		t.Errorf("override lookup = %v, want 0.04", v)
	}
	if v, _ := table.Lookup(CategoryCrypto, BucketLow); v != 0.15 {
		t.Errorf("fallback lookup = %v, want 0.15", v)
	}

	profiles := SeedProfiles(table, []float64{0.25, 0.25, 0.25, 0.25}, time.Now())
	if len(profiles) != len(Categories)*len(LiquidityBuckets) {
		t.Errorf("seeded %d profiles, want %d", len(profiles), len(Categories)*len(LiquidityBuckets))
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			t.Errorf("profile %s invalid: %v", p.Key(), err)
		}
	}

	delete(table.Base, BucketHigh)
	if table.Complete() {
		t.Error("table missing a bucket should be incomplete")
	}
}
