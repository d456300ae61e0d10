package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

func annotated(id int, correct bool, features []float64) *models.Signal {
	at := time.Now().Add(-time.Duration(id+1) * time.Minute)
	return &models.Signal{
		ID:                models.SignalID("m1", "Yes", at),
		MarketID:          "m1",
		OutcomeID:         "Yes",
		DetectedAt:        at,
		PriorPrice:        0.5,
		NewPrice:          0.61,
		Delta:             0.11,
		Type:              models.SignalPriceShift,
		Strength:          models.StrengthMedium,
		Confidence:        0.6,
		Category:          models.CategoryPolitics,
		Bucket:            models.BucketLow,
		Features:          features,
		ResolvedCorrectly: &correct,
		CreatedAt:         at,
	}
}

func window(correct, incorrect int) []*models.Signal {
	var out []*models.Signal
	for i := 0; i < correct; i++ {
		out = append(out, annotated(i, true, []float64{0.8, 0.5, 0.5, 0.5}))
	}
	for i := 0; i < incorrect; i++ {
		out = append(out, annotated(correct+i, false, []float64{0.2, 0.5, 0.5, 0.5}))
	}
	return out
}

func TestNextThreshold_StepIsBounded(t *testing.T) {
	p := DefaultParams()
	p.LowerFactor = 0.1
	p.RaiseFactor = 5
	p.Smoothing = 1

	for _, base := range []float64{0.03, 0.05, 0.15, 0.2, 0.3, 0.5} {
		for _, acc := range []float64{0, 0.2, 0.5, 0.71, 1} {
			t.Run(fmt.Sprintf("base=%.2f/acc=%.2f", base, acc), func(t *testing.T) {
				next := NextThreshold(base, acc, p)
				assert.LessOrEqual(t, math.Abs(next-base), p.MaxStep+1e-12)
			})
		}
	}
}

func TestNextThreshold_Direction(t *testing.T) {
	p := DefaultParams()
	assert.Less(t, NextThreshold(0.15, 0.9, p), 0.15)
	assert.Greater(t, NextThreshold(0.15, 0.1, p), 0.15)
	assert.Equal(t, 0.15, NextThreshold(0.15, 0.5, p))
	assert.InDelta(t, 0.14625, NextThreshold(0.15, 1, p), 1e-9)
}

func TestAccuracy_RoundTrip(t *testing.T) {
	base := window(6, 4)
	before, ok := Accuracy(base)
	require.True(t, ok)
	assert.InDelta(t, 0.6, before, 1e-9)

	withCorrect, _ := Accuracy(append(window(6, 4), annotated(100, true, []float64{0.5, 0.5, 0.5, 0.5})))
	assert.Greater(t, withCorrect, before)

	withIncorrect, _ := Accuracy(append(window(6, 4), annotated(100, false, []float64{0.5, 0.5, 0.5, 0.5})))
	assert.Less(t, withIncorrect, before)

	_, ok = Accuracy(nil)
	assert.False(t, ok)
}

func TestNextWeights_FavoursSeparatingFeature(t *testing.T) {
	p := DefaultParams()
	weights := []float64{0.25, 0.25, 0.25, 0.25}
	next := NextWeights(weights, window(5, 5), p)

	var sum float64
	for _, w := range next {
		sum += w
		assert.GreaterOrEqual(t, w, 0.0)
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Greater(t, next[models.FeatureMagnitude], 0.25)
	assert.Less(t, next[models.FeatureVolatility], 0.25)

	// all correct: nothing to compare against
	assert.Equal(t, weights, NextWeights(weights, window(5, 0), p))
}

func TestApply_BelowMinSamplesLeavesThreshold(t *testing.T) {
	p := DefaultParams()
	profile := &models.ThresholdProfile{
		Category:      models.CategoryPolitics,
		Bucket:        models.BucketLow,
		BaseThreshold: 0.15,
		Weights:       []float64{0.4, 0.2, 0.2, 0.2},
	}
	// every signal wrong, but too few of them
	w := window(0, 5)
	next, changed := Apply(profile, w, w, p)
	assert.False(t, changed)
	assert.Equal(t, 0.15, next.BaseThreshold)
	assert.Equal(t, profile.Weights, next.Weights)
	assert.Equal(t, 5, next.SampleCount)
	assert.Equal(t, 0, profile.SampleCount, "input profile is not mutated")
}

func TestApply_HistoryIsCapped(t *testing.T) {
	p := DefaultParams()
	p.HistorySize = 3
	profile := &models.ThresholdProfile{
		BaseThreshold:   0.15,
		Weights:         []float64{0.25, 0.25, 0.25, 0.25},
		SampleCount:     100,
		AccuracyHistory: []float64{0.1, 0.2, 0.3},
	}
	next, changed := Apply(profile, window(1, 0), window(20, 5), p)
	require.True(t, changed)
	assert.Equal(t, []float64{0.2, 0.3, 0.8}, next.AccuracyHistory)
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.UpsertMarket(&models.Market{
		ID:          "m1",
		Title:       "Market m1",
		Category:    models.CategoryPolitics,
		Outcomes:    []string{"Yes", "No"},
		Prices:      []float64{0.5, 0.5},
		Liquidity:   10000,
		Status:      models.StatusEvaluated,
		LastUpdated: now,
		CreatedAt:   now,
	}))

	table := models.ThresholdTable{Base: map[models.LiquidityBucket]float64{
		models.BucketVeryLow: 0.20,
		models.BucketLow:     0.15,
		models.BucketMedium:  0.08,
		models.BucketHigh:    0.05,
	}}
	_, err = s.SeedProfiles(models.SeedProfiles(table, []float64{0.4, 0.2, 0.2, 0.2}, now))
	require.NoError(t, err)
	return s
}

func insertAll(t *testing.T, s *storage.Storage, signals []*models.Signal) {
	t.Helper()
	for _, sig := range signals {
		_, err := s.InsertSignal(sig)
		require.NoError(t, err)
	}
}

func TestRunBatch_AdjustsProfile(t *testing.T) {
	s := newTestStorage(t)
	insertAll(t, s, window(25, 0))
	c := New(s, DefaultConfig())

	summary, err := c.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Conflicts)
	assert.Equal(t, summary.Processed-1, summary.Skipped)

	p, err := s.GetProfile(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.InDelta(t, 0.14625, p.BaseThreshold, 1e-9)
	assert.Equal(t, 25, p.SampleCount)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, []float64{1}, p.AccuracyHistory)

	// nothing new to fold on the next run
	summary, err = c.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	again, err := s.GetProfile(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.Equal(t, p.BaseThreshold, again.BaseThreshold)
	assert.Equal(t, int64(1), again.Version)
}

func TestRunBatch_BelowMinSamples(t *testing.T) {
	s := newTestStorage(t)
	insertAll(t, s, window(0, 5))

	summary, err := New(s, DefaultConfig()).RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, summary.Processed, summary.Skipped, "a folded-only profile counts as skipped")
	assert.Equal(t, summary.Processed,
		summary.Created+summary.Skipped+summary.Errored+summary.Conflicts)

	p, err := s.GetProfile(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.Equal(t, 0.15, p.BaseThreshold)
	assert.Equal(t, 5, p.SampleCount)

	fresh, err := s.ListUncalibratedSignals(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestCalibrate_VersionConflictIsSkipped(t *testing.T) {
	s := newTestStorage(t)
	insertAll(t, s, window(25, 0))
	c := New(s, DefaultConfig())

	stale, err := s.GetProfile(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)

	// another run wins the race
	winner := stale.Clone()
	winner.BaseThreshold = 0.16
	require.NoError(t, s.CompareAndSwapProfile(winner, stale.Version, nil))

	_, _, err = c.calibrate(c.config, stale)
	assert.True(t, errors.Is(err, models.ErrCalibrationConflict))

	p, err := s.GetProfile(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.Equal(t, 0.16, p.BaseThreshold)
	fresh, err := s.ListUncalibratedSignals(models.CategoryPolitics, models.BucketLow)
	require.NoError(t, err)
	assert.Len(t, fresh, 25, "signals stay unfolded after a conflict")
}

func TestRunBatch_InvalidConfig(t *testing.T) {
	s := newTestStorage(t)
	_, err := New(s, DefaultConfig()).RunBatch(context.Background(), WithMaxStep(0))
	assert.True(t, errors.Is(err, models.ErrConfig))
}
