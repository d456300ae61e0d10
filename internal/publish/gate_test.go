package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

type fakeSink struct {
	posts []string
	err   error
}

func (f *fakeSink) Post(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, text)
	return nil
}

// base is far enough in the past that every test clock stays behind wall time.
var base = time.Now().Add(-48 * time.Hour).Truncate(time.Second)

func newTestStorage(t *testing.T, marketIDs ...string) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for _, id := range marketIDs {
		require.NoError(t, s.UpsertMarket(&models.Market{
			ID:          id,
			Title:       "Will " + id + " happen?",
			Slug:        id,
			Category:    models.CategoryPolitics,
			Outcomes:    []string{"Yes", "No"},
			Prices:      []float64{0.61, 0.39},
			Liquidity:   10000,
			Status:      models.StatusOpen,
			LastUpdated: base,
			CreatedAt:   base,
		}))
	}
	return s
}

func pendingSignal(marketID string, at time.Time, newPrice, confidence float64) *models.Signal {
	return &models.Signal{
		ID:         models.SignalID(marketID, "Yes", at),
		MarketID:   marketID,
		OutcomeID:  "Yes",
		DetectedAt: at,
		PriorPrice: 0.5,
		NewPrice:   newPrice,
		Delta:      newPrice - 0.5,
		Type:       models.SignalPriceShift,
		Strength:   models.StrengthMedium,
		Confidence: confidence,
		Category:   models.CategoryPolitics,
		Bucket:     models.BucketLow,
		Features:   []float64{0.5, 0.5, 0.5, 1},
		CreatedAt:  at,
	}
}

func insert(t *testing.T, s *storage.Storage, signals ...*models.Signal) {
	t.Helper()
	for _, sig := range signals {
		_, err := s.InsertSignal(sig)
		require.NoError(t, err)
	}
}

func newGate(sink Sink, s *storage.Storage, clock *time.Time) *Gate {
	g := NewGate(sink, s, DefaultConfig())
	g.now = func() time.Time { return *clock }
	return g
}

func TestRunBatch_PublishesSignal(t *testing.T) {
	s := newTestStorage(t, "m1")
	sig := pendingSignal("m1", base, 0.61, 0.72)
	insert(t, s, sig)
	sink := &fakeSink{}
	clock := base.Add(time.Minute)

	summary, err := newGate(sink, s, &clock).RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	require.Len(t, sink.posts, 1)
	assert.Contains(t, sink.posts[0], "Will m1 happen?")
	assert.Contains(t, sink.posts[0], "50.0% -> 61.0%")

	got, err := s.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.True(t, got.Published)
	records, err := s.ListPostRecords("m1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, MessageHash(sink.posts[0]), records[0].MessageHash)
}

func TestRunBatch_LowConfidenceExpires(t *testing.T) {
	s := newTestStorage(t, "m1")
	sig := pendingSignal("m1", base, 0.61, 0.3)
	insert(t, s, sig)
	sink := &fakeSink{}
	clock := base.Add(time.Minute)

	summary, err := newGate(sink, s, &clock).RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Published)
	assert.Empty(t, sink.posts)
	got, _ := s.GetSignal(sig.ID)
	assert.True(t, got.Expired)
}

func TestRunBatch_CooldownHoldsForAnyOrdering(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			s := newTestStorage(t, "m1")
			signals := []*models.Signal{
				pendingSignal("m1", base, 0.61, 0.9),
				pendingSignal("m1", base.Add(time.Minute), 0.63, 0.7),
				pendingSignal("m1", base.Add(2*time.Minute), 0.66, 0.8),
			}
			for _, i := range order {
				insert(t, s, signals[i])
			}
			sink := &fakeSink{}
			clock := base.Add(3 * time.Minute)
			g := newGate(sink, s, &clock)

			_, err := g.RunBatch(context.Background())
			require.NoError(t, err)
			assert.Len(t, sink.posts, 1)

			// still inside the cooldown
			clock = clock.Add(5 * time.Minute)
			_, err = g.RunBatch(context.Background())
			require.NoError(t, err)
			assert.Len(t, sink.posts, 1)

			records, err := s.ListPostRecords("m1")
			require.NoError(t, err)
			assert.Len(t, records, 1)
			assert.Equal(t, signals[0].ID, records[0].SignalID, "highest confidence goes first")

			// cooldown elapsed
			clock = clock.Add(15 * time.Minute)
			_, err = g.RunBatch(context.Background())
			require.NoError(t, err)
			assert.Len(t, sink.posts, 2)
		})
	}
}

func TestRunBatch_GlobalCap(t *testing.T) {
	s := newTestStorage(t, "a", "b", "c")
	low := pendingSignal("c", base, 0.61, 0.6)
	insert(t, s,
		pendingSignal("a", base, 0.61, 0.9),
		low,
		pendingSignal("b", base, 0.61, 0.8),
	)
	sink := &fakeSink{}
	clock := base.Add(time.Minute)

	summary, err := newGate(sink, s, &clock).RunBatch(context.Background(), WithMaxPosts(2))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Published)

	got, err := s.GetSignal(low.ID)
	require.NoError(t, err)
	assert.False(t, got.Published)
	assert.False(t, got.Expired, "capped signals stay pending")
}

func TestRunBatch_DuplicateMessageExpires(t *testing.T) {
	s := newTestStorage(t, "m1")
	first := pendingSignal("m1", base, 0.61, 0.8)
	insert(t, s, first)
	sink := &fakeSink{}
	clock := base.Add(time.Minute)
	g := newGate(sink, s, &clock)
	_, err := g.RunBatch(context.Background())
	require.NoError(t, err)

	// same move reported again after the cooldown
	clock = clock.Add(30 * time.Minute)
	again := pendingSignal("m1", clock.Add(-time.Minute), 0.61, 0.8)
	insert(t, s, again)
	_, err = g.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Len(t, sink.posts, 1)
	got, err := s.GetSignal(again.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired)
}

func TestRunBatch_SinkFailureLeavesSignalPending(t *testing.T) {
	s := newTestStorage(t, "m1")
	sig := pendingSignal("m1", base, 0.61, 0.8)
	insert(t, s, sig)
	sink := &fakeSink{err: errors.New("telegram unavailable")}
	clock := base.Add(time.Minute)
	g := newGate(sink, s, &clock)

	summary, err := g.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errored)

	got, err := s.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.False(t, got.Published)
	assert.False(t, got.Expired)
	assert.Equal(t, 1, got.PublishAttempts)
	records, _ := s.ListPostRecords("m1")
	assert.Empty(t, records)

	// the retry succeeds without a new detection
	sink.err = nil
	clock = clock.Add(time.Minute)
	summary, err = g.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
}

// reentrantSink starts another gate run from inside its first Post, the way two
// overlapping scheduler ticks would interleave.
type reentrantSink struct {
	fakeSink
	gate     *Gate
	inner    models.RunSummary
	innerErr error
	calls    int
}

func (r *reentrantSink) Post(ctx context.Context, text string) error {
	r.calls++
	if r.calls == 1 {
		r.inner, r.innerErr = r.gate.RunBatch(ctx)
	}
	return r.fakeSink.Post(ctx, text)
}

func TestRunBatch_OverlappingRunsPostOnce(t *testing.T) {
	s := newTestStorage(t, "m1")
	insert(t, s,
		pendingSignal("m1", base, 0.61, 0.9),
		pendingSignal("m1", base.Add(time.Minute), 0.66, 0.8),
	)
	sink := &reentrantSink{}
	clock := base.Add(2 * time.Minute)
	g := newGate(sink, s, &clock)
	sink.gate = g

	summary, err := g.RunBatch(context.Background())
	require.NoError(t, err)
	require.NoError(t, sink.innerErr)

	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 0, sink.inner.Published)
	assert.Len(t, sink.posts, 1)
	records, err := s.ListPostRecords("m1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	pending, err := s.ListPendingSignals()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the second signal waits for the cooldown")
}

func TestRunBatch_ReleasesStaleClaims(t *testing.T) {
	s := newTestStorage(t, "m1")
	sig := pendingSignal("m1", base, 0.61, 0.8)
	insert(t, s, sig)

	// a run that stopped between claim and commit
	status, err := s.ClaimPublication(&models.PostRecord{
		ID: "orphan", SignalID: sig.ID, MarketID: "m1", MessageHash: "x",
	}, storage.ClaimLimits{Now: base.Add(-3 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, storage.Claimed, status)

	sink := &fakeSink{}
	clock := base.Add(time.Minute)
	summary, err := newGate(sink, s, &clock).RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Len(t, sink.posts, 1)
}

func TestRunBatch_ExpiresAfterMaxRetryAge(t *testing.T) {
	s := newTestStorage(t, "m1")
	sig := pendingSignal("m1", base, 0.61, 0.8)
	insert(t, s, sig)
	sink := &fakeSink{}
	clock := base.Add(3 * time.Hour)

	_, err := newGate(sink, s, &clock).RunBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sink.posts)
	got, _ := s.GetSignal(sig.ID)
	assert.True(t, got.Expired)
	assert.False(t, got.Published)
}

func TestFormatMessage(t *testing.T) {
	market := &models.Market{Title: "Will it rain?", Slug: "rain"}
	sig := pendingSignal("m1", base, 0.61, 0.72)
	sig.Type = models.SignalTrendReversal

	text := FormatMessage(market, sig)
	assert.True(t, strings.HasPrefix(text, "Trend reversal [medium]"))
	assert.Contains(t, text, "(+11.0 pts)")
	assert.Contains(t, text, "Confidence: 72%")
	assert.Contains(t, text, "https://polymarket.com/event/rain")
	assert.Equal(t, MessageHash(text), MessageHash(FormatMessage(market, sig)))
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Post(context.Background(), "hello"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, LogSink{}.Post(ctx, "hello"))
}
