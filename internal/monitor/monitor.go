// Package monitor runs the detection stage: it reads open markets and their price
// history from storage, runs them through the volatility estimator, significance
// detector and signal scorer, and stores the resulting signals.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/engine"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const Stage = "detect"

type Config struct {
	// WindowSize is the number of trailing points fed to the volatility estimator.
	WindowSize     int
	Thresholds     models.ThresholdTable
	Weights        []float64
	Buckets        models.BucketCutoffs
	Volatility     engine.VolatilityConfig
	Detector       engine.DetectorConfig
	Scorer         engine.ScorerConfig
	ReversalWindow time.Duration

	// overrideThresholds applies Thresholds on top of the stored profiles for one run.
	overrideThresholds bool
}

// DefaultConfig returns the detection defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize: 20,
		Thresholds: models.ThresholdTable{
			Base: map[models.LiquidityBucket]float64{
				models.BucketVeryLow: 0.20,
				models.BucketLow:     0.15,
				models.BucketMedium:  0.08,
				models.BucketHigh:    0.05,
			},
		},
		Weights:        []float64{0.4, 0.2, 0.2, 0.2},
		Buckets:        models.DefaultBucketCutoffs(),
		Volatility:     engine.DefaultVolatilityConfig(),
		Detector:       engine.DefaultDetectorConfig(),
		Scorer:         engine.DefaultScorerConfig(),
		ReversalWindow: 24 * time.Hour,
	}
}

// Option overrides part of the Config for a single RunBatch call.
type Option func(*Config)

// WithThresholds replaces the base thresholds of every profile for this run only.
// Stored profiles are not modified.
func WithThresholds(t models.ThresholdTable) Option {
	return func(c *Config) {
		c.Thresholds = t
		c.overrideThresholds = true
	}
}

// WithWindowSize sets the volatility window for one run.
func WithWindowSize(n int) Option {
	return func(c *Config) { c.WindowSize = n }
}

// WithReversalWindow sets how far back a prior signal counts for reversals.
func WithReversalWindow(d time.Duration) Option {
	return func(c *Config) { c.ReversalWindow = d }
}

type Monitor struct {
	storage *storage.Storage
	config  Config
	now     func() time.Time
}

// New returns a Monitor reading from and writing to s.
func New(s *storage.Storage, config Config) *Monitor {
	return &Monitor{
		storage: s,
		config:  config,
		now:     time.Now,
	}
}

// RunBatch processes every open market once. Failures are isolated per market and
// counted in the summary. A configuration problem or a failure to load the threshold
// profiles aborts the run.
func (m *Monitor) RunBatch(ctx context.Context, opts ...Option) (models.RunSummary, error) {
	start := m.now()
	summary := models.RunSummary{Stage: Stage}

	cfg := m.config
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.Thresholds.Complete() {
		return summary, fmt.Errorf("%w: threshold table must cover every liquidity bucket", models.ErrConfig)
	}
	if len(cfg.Weights) != models.NumFeatures {
		return summary, fmt.Errorf("%w: need %d confidence weights, got %d", models.ErrConfig, models.NumFeatures, len(cfg.Weights))
	}
	if cfg.WindowSize < 2 {
		return summary, fmt.Errorf("%w: window size must be at least 2", models.ErrConfig)
	}
	if len(cfg.Detector.Windows) > 0 && cfg.Detector.TrendMinPoints < 2 {
		return summary, fmt.Errorf("%w: trend windows need at least 2 points", models.ErrConfig)
	}

	if _, err := m.storage.SeedProfiles(models.SeedProfiles(cfg.Thresholds, cfg.Weights, start)); err != nil {
		return summary, fmt.Errorf("%w: failed to seed profiles: %v", models.ErrStorage, err)
	}
	stored, err := m.storage.ListProfiles()
	if err != nil {
		return summary, fmt.Errorf("%w: failed to load profiles: %v", models.ErrStorage, err)
	}
	profiles := make(map[string]*models.ThresholdProfile, len(stored))
	for _, p := range stored {
		if cfg.overrideThresholds {
			if base, ok := cfg.Thresholds.Lookup(p.Category, p.Bucket); ok {
				p.BaseThreshold = base
			}
		}
		profiles[p.Key()] = p
	}

	markets, err := m.storage.ListMarketsByStatus(models.StatusOpen)
	if err != nil {
		return summary, fmt.Errorf("%w: failed to list open markets: %v", models.ErrStorage, err)
	}

	p := &pipeline{
		cfg:       cfg,
		estimator: engine.NewEstimator(cfg.Volatility),
		detector:  engine.NewDetector(cfg.Detector),
		scorer:    engine.NewScorer(cfg.Scorer),
	}

	for _, market := range markets {
		if err := ctx.Err(); err != nil {
			summary.Duration = m.now().Sub(start)
			return summary, err
		}
		summary.Processed++

		created, err := m.processMarket(p, market, profiles)
		switch {
		case err != nil:
			summary.Errored++
			logger.Warn("Detection failed for market %s: %v", market.ID, err)
		case created:
			summary.Created++
		default:
			summary.Skipped++
		}
	}

	summary.Duration = m.now().Sub(start)
	logger.Info("Detection finished: %s", summary)
	return summary, nil
}

type pipeline struct {
	cfg       Config
	estimator *engine.Estimator
	detector  *engine.Detector
	scorer    *engine.Scorer
}

func (m *Monitor) processMarket(p *pipeline, market *models.Market, profiles map[string]*models.ThresholdProfile) (bool, error) {
	bucket := p.cfg.Buckets.BucketFor(market.Liquidity)
	profile, ok := profiles[models.ProfileKey(market.Category, bucket)]
	if !ok {
		return false, fmt.Errorf("%w: no threshold profile for %s", models.ErrConfig, models.ProfileKey(market.Category, bucket))
	}

	history := make(map[string][]models.PricePoint, len(market.Outcomes))
	obs := make([]engine.Observation, 0, len(market.Outcomes))
	for _, outcome := range market.Outcomes {
		points, err := m.storage.GetRecentPricePoints(market.ID, outcome, p.cfg.WindowSize+1)
		if err != nil {
			return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
		}
		history[outcome] = points
		o := engine.Observation{OutcomeID: outcome}
		if n := len(points); n > 0 {
			o.Current = points[n-1].Price
			if n > 1 {
				o.HasPrior = true
				o.Prior = points[n-2].Price
				o.Factor = p.estimator.Factor(points[:n-1], bucket)
			}
			if span := p.cfg.Detector.MaxWindow(); span > 0 && n > 1 {
				o.History, err = m.storage.GetPricePointsSince(market.ID, outcome, points[n-1].Timestamp.Add(-span))
				if err != nil {
					return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
				}
			}
		}
		obs = append(obs, o)
	}

	det, ok := p.detector.DetectMarket(obs, profile)
	if !ok {
		return false, nil
	}

	points := history[det.OutcomeID]
	newest, prior := points[len(points)-1], points[len(points)-2]
	detectedAt := newest.Timestamp

	last, err := m.storage.LastSignal(market.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if last != nil && !last.DetectedAt.Before(detectedAt) {
		// this snapshot was already scored
		return false, nil
	}
	if det.Window > 0 && last != nil && !last.DetectedAt.Before(det.WindowStart) {
		// the window overlaps a move that was already reported
		return false, nil
	}

	in := engine.ScoreInput{
		Detection:       det,
		LiquidityTrend:  engine.LiquidityTrend(points),
		LiquidityGrowth: engine.LiquidityGrowth(prior.Liquidity, newest.Liquidity),
		Weights:         profile.Weights,
	}
	if last != nil {
		in.HasPriorSignal = true
		in.SinceLastSignal = detectedAt.Sub(last.DetectedAt)
		in.PriorDirection = priorDirection(last, det.OutcomeID, market, detectedAt, p.cfg.ReversalWindow)
	}

	score := p.scorer.Score(in)
	if !score.Emit {
		return false, nil
	}

	sig := &models.Signal{
		ID:               models.SignalID(market.ID, det.OutcomeID, detectedAt),
		MarketID:         market.ID,
		OutcomeID:        det.OutcomeID,
		DetectedAt:       detectedAt,
		PriorPrice:       det.PriorPrice,
		NewPrice:         det.NewPrice,
		Delta:            det.Delta,
		Type:             score.Type,
		Strength:         score.Strength,
		Confidence:       score.Confidence,
		ThresholdUsed:    det.Threshold,
		VolatilityFactor: det.Factor,
		Category:         market.Category,
		Bucket:           bucket,
		Features:         score.Features,
		CreatedAt:        m.now(),
	}
	created, err := m.storage.InsertSignal(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if created {
		logger.Debug("Signal %s on %s/%s: %.3f→%.3f threshold=%.3f factor=%.2f confidence=%.3f type=%s",
			sig.ID, market.ID, sig.OutcomeID, sig.PriorPrice, sig.NewPrice,
			sig.ThresholdUsed, sig.VolatilityFactor, sig.Confidence, sig.Type)
	}
	return created, nil
}

// priorDirection expresses the previous price signal's direction in terms of outcome.
// A move on the complementary outcome of a binary market counts with its sign flipped.
func priorDirection(last *models.Signal, outcome string, market *models.Market, at time.Time, window time.Duration) int {
	if last.Type == models.SignalLiquiditySurge || at.Sub(last.DetectedAt) > window {
		return 0
	}
	switch {
	case last.OutcomeID == outcome:
		return last.Direction()
	case market.IsBinary() && market.OutcomeIndex(last.OutcomeID) >= 0:
		return -last.Direction()
	default:
		return 0
	}
}
