// Package publish selects which pending signals are posted. Signals pass, in order, a
// confidence floor, a per-market cooldown, a global cap per time window and a duplicate
// message check. A signal is claimed in the PostRecord ledger before it is sent, so the
// cooldown, cap and duplicate checks also see posts that are still in flight.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const Stage = "publish"

type Config struct {
	MinConfidence float64
	Cooldown      time.Duration
	CapWindow     time.Duration
	// MaxPosts is the number of posts allowed across all markets per CapWindow.
	MaxPosts      int
	DedupLookback time.Duration
	// MaxRetryAge is how long after detection an unpublished signal may still be posted.
	MaxRetryAge time.Duration
	PostTimeout time.Duration
}

// DefaultConfig returns the publication defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		Cooldown:      15 * time.Minute,
		CapWindow:     24 * time.Hour,
		MaxPosts:      100,
		DedupLookback: 24 * time.Hour,
		MaxRetryAge:   2 * time.Hour,
		PostTimeout:   10 * time.Second,
	}
}

type Option func(*Config)

// WithMinConfidence sets the confidence floor for one run.
func WithMinConfidence(v float64) Option {
	return func(c *Config) { c.MinConfidence = v }
}

// WithMaxPosts sets the global cap for one run.
func WithMaxPosts(n int) Option {
	return func(c *Config) { c.MaxPosts = n }
}

// WithCooldown sets the per-market cooldown for one run.
func WithCooldown(d time.Duration) Option {
	return func(c *Config) { c.Cooldown = d }
}

type Gate struct {
	sink    Sink
	storage *storage.Storage
	config  Config
	now     func() time.Time
}

// NewGate returns a Gate posting to sink and recording posts in s.
func NewGate(sink Sink, s *storage.Storage, config Config) *Gate {
	return &Gate{
		sink:    sink,
		storage: s,
		config:  config,
		now:     time.Now,
	}
}

// RunBatch considers every pending signal once. Signals blocked by the cooldown or the
// cap stay pending; stale, low-confidence and duplicate ones are expired.
func (g *Gate) RunBatch(ctx context.Context, opts ...Option) (models.RunSummary, error) {
	start := g.now()
	summary := models.RunSummary{Stage: Stage}

	cfg := g.config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return summary, fmt.Errorf("%w: min confidence %.2f out of range", models.ErrConfig, cfg.MinConfidence)
	}

	pending, err := g.storage.ListPendingSignals()
	if err != nil {
		return summary, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	var expired []string
	candidates := make([]*models.Signal, 0, len(pending))
	for _, sig := range pending {
		summary.Processed++
		switch {
		case cfg.MaxRetryAge > 0 && start.Sub(sig.DetectedAt) > cfg.MaxRetryAge:
			expired = append(expired, sig.ID)
			summary.Skipped++
		case sig.Confidence < cfg.MinConfidence:
			expired = append(expired, sig.ID)
			summary.Skipped++
		default:
			candidates = append(candidates, sig)
		}
	}

	if cfg.MaxRetryAge > 0 {
		if n, err := g.storage.ReleaseStaleClaims(start.Add(-cfg.MaxRetryAge)); err != nil {
			logger.Warn("Failed to release stale post claims: %v", err)
		} else if n > 0 {
			logger.Warn("Released %d stale post claim(s)", n)
		}
	}

	attempted := make(map[string]bool)
	for _, sig := range candidates {
		if err := ctx.Err(); err != nil {
			g.expire(expired)
			summary.Duration = g.now().Sub(start)
			return summary, err
		}
		if attempted[sig.MarketID] {
			summary.Skipped++
			continue
		}

		result, err := g.publish(ctx, cfg, sig, start)
		switch {
		case err != nil:
			attempted[sig.MarketID] = true
			summary.Errored++
			logger.Warn("Failed to publish signal %s on market %s: %v", sig.ID, sig.MarketID, err)
		case result == storage.Claimed:
			attempted[sig.MarketID] = true
			summary.Published++
		case result == storage.ClaimDuplicate:
			expired = append(expired, sig.ID)
			summary.Skipped++
		default:
			summary.Skipped++
		}
	}

	g.expire(expired)
	summary.Duration = g.now().Sub(start)
	logger.Info("Publication finished: %s", summary)
	return summary, nil
}

// publish claims a ledger slot for sig, posts it and commits the claim. Any status other
// than Claimed means nothing was sent.
func (g *Gate) publish(ctx context.Context, cfg Config, sig *models.Signal, now time.Time) (storage.ClaimStatus, error) {
	market, err := g.storage.GetMarket(sig.MarketID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	text := FormatMessage(market, sig)

	rec := &models.PostRecord{
		ID:          uuid.New().String(),
		SignalID:    sig.ID,
		MarketID:    sig.MarketID,
		MessageHash: MessageHash(text),
	}
	status, err := g.storage.ClaimPublication(rec, storage.ClaimLimits{
		Now:           now,
		Cooldown:      cfg.Cooldown,
		CapWindow:     cfg.CapWindow,
		MaxPosts:      cfg.MaxPosts,
		DedupLookback: cfg.DedupLookback,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if status != storage.Claimed {
		logger.Debug("Signal %s not posted: %s", sig.ID, status)
		return status, nil
	}

	postCtx := ctx
	if cfg.PostTimeout > 0 {
		var cancel context.CancelFunc
		postCtx, cancel = context.WithTimeout(ctx, cfg.PostTimeout)
		defer cancel()
	}
	if err := g.sink.Post(postCtx, text); err != nil {
		if relErr := g.storage.ReleasePublication(rec.ID); relErr != nil {
			logger.Warn("Failed to release post claim for %s: %v", sig.ID, relErr)
		}
		if incErr := g.storage.IncrementPublishAttempts(sig.ID); incErr != nil {
			logger.Warn("Failed to record publish attempt for %s: %v", sig.ID, incErr)
		}
		return 0, fmt.Errorf("%w: %v", models.ErrPosting, err)
	}

	if ok, err := g.storage.CommitPublication(rec.ID); err != nil {
		return 0, fmt.Errorf("%w: posted but not recorded: %v", models.ErrStorage, err)
	} else if !ok {
		return 0, fmt.Errorf("%w: posted but claim %s was released", models.ErrStorage, rec.ID)
	}
	logger.Debug("Published signal %s (%s, confidence %.2f)", sig.ID, sig.Type, sig.Confidence)
	return storage.Claimed, nil
}

func (g *Gate) expire(ids []string) {
	if err := g.storage.MarkExpired(ids...); err != nil {
		logger.Warn("Failed to expire %d signal(s): %v", len(ids), err)
	}
}
