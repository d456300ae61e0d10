// Package collector polls the market data provider and records current market state
// and one price point per outcome in the store.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const Stage = "collect"

// Provider returns the current state of all active markets. On a partial failure it
// may return the markets it did get together with the error.
type Provider interface {
	FetchActiveMarkets(ctx context.Context) ([]*models.Market, error)
}

type Config struct {
	MinLiquidity     float64
	HistoryRetention time.Duration
	FetchTimeout     time.Duration
}

// DefaultConfig returns the collection defaults.
func DefaultConfig() Config {
	return Config{
		HistoryRetention: 7 * 24 * time.Hour,
		FetchTimeout:     30 * time.Second,
	}
}

// Option overrides part of the Config for a single RunBatch call.
type Option func(*Config)

// WithMinLiquidity drops markets below v for one run.
func WithMinLiquidity(v float64) Option {
	return func(c *Config) { c.MinLiquidity = v }
}

type Collector struct {
	provider Provider
	storage  *storage.Storage
	config   Config
	now      func() time.Time
}

// New returns a Collector that stores what p reports into s.
func New(p Provider, s *storage.Storage, config Config) *Collector {
	return &Collector{
		provider: p,
		storage:  s,
		config:   config,
		now:      time.Now,
	}
}

// RunBatch fetches all active markets once and stores them. A failed fetch fails the
// run; a storage failure only skips the affected market.
func (c *Collector) RunBatch(ctx context.Context, opts ...Option) (models.RunSummary, error) {
	start := c.now()
	summary := models.RunSummary{Stage: Stage}

	cfg := c.config
	for _, opt := range opts {
		opt(&cfg)
	}

	fetchCtx := ctx
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}
	markets, err := c.provider.FetchActiveMarkets(fetchCtx)
	if err != nil {
		if len(markets) == 0 {
			summary.Duration = c.now().Sub(start)
			return summary, fmt.Errorf("failed to fetch markets: %w", err)
		}
		summary.Errored++
		logger.Warn("Market fetch incomplete, storing %d market(s): %v", len(markets), err)
	}

	polledAt := c.now()
	for _, m := range markets {
		summary.Processed++
		if m.Liquidity < cfg.MinLiquidity {
			summary.Skipped++
			continue
		}
		stored, err := c.store(m, polledAt)
		switch {
		case err != nil:
			summary.Errored++
			logger.Warn("Failed to store market %s: %v", m.ID, err)
		case stored:
			summary.Created++
		default:
			summary.Skipped++
		}
	}

	if cfg.HistoryRetention > 0 {
		pruned, err := c.storage.PruneHistory(polledAt.Add(-cfg.HistoryRetention))
		if err != nil {
			logger.Warn("Failed to prune price history: %v", err)
		} else if pruned > 0 {
			logger.Debug("Pruned %d price points older than %v", pruned, cfg.HistoryRetention)
		}
	}

	summary.Duration = c.now().Sub(start)
	logger.Info("Collection finished: %s", summary)
	return summary, nil
}

// store upserts the market and, for open markets, appends one point per outcome.
// It reports whether new price points were written.
func (c *Collector) store(m *models.Market, polledAt time.Time) (bool, error) {
	m.LastUpdated = polledAt
	if m.CreatedAt.IsZero() || m.CreatedAt.After(polledAt) {
		m.CreatedAt = polledAt
	}
	if err := c.storage.UpsertMarket(m); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if m.Status != models.StatusOpen {
		return false, nil
	}

	points := make([]models.PricePoint, len(m.Outcomes))
	for i, outcome := range m.Outcomes {
		points[i] = models.PricePoint{
			MarketID:  m.ID,
			OutcomeID: outcome,
			Price:     m.Prices[i],
			Liquidity: m.Liquidity,
			Timestamp: polledAt,
		}
	}
	if err := c.storage.AppendPricePoints(points); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return true, nil
}
