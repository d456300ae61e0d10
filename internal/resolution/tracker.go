// Package resolution moves resolved markets to Evaluated: it determines the winning
// outcome, annotates every outstanding signal on the market with a correctness verdict
// and records the Resolution, all in one storage transaction.
package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const Stage = "resolve"

// Source looks up the current state of a single market.
type Source interface {
	FetchMarket(ctx context.Context, id string) (*models.Market, error)
}

type Config struct {
	// StaleAfter is how long an Open market may go without a refresh before it is
	// re-queried to detect closure.
	StaleAfter   time.Duration
	FetchTimeout time.Duration
	// WinnerPrice is the final price at which an outcome counts as the winner.
	WinnerPrice float64
}

// DefaultConfig returns the resolution defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:   6 * time.Hour,
		FetchTimeout: 15 * time.Second,
		WinnerPrice:  0.95,
	}
}

type Option func(*Config)

// WithStaleAfter sets how long a market may go unseen before it is checked.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Config) { c.StaleAfter = d }
}

// WithWinnerPrice sets the price at which an outcome counts as the winner.
func WithWinnerPrice(p float64) Option {
	return func(c *Config) { c.WinnerPrice = p }
}

type Tracker struct {
	source  Source
	storage *storage.Storage
	config  Config
	now     func() time.Time
}

// NewTracker returns a Tracker resolving markets in s against src.
func NewTracker(src Source, s *storage.Storage, config Config) *Tracker {
	return &Tracker{
		source:  src,
		storage: s,
		config:  config,
		now:     time.Now,
	}
}

// RunBatch evaluates every Resolved market and every stale Open market that turns out
// to be closed. Markets whose outcome cannot be fetched or determined stay unevaluated
// and are picked up again by the next run.
func (t *Tracker) RunBatch(ctx context.Context, opts ...Option) (models.RunSummary, error) {
	start := t.now()
	summary := models.RunSummary{Stage: Stage}

	cfg := t.config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WinnerPrice <= 0.5 || cfg.WinnerPrice > 1 {
		return summary, fmt.Errorf("%w: winner price %.2f must be in (0.5, 1]", models.ErrConfig, cfg.WinnerPrice)
	}

	resolved, err := t.storage.ListMarketsByStatus(models.StatusResolved)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	candidates := resolved
	if cfg.StaleAfter > 0 {
		stale, err := t.storage.ListStaleOpenMarkets(start.Add(-cfg.StaleAfter))
		if err != nil {
			return summary, fmt.Errorf("%w: %v", models.ErrStorage, err)
		}
		candidates = append(candidates, stale...)
	}

	for _, market := range candidates {
		if err := ctx.Err(); err != nil {
			summary.Duration = t.now().Sub(start)
			return summary, err
		}
		summary.Processed++
		evaluated, err := t.evaluate(ctx, cfg, market)
		switch {
		case err != nil:
			summary.Errored++
			logger.Warn("Failed to evaluate market %s: %v", market.ID, err)
		case evaluated:
			summary.Created++
		default:
			summary.Skipped++
		}
	}

	summary.Duration = t.now().Sub(start)
	logger.Info("Resolution finished: %s", summary)
	return summary, nil
}

func (t *Tracker) evaluate(ctx context.Context, cfg Config, market *models.Market) (bool, error) {
	fetchCtx := ctx
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}
	remote, err := t.source.FetchMarket(fetchCtx, market.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrDataFetch, err)
	}

	now := t.now()
	if remote.Status == models.StatusOpen {
		// Still trading but no longer in the active feed; refresh it so it is not
		// re-queried every cycle.
		if market.Status == models.StatusOpen {
			market.LastUpdated = now
			if err := t.storage.UpsertMarket(market); err != nil {
				return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
			}
		}
		return false, nil
	}

	if market.Status == models.StatusOpen {
		if err := t.storage.MarkResolved(market.ID); err != nil {
			return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
		}
	}

	winner, ok := Winner(remote, cfg.WinnerPrice)
	if !ok {
		logger.Debug("Market %s is closed but its outcome is not yet determinable", market.ID)
		return false, nil
	}

	signals, err := t.storage.ListUnannotatedSignals(market.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	verdicts := make(map[string]bool, len(signals))
	correct := 0
	for _, sig := range signals {
		verdicts[sig.ID] = Correct(sig, winner)
		if verdicts[sig.ID] {
			correct++
		}
	}

	res := &models.Resolution{MarketID: market.ID, FinalOutcome: winner, ResolvedAt: now}
	annotated, err := t.storage.EvaluateMarket(res, verdicts)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	logger.Info("Market %s resolved to %q: %d signal(s) annotated, %d correct",
		market.ID, winner, annotated, correct)
	return true, nil
}

// Winner returns the outcome whose final price reached winnerPrice.
func Winner(m *models.Market, winnerPrice float64) (string, bool) {
	if m.ResolvedOutcome != "" && m.OutcomeIndex(m.ResolvedOutcome) >= 0 {
		return m.ResolvedOutcome, true
	}
	for i, price := range m.Prices {
		if price >= winnerPrice && i < len(m.Outcomes) {
			return m.Outcomes[i], true
		}
	}
	return "", false
}

// Correct reports whether the signal's move pointed toward the actual result: up on the
// winning outcome or down on a losing one. A flat signal is never correct.
func Correct(sig *models.Signal, winner string) bool {
	won := sig.OutcomeID == winner
	switch sig.Direction() {
	case 1:
		return won
	case -1:
		return !won
	default:
		return false
	}
}
