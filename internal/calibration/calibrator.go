// Package calibration adjusts threshold profiles from resolved signals. Each profile
// is written back with a version-checked update, so overlapping runs never apply the
// same adjustment twice.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

const Stage = "calibrate"

type Config struct {
	Params
	// Window bounds how far back annotated signals count toward a profile's accuracy.
	Window time.Duration
}

// DefaultConfig returns the calibration defaults.
func DefaultConfig() Config {
	return Config{
		Params: DefaultParams(),
		Window: 30 * 24 * time.Hour,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxStep <= 0:
		return errors.New("max step must be positive")
	case c.MinThreshold <= 0 || c.MinThreshold >= c.MaxThreshold:
		return errors.New("threshold bounds must satisfy 0 < min < max")
	case c.LowWater > c.HighWater:
		return errors.New("low water mark must not exceed high water mark")
	case c.Smoothing <= 0 || c.Smoothing > 1:
		return errors.New("smoothing must be in (0, 1]")
	case c.Window <= 0:
		return errors.New("window must be positive")
	}
	return nil
}

type Option func(*Config)

// WithMinSamples sets the sample count needed before a threshold moves.
func WithMinSamples(n int) Option {
	return func(c *Config) { c.MinSamples = n }
}

// WithMaxStep bounds the threshold change of one run.
func WithMaxStep(step float64) Option {
	return func(c *Config) { c.MaxStep = step }
}

// WithWindow sets how far back annotated signals count toward accuracy.
func WithWindow(d time.Duration) Option {
	return func(c *Config) { c.Window = d }
}

type Calibrator struct {
	storage *storage.Storage
	config  Config
	now     func() time.Time
}

// New returns a Calibrator over the profiles in s.
func New(s *storage.Storage, config Config) *Calibrator {
	return &Calibrator{
		storage: s,
		config:  config,
		now:     time.Now,
	}
}

// RunBatch calibrates every profile that has newly annotated signals. A profile that
// was changed by another run since it was read is left for the next cycle.
func (c *Calibrator) RunBatch(ctx context.Context, opts ...Option) (models.RunSummary, error) {
	start := c.now()
	summary := models.RunSummary{Stage: Stage}

	cfg := c.config
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return summary, fmt.Errorf("%w: %v", models.ErrConfig, err)
	}

	profiles, err := c.storage.ListProfiles()
	if err != nil {
		return summary, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			summary.Duration = c.now().Sub(start)
			return summary, err
		}
		summary.Processed++
		changed, folded, err := c.calibrate(cfg, profile)
		switch {
		case errors.Is(err, models.ErrCalibrationConflict):
			summary.Conflicts++
			logger.Warn("Skipping profile %s: %v", profile.Key(), err)
		case err != nil:
			summary.Errored++
			logger.Warn("Failed to calibrate profile %s: %v", profile.Key(), err)
		case changed:
			summary.Created++
		default:
			// nothing fresh, or folded below the sample minimum
			if folded > 0 {
				logger.Debug("Profile %s folded %d signal(s) without recalibrating", profile.Key(), folded)
			}
			summary.Skipped++
		}
	}

	summary.Duration = c.now().Sub(start)
	logger.Info("Calibration finished: %s", summary)
	return summary, nil
}

// calibrate folds the profile's fresh signals and writes the result conditionally on
// the version the profile was read at.
func (c *Calibrator) calibrate(cfg Config, profile *models.ThresholdProfile) (bool, int, error) {
	fresh, err := c.storage.ListUncalibratedSignals(profile.Category, profile.Bucket)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	if len(fresh) == 0 {
		return false, 0, nil
	}

	now := c.now()
	window, err := c.storage.ListAnnotatedSignals(profile.Category, profile.Bucket, now.Add(-cfg.Window))
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	next, changed := Apply(profile, fresh, window, cfg.Params)
	next.UpdatedAt = now

	ids := make([]string, len(fresh))
	for i, sig := range fresh {
		ids[i] = sig.ID
	}
	err = c.storage.CompareAndSwapProfile(next, profile.Version, ids)
	if errors.Is(err, storage.ErrVersionConflict) {
		return false, 0, fmt.Errorf("%w: %v", models.ErrCalibrationConflict, err)
	}
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	if changed {
		logger.Info("Profile %s: threshold %.4f -> %.4f, accuracy %.2f over %d signal(s)",
			profile.Key(), profile.BaseThreshold, next.BaseThreshold,
			next.AccuracyHistory[len(next.AccuracyHistory)-1], len(window))
	} else {
		logger.Debug("Profile %s: folded %d signal(s), %d/%d samples",
			profile.Key(), len(fresh), next.SampleCount, cfg.MinSamples)
	}
	return changed, len(fresh), nil
}
