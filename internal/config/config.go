package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket  PolymarketConfig  `mapstructure:"polymarket"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Volatility  VolatilityConfig  `mapstructure:"volatility"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Publication PublicationConfig `mapstructure:"publication"`
	Resolution  ResolutionConfig  `mapstructure:"resolution"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// PolymarketConfig holds Polymarket API configuration
type PolymarketConfig struct {
	GammaAPIURL      string              `mapstructure:"gamma_api_url"`
	PollInterval     time.Duration       `mapstructure:"poll_interval"`
	Categories       []string            `mapstructure:"categories"`
	CategoryKeywords map[string][]string `mapstructure:"category_keywords"`
	MinLiquidity     float64             `mapstructure:"min_liquidity"`
	Limit            int                 `mapstructure:"limit"`
	MaxPages         int                 `mapstructure:"max_pages"`
	Timeout          time.Duration       `mapstructure:"timeout"`
}

// DetectionConfig holds the significance detector's threshold table
type DetectionConfig struct {
	WindowSize int `mapstructure:"window_size"`
	// Thresholds maps liquidity bucket to base threshold. Every bucket is required.
	Thresholds map[string]float64 `mapstructure:"thresholds"`
	// CategoryThresholds optionally overrides Thresholds per category.
	CategoryThresholds map[string]map[string]float64 `mapstructure:"category_thresholds"`
	MinThreshold       float64                       `mapstructure:"min_threshold"`
	MaxThreshold       float64                       `mapstructure:"max_threshold"`
	Buckets            models.BucketCutoffs          `mapstructure:"buckets"`
	// Windows are trailing spans checked for slow moves. Empty disables them.
	Windows        []time.Duration `mapstructure:"windows"`
	TrendMinPoints int             `mapstructure:"trend_min_points"`
}

// VolatilityConfig holds volatility estimator parameters
type VolatilityConfig struct {
	MinSamples          int     `mapstructure:"min_samples"`
	DefaultFactor       float64 `mapstructure:"default_factor"`
	ReferenceVolatility float64 `mapstructure:"reference_volatility"`
	ReferenceLiquidity  float64 `mapstructure:"reference_liquidity"`
	LiquidityElasticity float64 `mapstructure:"liquidity_elasticity"`
	Floor               float64 `mapstructure:"floor"`
	LowLiquidityFloor   float64 `mapstructure:"low_liquidity_floor"`
	Ceiling             float64 `mapstructure:"ceiling"`
}

// ScoringConfig holds signal scorer parameters
type ScoringConfig struct {
	// Weights is the initial confidence weight per feature. All features are required.
	Weights                 map[string]float64 `mapstructure:"weights"`
	MediumCut               float64            `mapstructure:"medium_cut"`
	HighCut                 float64            `mapstructure:"high_cut"`
	RecencyTau              time.Duration      `mapstructure:"recency_tau"`
	ReversalWindow          time.Duration      `mapstructure:"reversal_window"`
	LiquiditySurgeThreshold float64            `mapstructure:"liquidity_surge_threshold"`
}

// CalibrationConfig holds threshold calibrator parameters
type CalibrationConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Window       time.Duration `mapstructure:"window"`
	MinSamples   int           `mapstructure:"min_samples"`
	HighWater    float64       `mapstructure:"high_water"`
	LowWater     float64       `mapstructure:"low_water"`
	LowerFactor  float64       `mapstructure:"lower_factor"`
	RaiseFactor  float64       `mapstructure:"raise_factor"`
	Smoothing    float64       `mapstructure:"smoothing"`
	MaxStep      float64       `mapstructure:"max_step"`
	LearningRate float64       `mapstructure:"learning_rate"`
	MinWeight    float64       `mapstructure:"min_weight"`
	HistorySize  int           `mapstructure:"history_size"`
}

// PublicationConfig holds publication gate parameters
type PublicationConfig struct {
	MinConfidence float64       `mapstructure:"min_confidence"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	CapWindow     time.Duration `mapstructure:"cap_window"`
	MaxPosts      int           `mapstructure:"max_posts"`
	DedupLookback time.Duration `mapstructure:"dedup_lookback"`
	MaxRetryAge   time.Duration `mapstructure:"max_retry_age"`
	PostTimeout   time.Duration `mapstructure:"post_timeout"`
}

// ResolutionConfig holds resolution tracker parameters
type ResolutionConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	WinnerPrice  float64       `mapstructure:"winner_price"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath           string        `mapstructure:"db_path"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// POLYSIGNAL_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("POLYSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.poll_interval", "5m")
	v.SetDefault("polymarket.categories", []string{"politics", "crypto", "tech", "finance", "sports", "entertainment", "other"})
	v.SetDefault("polymarket.min_liquidity", 0.0)
	v.SetDefault("polymarket.limit", 100)
	v.SetDefault("polymarket.max_pages", 20)
	v.SetDefault("polymarket.timeout", "30s")

	// Detection defaults
	v.SetDefault("detection.window_size", 20)
	v.SetDefault("detection.thresholds", map[string]float64{
		string(models.BucketVeryLow): 0.20,
		string(models.BucketLow):     0.15,
		string(models.BucketMedium):  0.08,
		string(models.BucketHigh):    0.05,
	})
	v.SetDefault("detection.min_threshold", 0.03)
	v.SetDefault("detection.max_threshold", 0.30)
	cuts := models.DefaultBucketCutoffs()
	v.SetDefault("detection.buckets.low", cuts.Low)
	v.SetDefault("detection.buckets.medium", cuts.Medium)
	v.SetDefault("detection.buckets.high", cuts.High)
	v.SetDefault("detection.windows", []string{"1h", "6h", "24h"})
	v.SetDefault("detection.trend_min_points", 5)

	// Volatility defaults
	v.SetDefault("volatility.min_samples", 5)
	v.SetDefault("volatility.default_factor", 1.0)
	v.SetDefault("volatility.reference_volatility", 0.02)
	v.SetDefault("volatility.reference_liquidity", 50000.0)
	v.SetDefault("volatility.liquidity_elasticity", 0.25)
	v.SetDefault("volatility.floor", 0.5)
	v.SetDefault("volatility.low_liquidity_floor", 0.25)
	v.SetDefault("volatility.ceiling", 3.0)

	// Scoring defaults
	v.SetDefault("scoring.weights", map[string]float64{
		"magnitude":       0.4,
		"volatility":      0.2,
		"liquidity_trend": 0.2,
		"recency":         0.2,
	})
	v.SetDefault("scoring.medium_cut", 0.4)
	v.SetDefault("scoring.high_cut", 0.7)
	v.SetDefault("scoring.recency_tau", "6h")
	v.SetDefault("scoring.reversal_window", "24h")
	v.SetDefault("scoring.liquidity_surge_threshold", 0.5)

	// Calibration defaults
	v.SetDefault("calibration.interval", "1h")
	v.SetDefault("calibration.window", "720h")
	v.SetDefault("calibration.min_samples", 20)
	v.SetDefault("calibration.high_water", 0.7)
	v.SetDefault("calibration.low_water", 0.4)
	v.SetDefault("calibration.lower_factor", 0.95)
	v.SetDefault("calibration.raise_factor", 1.1)
	v.SetDefault("calibration.smoothing", 0.5)
	v.SetDefault("calibration.max_step", 0.01)
	v.SetDefault("calibration.learning_rate", 0.1)
	v.SetDefault("calibration.min_weight", 0.05)
	v.SetDefault("calibration.history_size", 20)

	// Publication defaults
	v.SetDefault("publication.min_confidence", 0.5)
	v.SetDefault("publication.cooldown", "15m")
	v.SetDefault("publication.cap_window", "24h")
	v.SetDefault("publication.max_posts", 100)
	v.SetDefault("publication.dedup_lookback", "24h")
	v.SetDefault("publication.max_retry_age", "2h")
	v.SetDefault("publication.post_timeout", "10s")

	// Resolution defaults
	v.SetDefault("resolution.interval", "15m")
	v.SetDefault("resolution.stale_after", "6h")
	v.SetDefault("resolution.fetch_timeout", "15s")
	v.SetDefault("resolution.winner_price", 0.95)

	// Telegram defaults; present so env overrides are picked up by Unmarshal
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/polysignal.db")
	v.SetDefault("storage.history_retention", "168h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate checks that all configuration values are valid.
// Problems with the threshold table, categories or weights wrap models.ErrConfig.
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.PollInterval < 1*time.Minute {
		return fmt.Errorf("polymarket.poll_interval must be at least 1 minute")
	}
	if _, err := c.Polymarket.ParsedCategories(); err != nil {
		return err
	}
	for name := range c.Polymarket.CategoryKeywords {
		if _, err := models.ParseCategory(name); err != nil {
			return fmt.Errorf("%w: polymarket.category_keywords: %v", models.ErrConfig, err)
		}
	}
	if c.Polymarket.MinLiquidity < 0 {
		return fmt.Errorf("polymarket.min_liquidity must not be negative")
	}
	if c.Polymarket.Limit < 1 || c.Polymarket.Limit > 1000 {
		return fmt.Errorf("polymarket.limit must be between 1 and 1000")
	}
	if c.Polymarket.MaxPages < 1 {
		return fmt.Errorf("polymarket.max_pages must be at least 1")
	}
	if c.Polymarket.Timeout <= 0 {
		return fmt.Errorf("polymarket.timeout must be positive")
	}

	// Validate Detection config
	if c.Detection.WindowSize < 2 {
		return fmt.Errorf("detection.window_size must be at least 2")
	}
	if c.Detection.MinThreshold <= 0 || c.Detection.MaxThreshold >= 1 || c.Detection.MinThreshold > c.Detection.MaxThreshold {
		return fmt.Errorf("detection thresholds must satisfy 0 < min_threshold <= max_threshold < 1")
	}
	b := c.Detection.Buckets
	if b.Low <= 0 || b.Medium <= b.Low || b.High <= b.Medium {
		return fmt.Errorf("detection.buckets must be positive and increasing")
	}
	if _, err := c.Detection.ThresholdTable(); err != nil {
		return err
	}
	for i, w := range c.Detection.Windows {
		if w <= 0 || (i > 0 && w <= c.Detection.Windows[i-1]) {
			return fmt.Errorf("detection.windows must be positive and increasing")
		}
	}
	if len(c.Detection.Windows) > 0 && c.Detection.TrendMinPoints < 2 {
		return fmt.Errorf("detection.trend_min_points must be at least 2")
	}

	// Validate Volatility config
	vol := c.Volatility
	if vol.MinSamples < 2 {
		return fmt.Errorf("volatility.min_samples must be at least 2")
	}
	if vol.ReferenceVolatility <= 0 || vol.ReferenceLiquidity <= 0 {
		return fmt.Errorf("volatility reference values must be positive")
	}
	if vol.LowLiquidityFloor <= 0 || vol.Floor <= 0 || vol.Ceiling <= vol.Floor || vol.Ceiling <= vol.LowLiquidityFloor {
		return fmt.Errorf("volatility floors must be positive and below the ceiling")
	}
	if vol.DefaultFactor < vol.LowLiquidityFloor || vol.DefaultFactor > vol.Ceiling {
		return fmt.Errorf("volatility.default_factor must lie within the floor and ceiling")
	}

	// Validate Scoring config
	if _, err := c.Scoring.WeightVector(); err != nil {
		return err
	}
	if c.Scoring.MediumCut <= 0 || c.Scoring.HighCut <= c.Scoring.MediumCut || c.Scoring.HighCut > 1 {
		return fmt.Errorf("scoring cut points must satisfy 0 < medium_cut < high_cut <= 1")
	}
	if c.Scoring.RecencyTau <= 0 {
		return fmt.Errorf("scoring.recency_tau must be positive")
	}
	if c.Scoring.LiquiditySurgeThreshold <= 0 {
		return fmt.Errorf("scoring.liquidity_surge_threshold must be positive")
	}

	// Validate Calibration config
	cal := c.Calibration
	if cal.Interval <= 0 || cal.Window <= 0 {
		return fmt.Errorf("calibration interval and window must be positive")
	}
	if cal.MinSamples < 1 {
		return fmt.Errorf("calibration.min_samples must be at least 1")
	}
	if cal.LowWater < 0 || cal.HighWater > 1 || cal.LowWater >= cal.HighWater {
		return fmt.Errorf("calibration water marks must satisfy 0 <= low_water < high_water <= 1")
	}
	if cal.LowerFactor <= 0 || cal.LowerFactor >= 1 || cal.RaiseFactor <= 1 {
		return fmt.Errorf("calibration.lower_factor must be in (0,1) and raise_factor above 1")
	}
	if cal.Smoothing <= 0 || cal.Smoothing > 1 {
		return fmt.Errorf("calibration.smoothing must be in (0,1]")
	}
	if cal.MaxStep <= 0 {
		return fmt.Errorf("calibration.max_step must be positive")
	}
	if cal.LearningRate < 0 || cal.MinWeight < 0 || cal.MinWeight*float64(models.NumFeatures) >= 1 {
		return fmt.Errorf("calibration learning_rate and min_weight are out of range")
	}
	if cal.HistorySize < 1 {
		return fmt.Errorf("calibration.history_size must be at least 1")
	}

	// Validate Publication config
	pub := c.Publication
	if pub.MinConfidence < 0 || pub.MinConfidence > 1 {
		return fmt.Errorf("publication.min_confidence must be between 0.0 and 1.0")
	}
	if pub.MaxPosts < 1 {
		return fmt.Errorf("publication.max_posts must be at least 1")
	}
	if pub.Cooldown < 0 || pub.CapWindow <= 0 || pub.DedupLookback < 0 || pub.MaxRetryAge <= 0 || pub.PostTimeout <= 0 {
		return fmt.Errorf("publication durations must not be negative")
	}

	// Validate Resolution config
	if c.Resolution.Interval <= 0 || c.Resolution.StaleAfter <= 0 || c.Resolution.FetchTimeout <= 0 {
		return fmt.Errorf("resolution durations must be positive")
	}
	if c.Resolution.WinnerPrice <= 0.5 || c.Resolution.WinnerPrice > 1 {
		return fmt.Errorf("resolution.winner_price must be in (0.5, 1]")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 0 {
			return fmt.Errorf("telegram.max_retries must not be negative")
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.HistoryRetention < time.Hour {
		return fmt.Errorf("storage.history_retention must be at least 1 hour")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// ParsedCategories returns the monitored categories as enum values.
func (p *PolymarketConfig) ParsedCategories() ([]models.Category, error) {
	if len(p.Categories) == 0 {
		return nil, fmt.Errorf("%w: polymarket.categories must contain at least one category", models.ErrConfig)
	}
	out := make([]models.Category, 0, len(p.Categories))
	for _, name := range p.Categories {
		c, err := models.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("%w: polymarket.categories: %v", models.ErrConfig, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// KeywordTable returns category_keywords keyed by enum value.
func (p *PolymarketConfig) KeywordTable() map[models.Category][]string {
	out := make(map[models.Category][]string, len(p.CategoryKeywords))
	for name, words := range p.CategoryKeywords {
		if c, err := models.ParseCategory(name); err == nil {
			out[c] = words
		}
	}
	return out
}

// ThresholdTable converts the detection thresholds into a typed table.
func (d *DetectionConfig) ThresholdTable() (models.ThresholdTable, error) {
	base, err := parseBucketThresholds("detection.thresholds", d.Thresholds, true)
	if err != nil {
		return models.ThresholdTable{}, err
	}
	table := models.ThresholdTable{
		Base:      base,
		Overrides: make(map[models.Category]map[models.LiquidityBucket]float64, len(d.CategoryThresholds)),
	}
	for name, buckets := range d.CategoryThresholds {
		c, err := models.ParseCategory(name)
		if err != nil {
			return models.ThresholdTable{}, fmt.Errorf("%w: detection.category_thresholds: %v", models.ErrConfig, err)
		}
		override, err := parseBucketThresholds("detection.category_thresholds."+name, buckets, false)
		if err != nil {
			return models.ThresholdTable{}, err
		}
		table.Overrides[c] = override
	}
	return table, nil
}

func parseBucketThresholds(key string, raw map[string]float64, requireAll bool) (map[models.LiquidityBucket]float64, error) {
	out := make(map[models.LiquidityBucket]float64, len(raw))
	for name, v := range raw {
		b := models.LiquidityBucket(strings.ToLower(name))
		known := false
		for _, kb := range models.LiquidityBuckets {
			known = known || kb == b
		}
		if !known {
			return nil, fmt.Errorf("%w: %s: unknown liquidity bucket %q", models.ErrConfig, key, name)
		}
		if v <= 0 || v >= 1 {
			return nil, fmt.Errorf("%w: %s.%s must be between 0.0 and 1.0 exclusive", models.ErrConfig, key, name)
		}
		out[b] = v
	}
	if requireAll {
		for _, b := range models.LiquidityBuckets {
			if _, ok := out[b]; !ok {
				return nil, fmt.Errorf("%w: %s is missing bucket %q", models.ErrConfig, key, b)
			}
		}
	}
	return out, nil
}

// WeightVector returns the initial weights ordered by feature index, normalised.
func (s *ScoringConfig) WeightVector() ([]float64, error) {
	out := make([]float64, models.NumFeatures)
	for i, name := range models.FeatureNames {
		w, ok := s.Weights[name]
		if !ok {
			return nil, fmt.Errorf("%w: scoring.weights is missing feature %q", models.ErrConfig, name)
		}
		if w < 0 {
			return nil, fmt.Errorf("%w: scoring.weights.%s must not be negative", models.ErrConfig, name)
		}
		out[i] = w
	}
	return models.NormalizeWeights(out), nil
}
