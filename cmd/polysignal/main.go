package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rewired-gh/polysignal/internal/calibration"
	"github.com/rewired-gh/polysignal/internal/collector"
	"github.com/rewired-gh/polysignal/internal/config"
	"github.com/rewired-gh/polysignal/internal/engine"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/metrics"
	"github.com/rewired-gh/polysignal/internal/monitor"
	"github.com/rewired-gh/polysignal/internal/polymarket"
	"github.com/rewired-gh/polysignal/internal/publish"
	"github.com/rewired-gh/polysignal/internal/resolution"
	"github.com/rewired-gh/polysignal/internal/storage"
	"github.com/rewired-gh/polysignal/internal/telegram"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	stageName  = flag.String("stage", "all", "Stage to run: collect, detect, resolve, calibrate, publish or all")
	once       = flag.Bool("once", false, "Run one batch of the selected stage(s) and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	selected, err := stagesFor(*stageName)
	if err != nil {
		logger.Fatal("%v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	categories, _ := cfg.Polymarket.ParsedCategories()
	keywords := cfg.Polymarket.KeywordTable()
	if len(keywords) == 0 {
		keywords = nil
	}
	polyClient := polymarket.NewClient(
		cfg.Polymarket.GammaAPIURL,
		cfg.Polymarket.Timeout,
		polymarket.WithPaging(cfg.Polymarket.Limit, cfg.Polymarket.MaxPages),
		polymarket.WithCategorizer(polymarket.NewCategorizer(categories, keywords)),
	)

	var telegramClient *telegram.Client
	var sink publish.Sink = publish.LogSink{}
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sink = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Info("Telegram disabled, signals will be logged only")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := &runner{
		store:    store,
		recorder: metrics.NewRecorder(registry),
		notifier: telegramClient,
		stages: map[string]stageFunc{
			collector.Stage:   batch(collector.New(polyClient, store, collectorConfig(cfg)).RunBatch),
			monitor.Stage:     batch(monitor.New(store, monitorConfig(cfg)).RunBatch),
			publish.Stage:     batch(publish.NewGate(sink, store, publicationConfig(cfg)).RunBatch),
			resolution.Stage:  batch(resolution.NewTracker(polyClient, store, resolutionConfig(cfg)).RunBatch),
			calibration.Stage: batch(calibration.New(store, calibrationConfig(cfg)).RunBatch),
		},
		failures: make(map[string]int),
		last:     make(map[string]stageResult),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if !r.runChain(ctx, selected) {
			os.Exit(1)
		}
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, registry); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
	}

	if telegramClient != nil {
		telegramClient.SetStatusFunc(r.status)
		telegramClient.ListenForCommands(ctx)
	}

	r.loop(ctx, selected, schedule{
		poll:      cfg.Polymarket.PollInterval,
		resolve:   cfg.Resolution.Interval,
		calibrate: cfg.Calibration.Interval,
	})
	logger.Info("Service stopped")
}

func collectorConfig(cfg *config.Config) collector.Config {
	return collector.Config{
		MinLiquidity:     cfg.Polymarket.MinLiquidity,
		HistoryRetention: cfg.Storage.HistoryRetention,
		FetchTimeout:     cfg.Polymarket.Timeout * time.Duration(cfg.Polymarket.MaxPages),
	}
}

func monitorConfig(cfg *config.Config) monitor.Config {
	table, _ := cfg.Detection.ThresholdTable()
	weights, _ := cfg.Scoring.WeightVector()
	vol := cfg.Volatility
	return monitor.Config{
		WindowSize: cfg.Detection.WindowSize,
		Thresholds: table,
		Weights:    weights,
		Buckets:    cfg.Detection.Buckets,
		Volatility: engine.VolatilityConfig{
			MinSamples:          vol.MinSamples,
			DefaultFactor:       vol.DefaultFactor,
			ReferenceVolatility: vol.ReferenceVolatility,
			ReferenceLiquidity:  vol.ReferenceLiquidity,
			LiquidityElasticity: vol.LiquidityElasticity,
			Floor:               vol.Floor,
			LowLiquidityFloor:   vol.LowLiquidityFloor,
			Ceiling:             vol.Ceiling,
		},
		Detector: engine.DetectorConfig{
			MinThreshold:   cfg.Detection.MinThreshold,
			MaxThreshold:   cfg.Detection.MaxThreshold,
			Windows:        cfg.Detection.Windows,
			TrendMinPoints: cfg.Detection.TrendMinPoints,
		},
		Scorer: engine.ScorerConfig{
			MediumCut:               cfg.Scoring.MediumCut,
			HighCut:                 cfg.Scoring.HighCut,
			RecencyTau:              cfg.Scoring.RecencyTau,
			LiquiditySurgeThreshold: cfg.Scoring.LiquiditySurgeThreshold,
			FactorFloor:             vol.LowLiquidityFloor,
			FactorCeiling:           vol.Ceiling,
		},
		ReversalWindow: cfg.Scoring.ReversalWindow,
	}
}

func publicationConfig(cfg *config.Config) publish.Config {
	pub := cfg.Publication
	return publish.Config{
		MinConfidence: pub.MinConfidence,
		Cooldown:      pub.Cooldown,
		CapWindow:     pub.CapWindow,
		MaxPosts:      pub.MaxPosts,
		DedupLookback: pub.DedupLookback,
		MaxRetryAge:   pub.MaxRetryAge,
		PostTimeout:   pub.PostTimeout,
	}
}

func resolutionConfig(cfg *config.Config) resolution.Config {
	return resolution.Config{
		StaleAfter:   cfg.Resolution.StaleAfter,
		FetchTimeout: cfg.Resolution.FetchTimeout,
		WinnerPrice:  cfg.Resolution.WinnerPrice,
	}
}

func calibrationConfig(cfg *config.Config) calibration.Config {
	cal := cfg.Calibration
	return calibration.Config{
		Params: calibration.Params{
			MinSamples:   cal.MinSamples,
			HighWater:    cal.HighWater,
			LowWater:     cal.LowWater,
			LowerFactor:  cal.LowerFactor,
			RaiseFactor:  cal.RaiseFactor,
			Smoothing:    cal.Smoothing,
			MaxStep:      cal.MaxStep,
			MinThreshold: cfg.Detection.MinThreshold,
			MaxThreshold: cfg.Detection.MaxThreshold,
			LearningRate: cal.LearningRate,
			MinWeight:    cal.MinWeight,
			HistorySize:  cal.HistorySize,
		},
		Window: cal.Window,
	}
}
