// Package metrics exposes stage run summaries and profile thresholds to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

const namespace = "polysignal"

type Recorder struct {
	StageRuns     *prometheus.CounterVec
	StageItems    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Threshold     *prometheus.GaugeVec
	SampleCount   *prometheus.GaugeVec
	LastSuccess   *prometheus.GaugeVec
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "runs_total",
			Help:      "Total number of stage runs by result",
		}, []string{"stage", "result"}),
		StageItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "items_total",
			Help:      "Items handled by stage runs, by outcome kind",
		}, []string{"stage", "kind"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage run duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		Threshold: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "base_threshold",
			Help:      "Current base threshold of each threshold profile",
		}, []string{"category", "bucket"}),
		SampleCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "sample_count",
			Help:      "Resolved signals folded into each threshold profile",
		}, []string{"category", "bucket"}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each stage",
		}, []string{"stage"}),
	}
}

// ObserveRun records one stage invocation.
func (r *Recorder) ObserveRun(summary models.RunSummary, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.StageRuns.WithLabelValues(summary.Stage, result).Inc()
	r.StageDuration.WithLabelValues(summary.Stage).Observe(summary.Duration.Seconds())
	if err == nil {
		r.LastSuccess.WithLabelValues(summary.Stage).Set(float64(time.Now().Unix()))
	}

	for kind, n := range map[string]int{
		"processed": summary.Processed,
		"created":   summary.Created,
		"published": summary.Published,
		"skipped":   summary.Skipped,
		"errored":   summary.Errored,
		"conflicts": summary.Conflicts,
	} {
		if n > 0 {
			r.StageItems.WithLabelValues(summary.Stage, kind).Add(float64(n))
		}
	}
}

// ObserveProfiles publishes the current threshold and sample count of each profile.
func (r *Recorder) ObserveProfiles(profiles []*models.ThresholdProfile) {
	for _, p := range profiles {
		r.Threshold.WithLabelValues(string(p.Category), string(p.Bucket)).Set(p.BaseThreshold)
		r.SampleCount.WithLabelValues(string(p.Category), string(p.Bucket)).Set(float64(p.SampleCount))
	}
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
