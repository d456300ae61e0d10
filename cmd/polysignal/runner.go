package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/polysignal/internal/calibration"
	"github.com/rewired-gh/polysignal/internal/collector"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/metrics"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/monitor"
	"github.com/rewired-gh/polysignal/internal/publish"
	"github.com/rewired-gh/polysignal/internal/resolution"
	"github.com/rewired-gh/polysignal/internal/storage"
	"github.com/rewired-gh/polysignal/internal/telegram"
)

// pollChain runs on every poll tick; each stage needs the previous one to succeed.
var pollChain = []string{collector.Stage, monitor.Stage, publish.Stage}

var allStages = []string{collector.Stage, monitor.Stage, publish.Stage, resolution.Stage, calibration.Stage}

// stagesFor maps the -stage flag to the stages it selects, in run order.
func stagesFor(name string) ([]string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "all" {
		return allStages, nil
	}
	for _, s := range allStages {
		if s == name {
			return []string{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown stage %q (want one of %s or all)", name, strings.Join(allStages, ", "))
}

type stageFunc func(ctx context.Context) (models.RunSummary, error)

// batch adapts a stage's RunBatch to a stageFunc that runs with the configured options.
func batch[O any](run func(context.Context, ...O) (models.RunSummary, error)) stageFunc {
	return func(ctx context.Context) (models.RunSummary, error) {
		return run(ctx)
	}
}

type stageResult struct {
	summary models.RunSummary
	err     error
	at      time.Time
}

type schedule struct {
	poll      time.Duration
	resolve   time.Duration
	calibrate time.Duration
}

type runner struct {
	store    *storage.Storage
	recorder *metrics.Recorder
	notifier *telegram.Client
	stages   map[string]stageFunc

	mu       sync.Mutex
	failures map[string]int
	last     map[string]stageResult
}

// runChain runs stages in order and stops at the first failure.
func (r *runner) runChain(ctx context.Context, names []string) bool {
	for _, name := range names {
		if ctx.Err() != nil {
			return false
		}
		if err := r.run(ctx, name); err != nil {
			return false
		}
	}
	return true
}

func (r *runner) run(ctx context.Context, name string) error {
	run, ok := r.stages[name]
	if !ok {
		return fmt.Errorf("unknown stage %q", name)
	}
	logger.Debug("Starting %s stage", name)
	summary, err := run(ctx)
	summary.Stage = name

	if r.recorder != nil {
		r.recorder.ObserveRun(summary, err)
		if name == monitor.Stage || name == calibration.Stage {
			if profiles, perr := r.store.ListProfiles(); perr == nil {
				r.recorder.ObserveProfiles(profiles)
			}
		}
	}
	r.handleResult(name, summary, err)
	return err
}

// handleResult notifies the operator on the first failure of a stage and on its
// first success afterwards.
func (r *runner) handleResult(name string, summary models.RunSummary, err error) {
	r.mu.Lock()
	r.last[name] = stageResult{summary: summary, err: err, at: time.Now()}
	failures := r.failures[name]
	if err != nil {
		r.failures[name] = failures + 1
	} else {
		r.failures[name] = 0
	}
	r.mu.Unlock()

	if err != nil {
		logger.Error("%s stage failed: %v", name, err)
		if failures == 0 && r.notifier != nil {
			if sendErr := r.notifier.SendError(name, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return
	}
	if failures > 0 && r.notifier != nil {
		if sendErr := r.notifier.SendRecovery(name, failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
		}
	}
}

// status renders the last result of every stage for the /status command.
func (r *runner) status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.last) == 0 {
		return "No stage has run yet"
	}
	names := make([]string, 0, len(r.last))
	for name := range r.last {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		res := r.last[name]
		state := "ok"
		if res.err != nil {
			state = "failing (" + res.err.Error() + ")"
		}
		fmt.Fprintf(&b, "%s: %s at %s, processed=%d created=%d published=%d errored=%d\n",
			name, state, res.at.Format(time.RFC3339),
			res.summary.Processed, res.summary.Created, res.summary.Published, res.summary.Errored)
	}
	return strings.TrimRight(b.String(), "\n")
}

// loop drives the selected stages until ctx is cancelled: the poll chain on every poll
// tick, resolution and calibration on their own slower tickers.
func (r *runner) loop(ctx context.Context, selected []string, sched schedule) {
	has := make(map[string]bool, len(selected))
	for _, s := range selected {
		has[s] = true
	}
	var chain []string
	for _, s := range pollChain {
		if has[s] {
			chain = append(chain, s)
		}
	}

	logger.Info("Starting scheduler (stages: %s, poll: %v, resolve: %v, calibrate: %v)",
		strings.Join(selected, ","), sched.poll, sched.resolve, sched.calibrate)

	pollTicker := time.NewTicker(sched.poll)
	defer pollTicker.Stop()
	resolveTicker := time.NewTicker(sched.resolve)
	defer resolveTicker.Stop()
	calibrateTicker := time.NewTicker(sched.calibrate)
	defer calibrateTicker.Stop()

	if len(chain) > 0 {
		r.runChain(ctx, chain)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			if len(chain) > 0 {
				r.runChain(ctx, chain)
			}
		case <-resolveTicker.C:
			if has[resolution.Stage] {
				r.run(ctx, resolution.Stage) //nolint:errcheck
			}
		case <-calibrateTicker.C:
			if has[calibration.Stage] {
				r.run(ctx, calibration.Stage) //nolint:errcheck
			}
		}
	}
}
