package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds shared by the pipeline stages. Wrap them with %w and test with errors.Is.
var (
	// ErrDataFetch marks an upstream market data failure; the market is skipped.
	ErrDataFetch = errors.New("data fetch error")
	// ErrStorage marks a store read or write failure; the market's update is aborted.
	ErrStorage = errors.New("storage error")
	// ErrCalibrationConflict marks a lost conditional update; retried next cycle.
	ErrCalibrationConflict = errors.New("calibration conflict")
	// ErrPosting marks a posting sink failure; the signal stays unpublished.
	ErrPosting = errors.New("posting error")
	// ErrConfig marks an unrecoverable configuration problem; the whole run fails.
	ErrConfig = errors.New("configuration error")
)

// RunSummary reports what one stage invocation did.
type RunSummary struct {
	Stage     string        `json:"stage"`
	Processed int           `json:"processed"`
	Created   int           `json:"created"`
	Published int           `json:"published"`
	Skipped   int           `json:"skipped"`
	Errored   int           `json:"errored"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("stage=%s processed=%d created=%d published=%d skipped=%d errored=%d conflicts=%d duration=%v",
		s.Stage, s.Processed, s.Created, s.Published, s.Skipped, s.Errored, s.Conflicts, s.Duration)
}
