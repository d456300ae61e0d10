package calibration

import (
	"math"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Params controls one calibration step of a profile.
type Params struct {
	MinSamples int
	// HighWater and LowWater are accuracy marks above which the threshold is lowered and
	// below which it is raised.
	HighWater   float64
	LowWater    float64
	LowerFactor float64
	RaiseFactor float64
	// Smoothing is the weight of the target in the exponentially weighted update.
	Smoothing    float64
	MaxStep      float64
	MinThreshold float64
	MaxThreshold float64
	LearningRate float64
	MinWeight    float64
	HistorySize  int
}

// DefaultParams returns the default update rule parameters.
func DefaultParams() Params {
	return Params{
		MinSamples:   20,
		HighWater:    0.7,
		LowWater:     0.4,
		LowerFactor:  0.95,
		RaiseFactor:  1.1,
		Smoothing:    0.5,
		MaxStep:      0.01,
		MinThreshold: 0.03,
		MaxThreshold: 0.30,
		LearningRate: 0.1,
		MinWeight:    0.05,
		HistorySize:  20,
	}
}

// Accuracy is the fraction of annotated signals that resolved correctly.
func Accuracy(signals []*models.Signal) (float64, bool) {
	var total, correct int
	for _, sig := range signals {
		if sig.ResolvedCorrectly == nil {
			continue
		}
		total++
		if *sig.ResolvedCorrectly {
			correct++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(correct) / float64(total), true
}

// NextThreshold moves base toward its accuracy-driven target. The result never differs
// from base by more than MaxStep.
func NextThreshold(base, accuracy float64, p Params) float64 {
	target := base
	switch {
	case accuracy > p.HighWater:
		target = base * p.LowerFactor
	case accuracy < p.LowWater:
		target = base * p.RaiseFactor
	}
	next := base + p.Smoothing*(target-base)
	next = math.Max(p.MinThreshold, math.Min(p.MaxThreshold, next))
	return math.Max(base-p.MaxStep, math.Min(base+p.MaxStep, next))
}

// NextWeights nudges each weight by how much higher its feature was on correct signals
// than on incorrect ones, then renormalises.
func NextWeights(weights []float64, signals []*models.Signal, p Params) []float64 {
	correct := make([]float64, len(weights))
	incorrect := make([]float64, len(weights))
	var nc, ni int
	for _, sig := range signals {
		if sig.ResolvedCorrectly == nil || len(sig.Features) != len(weights) {
			continue
		}
		sums := incorrect
		if *sig.ResolvedCorrectly {
			sums = correct
			nc++
		} else {
			ni++
		}
		for i, f := range sig.Features {
			sums[i] += f
		}
	}
	if nc == 0 || ni == 0 {
		return models.NormalizeWeights(weights)
	}

	next := make([]float64, len(weights))
	for i, w := range weights {
		diff := correct[i]/float64(nc) - incorrect[i]/float64(ni)
		next[i] = math.Max(p.MinWeight, w*(1+p.LearningRate*diff))
	}
	return models.NormalizeWeights(next)
}

// Apply folds fresh signals into a copy of the profile and, once enough samples exist,
// recomputes its threshold and weights from the trailing window. It reports whether the
// threshold and weights were recomputed.
func Apply(profile *models.ThresholdProfile, fresh, window []*models.Signal, p Params) (*models.ThresholdProfile, bool) {
	next := profile.Clone()
	next.SampleCount += len(fresh)
	if next.SampleCount < p.MinSamples || len(window) < p.MinSamples {
		return next, false
	}
	accuracy, ok := Accuracy(window)
	if !ok {
		return next, false
	}

	next.BaseThreshold = NextThreshold(profile.BaseThreshold, accuracy, p)
	next.Weights = NextWeights(profile.Weights, window, p)
	next.AccuracyHistory = append(next.AccuracyHistory, accuracy)
	if p.HistorySize > 0 && len(next.AccuracyHistory) > p.HistorySize {
		next.AccuracyHistory = next.AccuracyHistory[len(next.AccuracyHistory)-p.HistorySize:]
	}
	return next, true
}
