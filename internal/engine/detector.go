package engine

import (
	"math"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// DetectorConfig bounds the effective threshold and sets the trailing windows checked
// for slow moves.
type DetectorConfig struct {
	MinThreshold float64
	MaxThreshold float64
	// Windows are trailing spans, shortest first, over which the current price is
	// compared with the oldest price in the span.
	Windows []time.Duration
	// TrendMinPoints is the number of points a window needs before it can signal.
	TrendMinPoints int
}

// DefaultDetectorConfig returns the default threshold bounds with 1h, 6h and 24h windows.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinThreshold:   0.03,
		MaxThreshold:   0.30,
		Windows:        []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour},
		TrendMinPoints: 5,
	}
}

// MaxWindow is the longest configured window, or zero when none are set.
func (c DetectorConfig) MaxWindow() time.Duration {
	var longest time.Duration
	for _, w := range c.Windows {
		longest = max(longest, w)
	}
	return longest
}

// Detector decides whether a price move exceeds the volatility-adjusted threshold.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector returns a Detector for cfg.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detection is the outcome of comparing two prices of one outcome. Window is zero for
// consecutive observations; otherwise PriorPrice is the oldest price in the window.
type Detection struct {
	OutcomeID   string
	PriorPrice  float64
	NewPrice    float64
	Delta       float64
	Threshold   float64
	Factor      float64
	Significant bool
	Window      time.Duration
	WindowStart time.Time
}

// EffectiveThreshold is base × factor clamped to the configured bounds.
func (d *Detector) EffectiveThreshold(base, factor float64) float64 {
	return clamp(base*factor, d.cfg.MinThreshold, d.cfg.MaxThreshold)
}

// Evaluate compares prev and curr under the profile's base threshold.
// A move is significant only when |delta| strictly exceeds the effective threshold.
func (d *Detector) Evaluate(prev, curr float64, profile *models.ThresholdProfile, factor float64) Detection {
	threshold := d.EffectiveThreshold(profile.BaseThreshold, factor)
	delta := curr - prev
	return Detection{
		PriorPrice:  prev,
		NewPrice:    curr,
		Delta:       delta,
		Threshold:   threshold,
		Factor:      factor,
		Significant: math.Abs(delta) > threshold,
	}
}

// Observation is the latest state of one outcome as seen by the detector.
// HasPrior is false on the first observation of the outcome. History holds the points
// inside the longest window, oldest first, ending with the current one.
type Observation struct {
	OutcomeID string
	HasPrior  bool
	Prior     float64
	Current   float64
	Factor    float64
	History   []models.PricePoint
}

// EvaluateWindow compares the newest point of history with the oldest point no more than
// span older. The move is significant when it strictly exceeds the threshold, the span
// holds at least TrendMinPoints points and no step inside it goes against the move.
func (d *Detector) EvaluateWindow(history []models.PricePoint, span time.Duration, profile *models.ThresholdProfile, factor float64) Detection {
	if len(history) == 0 {
		return Detection{}
	}
	newest := history[len(history)-1]
	cutoff := newest.Timestamp.Add(-span)
	i := len(history) - 1
	for i > 0 && !history[i-1].Timestamp.Before(cutoff) {
		i--
	}
	inside := history[i:]

	det := d.Evaluate(inside[0].Price, newest.Price, profile, factor)
	det.Window = span
	det.WindowStart = inside[0].Timestamp
	if len(inside) < d.cfg.TrendMinPoints || !monotone(inside, models.Sign(det.Delta)) {
		det.Significant = false
	}
	return det
}

func monotone(points []models.PricePoint, dir int) bool {
	if dir == 0 {
		return false
	}
	for i := 1; i < len(points); i++ {
		if models.Sign(points[i].Price-points[i-1].Price) == -dir {
			return false
		}
	}
	return true
}

// DetectMarket evaluates every outcome and keeps a single candidate so that complementary
// moves across outcomes produce one detection: the significant outcome with the largest
// |delta|, or failing that the largest |delta| overall. Ties go to the earlier outcome.
// An outcome whose consecutive move is not significant is checked against each window,
// shortest first, and the first significant window stands in for it.
// ok is false when no outcome has a prior price.
func (d *Detector) DetectMarket(obs []Observation, profile *models.ThresholdProfile) (best Detection, ok bool) {
	for _, o := range obs {
		if !o.HasPrior {
			continue
		}
		det := d.Evaluate(o.Prior, o.Current, profile, o.Factor)
		if !det.Significant {
			for _, span := range d.cfg.Windows {
				if w := d.EvaluateWindow(o.History, span, profile, o.Factor); w.Significant {
					det = w
					break
				}
			}
		}
		det.OutcomeID = o.OutcomeID
		if !ok || better(det, best) {
			best, ok = det, true
		}
	}
	return best, ok
}

func better(a, b Detection) bool {
	if a.Significant != b.Significant {
		return a.Significant
	}
	return math.Abs(a.Delta) > math.Abs(b.Delta)
}
