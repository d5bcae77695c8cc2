package aggregator

import (
	"time"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// maxCoefficientOfVariation is the dispersion (stddev/mean) at which the
// tightness component reaches zero.
const maxCoefficientOfVariation = 0.05

// scoreInputs are the normalized 0..1 components of the confidence score.
type scoreInputs struct {
	source    float64
	freshness float64
	tightness float64
	agreement float64
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func sourceComponent(cands []candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range cands {
		sum += float64(c.confidence)
	}
	return clamp01(sum / float64(len(cands)) / oracle.MaxConfidence)
}

// freshnessComponent is 1 for observations taken now and falls linearly to 0
// at the staleness window. Without a window every observation is fresh.
func freshnessComponent(cands []candidate, window time.Duration, now time.Time) float64 {
	if window <= 0 || len(cands) == 0 {
		return 1
	}
	sum := 0.0
	for _, c := range cands {
		age := now.Sub(time.Unix(c.timestamp, 0))
		if age < 0 {
			age = 0
		}
		sum += clamp01(1 - float64(age)/float64(window))
	}
	return sum / float64(len(cands))
}

func tightnessComponent(stats oracle.Statistics, meanValue float64) float64 {
	if meanValue <= 0 {
		return 0
	}
	cv := stats.StdDev / meanValue
	return clamp01(1 - cv/maxCoefficientOfVariation)
}

// blend returns the confidence score on a 0..100 scale.
func (in scoreInputs) blend(w ScoreWeights) float64 {
	total := w.total()
	if total <= 0 {
		return 0
	}
	score := w.Source*in.source +
		w.Freshness*in.freshness +
		w.Dispersion*in.tightness +
		w.Agreement*in.agreement
	return 100 * clamp01(score/total)
}
