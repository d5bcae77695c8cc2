package aggregator

import (
	"fmt"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// ScoreWeights blend the components of the confidence score. They need not
// sum to one; the blend is normalized by their total.
type ScoreWeights struct {
	Source     float64 `yaml:"source" json:"source"`
	Freshness  float64 `yaml:"freshness" json:"freshness"`
	Dispersion float64 `yaml:"dispersion" json:"dispersion"`
	Agreement  float64 `yaml:"agreement" json:"agreement"`
}

func (w ScoreWeights) total() float64 {
	return w.Source + w.Freshness + w.Dispersion + w.Agreement
}

// Config holds the consensus parameters for one aggregation.
type Config struct {
	Method    oracle.Method          `json:"method"`
	Weighting oracle.WeightingScheme `json:"weighting"`
	// CustomWeights are used by the custom scheme; missing sources weigh 1.
	CustomWeights map[string]float64 `json:"custom_weights,omitempty"`
	// Reliability holds 0..1 scores used by the reliability scheme; missing sources weigh 1.
	Reliability map[string]float64 `json:"reliability,omitempty"`

	MinSources int `json:"min_sources"`
	// MaxSources caps the number of observations considered. 0 means no cap.
	MaxSources         int     `json:"max_sources"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
	// MaxDeviationPct excludes survivors further than this from their median. 0 disables.
	MaxDeviationPct float64 `json:"max_deviation_pct"`

	// OutlierMethod may be empty to disable statistical outlier detection.
	OutlierMethod    oracle.OutlierMethod `json:"outlier_method"`
	OutlierThreshold float64              `json:"outlier_threshold"`

	MinConfidence uint8 `json:"min_confidence"`
	// StalenessWindow discards older observations. 0 disables the check.
	StalenessWindow time.Duration `json:"staleness_window"`

	// TrimPercent is the fraction dropped from each end by trimmed_mean.
	TrimPercent float64 `json:"trim_percent"`
	// ModeTolerancePct is the bucket width, in percent, used by mode.
	ModeTolerancePct float64 `json:"mode_tolerance_pct"`

	ScoreWeights ScoreWeights `json:"score_weights"`
}

// DefaultConfig returns the parameters used when a feed sets no overrides.
func DefaultConfig() Config {
	return Config{
		Method:             oracle.MethodMedian,
		Weighting:          oracle.WeightingEqual,
		MinSources:         3,
		MaxSources:         10,
		ConsensusThreshold: 0.66,
		MaxDeviationPct:    10,
		OutlierMethod:      oracle.OutlierIQR,
		OutlierThreshold:   1.5,
		MinConfidence:      50,
		StalenessWindow:    5 * time.Minute,
		TrimPercent:        0.1,
		ModeTolerancePct:   0.5,
		ScoreWeights: ScoreWeights{
			Source:     0.3,
			Freshness:  0.2,
			Dispersion: 0.3,
			Agreement:  0.2,
		},
	}
}

// Validate rejects invalid parameter combinations with a ConfigurationError.
func (c Config) Validate() error {
	if _, err := oracle.ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if _, err := oracle.ParseWeightingScheme(string(c.Weighting)); err != nil {
		return err
	}
	if c.OutlierMethod != "" {
		if _, err := oracle.ParseOutlierMethod(string(c.OutlierMethod)); err != nil {
			return err
		}
		if c.OutlierThreshold <= 0 {
			return invalid("outlier_threshold must be positive, got %v", c.OutlierThreshold)
		}
	}

	switch {
	case c.MinSources < 1:
		return invalid("min_sources must be at least 1, got %d", c.MinSources)
	case c.MaxSources < 0:
		return invalid("max_sources must not be negative, got %d", c.MaxSources)
	case c.MaxSources > 0 && c.MaxSources < c.MinSources:
		return invalid("max_sources %d is below min_sources %d", c.MaxSources, c.MinSources)
	case c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1:
		return invalid("consensus_threshold must be within 0..1, got %v", c.ConsensusThreshold)
	case c.MaxDeviationPct < 0:
		return invalid("max_deviation_pct must not be negative, got %v", c.MaxDeviationPct)
	case c.MinConfidence > oracle.MaxConfidence:
		return invalid("min_confidence must be within 0..100, got %d", c.MinConfidence)
	case c.StalenessWindow < 0:
		return invalid("staleness_window must not be negative, got %s", c.StalenessWindow)
	case c.TrimPercent < 0 || c.TrimPercent >= 0.5:
		return invalid("trim_percent must be within [0, 0.5), got %v", c.TrimPercent)
	case c.ModeTolerancePct < 0:
		return invalid("mode_tolerance_pct must not be negative, got %v", c.ModeTolerancePct)
	}

	w := c.ScoreWeights
	if w.Source < 0 || w.Freshness < 0 || w.Dispersion < 0 || w.Agreement < 0 {
		return invalid("score weights must not be negative")
	}
	if w.total() <= 0 {
		return invalid("score weights must not all be zero")
	}
	for source, weight := range c.CustomWeights {
		if weight < 0 {
			return invalid("custom weight for %s is negative", source)
		}
	}
	for source, r := range c.Reliability {
		if r < 0 || r > 1 {
			return invalid("reliability for %s must be within 0..1, got %v", source, r)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return oracle.NewConfigurationError(fmt.Sprintf(format, args...)).WithCause(ErrInvalidConfig)
}
