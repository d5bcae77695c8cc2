package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method selects how the consensus price is computed.
type Method string

const (
	MethodMedian          Method = "median"
	MethodMean            Method = "mean"
	MethodWeightedAverage Method = "weighted_average"
	MethodTrimmedMean     Method = "trimmed_mean"
	MethodMode            Method = "mode"
)

// Methods lists every supported aggregation method.
var Methods = []Method{MethodMedian, MethodMean, MethodWeightedAverage, MethodTrimmedMean, MethodMode}

// WeightingScheme selects how per-source weights are derived.
type WeightingScheme string

const (
	WeightingEqual       WeightingScheme = "equal"
	WeightingConfidence  WeightingScheme = "confidence"
	WeightingReliability WeightingScheme = "reliability"
	WeightingCustom      WeightingScheme = "custom"
)

// OutlierMethod selects the statistical outlier test.
type OutlierMethod string

const (
	OutlierZScore OutlierMethod = "zscore"
	OutlierIQR    OutlierMethod = "iqr"
	OutlierMAD    OutlierMethod = "mad"
)

// ParseMethod validates an aggregation method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", NewConfigurationError(fmt.Sprintf("unknown aggregation method %q", s))
}

// ParseWeightingScheme validates a weighting scheme name.
func ParseWeightingScheme(s string) (WeightingScheme, error) {
	switch w := WeightingScheme(strings.ToLower(strings.TrimSpace(s))); w {
	case WeightingEqual, WeightingConfidence, WeightingReliability, WeightingCustom:
		return w, nil
	}
	return "", NewConfigurationError(fmt.Sprintf("unknown weighting scheme %q", s))
}

// ParseOutlierMethod validates an outlier detection method name.
func ParseOutlierMethod(s string) (OutlierMethod, error) {
	switch m := OutlierMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case OutlierZScore, OutlierIQR, OutlierMAD:
		return m, nil
	}
	return "", NewConfigurationError(fmt.Sprintf("unknown outlier method %q", s))
}

// SourceContribution describes how one observation took part in a consensus.
type SourceContribution struct {
	Source          string   `json:"source"`
	Price           *big.Int `json:"price"`
	Weight          float64  `json:"weight"`
	Confidence      uint8    `json:"confidence"`
	Included        bool     `json:"included"`
	ExclusionReason string   `json:"exclusion_reason,omitempty"`
}

// Outlier is an observation flagged by the outlier test.
type Outlier struct {
	Source string   `json:"source"`
	Price  *big.Int `json:"price"`
	Score  float64  `json:"score"`
}

// Statistics are dispersion metrics over the surviving prices, in raw price
// units at the result's decimals. Floating point is used here only.
type Statistics struct {
	StdDev   float64 `json:"std_dev"`
	Variance float64 `json:"variance"`
	MAD      float64 `json:"mad"`
	Range    float64 `json:"range"`
	IQR      float64 `json:"iqr"`
}

// Consensus summarizes agreement among sources.
type Consensus struct {
	AgreementRatio float64 `json:"agreement_ratio"`
	Participants   int     `json:"participants"`
	ThresholdMet   bool    `json:"threshold_met"`
}

// AggregationResult is the consensus over one feed for one query. When
// Consensus.ThresholdMet is false the result is advisory only.
type AggregationResult struct {
	FeedID     string               `json:"feed_id"`
	Price      *big.Int             `json:"price"`
	Decimals   uint8                `json:"decimals"`
	Method     Method               `json:"method"`
	Sources    []SourceContribution `json:"sources"`
	Confidence float64              `json:"confidence"`
	Stats      Statistics           `json:"stats"`
	Outliers   []Outlier            `json:"outliers"`
	Consensus  Consensus            `json:"consensus"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Authoritative reports whether the result met its consensus threshold.
func (r *AggregationResult) Authoritative() bool {
	return r != nil && r.Consensus.ThresholdMet
}

// Value returns the consensus price as a decimal.
func (r *AggregationResult) Value() decimal.Decimal {
	if r == nil || r.Price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(r.Price, -int32(r.Decimals))
}

// IncludedSources lists the sources that contributed to the price.
func (r *AggregationResult) IncludedSources() []string {
	out := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.Included {
			out = append(out, s.Source)
		}
	}
	return out
}

// Observation converts the consensus into an observation attributed to source.
func (r *AggregationResult) Observation(source string) Observation {
	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > MaxConfidence {
		conf = MaxConfidence
	}
	var price *big.Int
	if r.Price != nil {
		price = new(big.Int).Set(r.Price)
	}
	return Observation{
		FeedID:     r.FeedID,
		Price:      price,
		Decimals:   r.Decimals,
		Timestamp:  r.Timestamp.Unix(),
		Confidence: uint8(conf + 0.5),
		Source:     source,
	}
}
