// Package oracle holds the value types shared by the aggregation engine, the
// failure guard and the query facade: observations, consensus results and the
// closed error taxonomy.
package oracle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxDecimals is the highest decimal precision an observation may carry.
	MaxDecimals = 18
	// MaxConfidence is the upper bound of the confidence percentage.
	MaxConfidence = 100
)

// Observation is one provider's report for one feed at one instant.
// Observations are immutable once constructed; Price must never be mutated.
type Observation struct {
	FeedID     string   `json:"feed_id"`
	Price      *big.Int `json:"price"`
	Decimals   uint8    `json:"decimals"`
	Timestamp  int64    `json:"timestamp"`
	RoundID    uint64   `json:"round_id"`
	Confidence uint8    `json:"confidence"`
	Source     string   `json:"source"`
}

// NewObservation builds a validated observation. The price is copied.
func NewObservation(feedID string, price *big.Int, decimals uint8, timestamp time.Time, roundID uint64, confidence uint8, source string) (Observation, error) {
	obs := Observation{
		FeedID:     feedID,
		Decimals:   decimals,
		Timestamp:  timestamp.Unix(),
		RoundID:    roundID,
		Confidence: confidence,
		Source:     source,
	}
	if price != nil {
		obs.Price = new(big.Int).Set(price)
	}
	if err := obs.Validate(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// Validate checks the observation invariants.
func (o Observation) Validate() error {
	switch {
	case o.FeedID == "":
		return NewDataValidationError("observation has no feed id", false).With("source", o.Source)
	case o.Price == nil || o.Price.Sign() <= 0:
		return NewDataValidationError("price must be strictly positive", false).
			With("feed", o.FeedID).With("source", o.Source)
	case o.Decimals > MaxDecimals:
		return NewDataValidationError(fmt.Sprintf("decimals %d exceed %d", o.Decimals, MaxDecimals), false).
			With("feed", o.FeedID).With("source", o.Source)
	case o.Confidence > MaxConfidence:
		return NewDataValidationError(fmt.Sprintf("confidence %d outside 0..100", o.Confidence), false).
			With("feed", o.FeedID).With("source", o.Source)
	}
	return nil
}

// Time returns the observation timestamp.
func (o Observation) Time() time.Time {
	return time.Unix(o.Timestamp, 0)
}

// Age returns how old the observation is relative to now.
func (o Observation) Age(now time.Time) time.Duration {
	return now.Sub(o.Time())
}

// PriceCopy returns a copy of the integer price.
func (o Observation) PriceCopy() *big.Int {
	if o.Price == nil {
		return nil
	}
	return new(big.Int).Set(o.Price)
}

// ScaledPrice returns the price rescaled to the given decimals. Scaling down
// truncates; callers normally scale up to the highest precision in a set.
func (o Observation) ScaledPrice(decimals uint8) *big.Int {
	return ScalePrice(o.Price, o.Decimals, decimals)
}

// Value returns the human-readable price as a decimal.
func (o Observation) Value() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(o.Price, -int32(o.Decimals))
}

// WithConfidence returns a copy of the observation with another confidence.
func (o Observation) WithConfidence(confidence uint8) Observation {
	cp := o
	cp.Price = o.PriceCopy()
	cp.Confidence = confidence
	return cp
}

// ScalePrice converts an integer price between decimal precisions.
func ScalePrice(price *big.Int, from, to uint8) *big.Int {
	if price == nil {
		return nil
	}
	out := new(big.Int).Set(price)
	switch {
	case to > from:
		out.Mul(out, pow10(int(to-from)))
	case to < from:
		out.Quo(out, pow10(int(from-to)))
	}
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
