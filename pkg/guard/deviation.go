package guard

import (
	"math"
	"math/big"
	"sort"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// deviationScale is the fixed-point factor applied to percentages.
const deviationScale = 1_000_000

var (
	bigDeviationScale = big.NewInt(deviationScale)
	bigHundred        = big.NewInt(100)
	bigTwo            = big.NewInt(2)
)

// DetectDeviation compares obs against the median of the feed's most recent
// history entries. With no history it accepts with zero deviation. Above
// MaxPriceDeviation it returns the deviation together with a
// PriceDeviationError. It does not touch breaker state.
func (g *Guard) DetectDeviation(feedID string, obs oracle.Observation) (float64, error) {
	r, ok := g.history.get(feedID)
	if !ok {
		return 0, nil
	}
	refs := r.latest(g.cfg.ReferenceWindow)
	if len(refs) == 0 {
		return 0, nil
	}
	if err := obs.Validate(); err != nil {
		return 0, err
	}

	decimals := obs.Decimals
	for _, ref := range refs {
		if ref.Decimals > decimals {
			decimals = ref.Decimals
		}
	}

	prices := make([]*big.Int, len(refs))
	for i, ref := range refs {
		prices[i] = ref.ScaledPrice(decimals)
	}
	reference := medianOf(prices)
	current := obs.ScaledPrice(decimals)

	scaled := new(big.Int).Sub(current, reference)
	scaled.Abs(scaled)
	scaled.Mul(scaled, bigHundred)
	scaled.Mul(scaled, bigDeviationScale)
	scaled.Quo(scaled, reference)

	f, _ := new(big.Float).SetInt(scaled).Float64()
	deviation := f / deviationScale

	limit := big.NewInt(int64(math.Round(g.cfg.MaxPriceDeviation * deviationScale)))
	if scaled.Cmp(limit) > 0 {
		g.logger.Warn("Price deviates from history",
			"feed", feedID,
			"source", obs.Source,
			"price", current.String(),
			"reference", reference.String(),
			"deviation_pct", deviation)
		return deviation, oracle.NewPriceDeviationError(feedID, current, reference, deviation, g.cfg.MaxPriceDeviation)
	}
	return deviation, nil
}

// medianOf returns the median, flooring the average of the two middle values
// for even counts.
func medianOf(prices []*big.Int) *big.Int {
	sorted := append([]*big.Int(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	n := len(sorted)
	if n%2 == 1 {
		return new(big.Int).Set(sorted[n/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Quo(sum, bigTwo)
}
