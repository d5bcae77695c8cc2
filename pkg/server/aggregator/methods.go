package aggregator

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// weightScale converts float weights to fixed-point integers.
const weightScale = 1_000_000

var (
	bigWeightScale = big.NewInt(weightScale)
	bigHundred     = big.NewInt(100)
)

// candidate is one normalized observation taking part in an aggregation.
type candidate struct {
	index      int
	source     string
	price      *big.Int
	confidence uint8
	timestamp  int64
	weight     float64
}

func sortedPrices(cands []candidate) []*big.Int {
	out := make([]*big.Int, len(cands))
	for i, c := range cands {
		out[i] = c.price
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// consensusPrice computes the price for the selected method. cands must not be empty.
func consensusPrice(method oracle.Method, cands []candidate, cfg Config) (*big.Int, error) {
	switch method {
	case oracle.MethodMedian:
		return medianPrice(sortedPrices(cands)), nil
	case oracle.MethodMean:
		return meanPrice(sortedPrices(cands)), nil
	case oracle.MethodWeightedAverage:
		return weightedPrice(cands), nil
	case oracle.MethodTrimmedMean:
		return trimmedMeanPrice(sortedPrices(cands), cfg.TrimPercent), nil
	case oracle.MethodMode:
		return modePrice(sortedPrices(cands), cfg.ModeTolerancePct), nil
	}
	return nil, oracle.NewConfigurationError(fmt.Sprintf("unknown aggregation method %q", method))
}

// medianPrice returns the middle value, or the floor of the average of the
// two middle values for even counts. sorted must be ascending.
func medianPrice(sorted []*big.Int) *big.Int {
	n := len(sorted)
	if n%2 == 1 {
		return new(big.Int).Set(sorted[n/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Quo(sum, big.NewInt(2))
}

func meanPrice(prices []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	return sum.Quo(sum, big.NewInt(int64(len(prices))))
}

// weightedPrice is Σ(price×w)/Σw with weights in fixed point. All-zero
// weights fall back to the plain mean.
func weightedPrice(cands []candidate) *big.Int {
	num := new(big.Int)
	den := new(big.Int)
	for _, c := range cands {
		w := big.NewInt(int64(math.Round(c.weight * weightScale)))
		num.Add(num, new(big.Int).Mul(c.price, w))
		den.Add(den, w)
	}
	if den.Sign() == 0 {
		return meanPrice(sortedPrices(cands))
	}
	return num.Quo(num, den)
}

// trimmedMeanPrice drops floor(n×trim) values from each end, always keeping
// at least one value.
func trimmedMeanPrice(sorted []*big.Int, trim float64) *big.Int {
	n := len(sorted)
	k := int(math.Floor(float64(n) * trim))
	if n-2*k < 1 {
		k = (n - 1) / 2
	}
	return meanPrice(sorted[k : n-k])
}

// modePrice clusters ascending prices greedily: a value joins the current
// bucket while it is within tolerancePct of the bucket's first value. The
// median of the largest bucket wins; ties go to the lower bucket.
func modePrice(sorted []*big.Int, tolerancePct float64) *big.Int {
	tol := big.NewInt(int64(math.Round(tolerancePct * weightScale)))

	bestStart, bestLen := 0, 0
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && withinPct(sorted[i], sorted[start], tol) {
			continue
		}
		if i-start > bestLen {
			bestStart, bestLen = start, i-start
		}
		start = i
	}
	return medianPrice(sorted[bestStart : bestStart+bestLen])
}

// DeviationScaled returns |p - ref| / ref in percent, scaled by 1e6.
func DeviationScaled(p, ref *big.Int) *big.Int {
	diff := new(big.Int).Sub(p, ref)
	diff.Abs(diff)
	diff.Mul(diff, bigHundred)
	diff.Mul(diff, bigWeightScale)
	return diff.Quo(diff, ref)
}

// DeviationPct returns the deviation of p from ref in percent. The value is
// derived from integer math and only converted for reporting.
func DeviationPct(p, ref *big.Int) float64 {
	return toFloat(DeviationScaled(p, ref)) / weightScale
}

func withinPct(p, ref, scaledTolerance *big.Int) bool {
	return DeviationScaled(p, ref).Cmp(scaledTolerance) <= 0
}
