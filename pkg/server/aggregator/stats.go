package aggregator

import (
	"math"
	"math/big"
	"sort"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// toFloat converts an integer price for statistics only. Price results are
// never derived from the returned value.
func toFloat(p *big.Int) float64 {
	f, _ := new(big.Float).SetInt(p).Float64()
	return f
}

func floats(prices []*big.Int) []float64 {
	out := make([]float64, len(prices))
	for i, p := range prices {
		out[i] = toFloat(p)
	}
	return out
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the population variance.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := sortedCopy(values)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func medianAbsDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := medianFloat(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - m)
	}
	return medianFloat(dev)
}

// quantile uses linear interpolation between closest ranks on sorted input.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func quartiles(values []float64) (q1, q3 float64) {
	s := sortedCopy(values)
	return quantile(s, 0.25), quantile(s, 0.75)
}

// Describe computes dispersion statistics in raw price units. A single value
// yields all zeros.
func Describe(prices []*big.Int) oracle.Statistics {
	values := floats(prices)
	if len(values) < 2 {
		return oracle.Statistics{}
	}
	s := sortedCopy(values)
	q1, q3 := quartiles(values)
	v := variance(values)
	return oracle.Statistics{
		StdDev:   math.Sqrt(v),
		Variance: v,
		MAD:      medianAbsDeviation(values),
		Range:    s[len(s)-1] - s[0],
		IQR:      q3 - q1,
	}
}
