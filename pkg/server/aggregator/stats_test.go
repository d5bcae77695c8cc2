package aggregator

import (
	"math"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

func bigs(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestDescribe(t *testing.T) {
	stats := Describe(bigs(2, 4, 4, 4, 5, 5, 7, 9))

	assert.InDelta(t, 2.0, stats.StdDev, 1e-9)
	assert.InDelta(t, 4.0, stats.Variance, 1e-9)
	assert.InDelta(t, 7.0, stats.Range, 1e-9)
	assert.InDelta(t, 0.5, stats.MAD, 1e-9)
	// Q1 = 4 (pos 1.75), Q3 = 5.5 (pos 5.25)
	assert.InDelta(t, 1.5, stats.IQR, 1e-9)

	assert.Equal(t, oracle.Statistics{}, Describe(bigs(42)))
}

func TestDescribe_RemovingExtremeNeverRaisesStdDev(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 500; round++ {
		n := 3 + rng.Intn(10)
		values := make([]int64, n)
		for i := range values {
			values[i] = 1 + rng.Int63n(10_000)
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

		before := Describe(bigs(values...)).StdDev

		// drop whichever end lies furthest from the mean
		m := mean(floats(bigs(values...)))
		trimmed := values[1:]
		if math.Abs(float64(values[n-1])-m) > math.Abs(float64(values[0])-m) {
			trimmed = values[:n-1]
		}
		after := Describe(bigs(trimmed...)).StdDev

		assert.LessOrEqual(t, after, before+1e-9, "round %d values %v", round, values)
	}
}

func TestOutlierScores(t *testing.T) {
	values := []float64{3395, 3400, 3410, 5000}

	iqr := OutlierScores(oracle.OutlierIQR, values)
	assert.Equal(t, 0.0, iqr[1])
	assert.InDelta(t, 2.917, iqr[3], 0.001)

	z := OutlierScores(oracle.OutlierZScore, values)
	assert.Greater(t, z[3], z[0])
	assert.InDelta(t, 1.732, z[3], 0.001)

	mad := OutlierScores(oracle.OutlierMAD, values)
	assert.Greater(t, mad[3], 3.5)
	assert.Less(t, mad[0], 3.5)

	flat := OutlierScores(oracle.OutlierMAD, []float64{10, 10, 10, 11})
	assert.Equal(t, 0.0, flat[0])
	assert.True(t, math.IsInf(flat[3], 1))
}

func TestDeviationPct(t *testing.T) {
	assert.InDelta(t, 25.0, DeviationPct(big.NewInt(125), big.NewInt(100)), 1e-9)
	assert.InDelta(t, 20.0, DeviationPct(big.NewInt(80), big.NewInt(100)), 1e-9)
	assert.Equal(t, "333333", DeviationScaled(big.NewInt(903), big.NewInt(900)).String())
}
