package aggregator

import (
	"math"

	"github.com/StrathCole/oracle-guard/pkg/oracle"
)

// minOutlierSample is the smallest set on which outlier tests are run.
const minOutlierSample = 3

// madScale makes the MAD-based score comparable to a z-score for normal data.
const madScale = 0.6745

// OutlierScores returns one score per value. Values scoring above the
// method's threshold are outliers.
//
//   - zscore: |x - mean| / stddev
//   - iqr: distance outside [Q1, Q3] in IQR units (0 inside the box)
//   - mad: 0.6745 * |x - median| / MAD
//
// A zero spread scores every value equal to the center as 0 and every other
// value as +Inf.
func OutlierScores(method oracle.OutlierMethod, values []float64) []float64 {
	scores := make([]float64, len(values))
	switch method {
	case oracle.OutlierZScore:
		m := mean(values)
		sd := math.Sqrt(variance(values))
		for i, v := range values {
			scores[i] = spreadScore(math.Abs(v-m), sd)
		}
	case oracle.OutlierIQR:
		q1, q3 := quartiles(values)
		iqr := q3 - q1
		for i, v := range values {
			var dist float64
			switch {
			case v < q1:
				dist = q1 - v
			case v > q3:
				dist = v - q3
			}
			scores[i] = spreadScore(dist, iqr)
		}
	case oracle.OutlierMAD:
		med := medianFloat(values)
		mad := medianAbsDeviation(values)
		for i, v := range values {
			scores[i] = madScale * spreadScore(math.Abs(v-med), mad)
		}
	}
	return scores
}

func spreadScore(distance, spread float64) float64 {
	if distance == 0 {
		return 0
	}
	if spread == 0 {
		return math.Inf(1)
	}
	return distance / spread
}
