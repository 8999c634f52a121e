package experiment

import "math"

// welchSignificance compares two variants by mean quality score using
// Welch's two-sample t-test and returns a confidence in [0,1): the
// complement of the two-sided p-value under a normal approximation of the
// t distribution. Sample sizes here are at least MinSampleFloor, where the
// approximation is close.
func welchSignificance(a, b *Accumulator) float64 {
	if a.Samples < 2 || b.Samples < 2 {
		return 0
	}

	meanA, meanB := a.Mean(), b.Mean()
	se := math.Sqrt(a.Variance()/float64(a.Samples) + b.Variance()/float64(b.Samples))
	if se == 0 {
		// Degenerate spread. Identical means carry no evidence; distinct
		// means with zero variance are as significant as it gets.
		if meanA == meanB {
			return 0
		}
		return 0.9999
	}

	t := math.Abs(meanA-meanB) / se
	sig := 2*normalCDF(t) - 1
	if sig < 0 {
		return 0
	}
	if sig >= 1 {
		return 0.9999
	}
	return sig
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
