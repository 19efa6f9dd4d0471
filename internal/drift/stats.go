package drift

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// psiEpsilon floors bin shares so empty bins do not produce infinite logs.
const psiEpsilon = 1e-4

// KSResult is the outcome of a two-sample Kolmogorov-Smirnov test.
type KSResult struct {
	Statistic   float64 `json:"statistic"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

// KolmogorovSmirnovTest compares two samples. The statistic is the largest
// gap between their empirical CDFs; the p-value uses the asymptotic
// Kolmogorov distribution. The result is significant when p < alpha.
func KolmogorovSmirnovTest(a, b []float64, alpha float64) KSResult {
	x := finiteSorted(a)
	y := finiteSorted(b)
	n, m := len(x), len(y)
	if n == 0 || m == 0 {
		return KSResult{PValue: 1}
	}

	d := stat.KolmogorovSmirnov(x, nil, y, nil)

	en := math.Sqrt(float64(n) * float64(m) / float64(n+m))
	p := kolmogorovQ((en + 0.12 + 0.11/en) * d)
	return KSResult{Statistic: d, PValue: p, Significant: p < alpha}
}

// kolmogorovQ is the survival function of the Kolmogorov distribution,
// Q(λ) = 2 Σ (-1)^(k-1) exp(-2k²λ²). It returns 1 when the series fails to
// converge, which happens as λ approaches 0.
func kolmogorovQ(lambda float64) float64 {
	const (
		eps1 = 0.001
		eps2 = 1e-8
	)
	a2 := -2 * lambda * lambda
	fac := 2.0
	var sum, prev float64
	for k := 1; k <= 100; k++ {
		term := fac * math.Exp(a2*float64(k*k))
		sum += term
		if math.Abs(term) <= eps1*prev || math.Abs(term) <= eps2*sum {
			return math.Max(0, math.Min(1, sum))
		}
		fac = -fac
		prev = math.Abs(term)
	}
	return 1
}

// PSIResult is a Population Stability Index and the share of current values
// that fell outside the baseline range.
type PSIResult struct {
	Value              float64 `json:"value"`
	OutOfRangeFraction float64 `json:"out_of_range_fraction"`
}

// CalculatePSI bins both samples into equal-width bins over the expected
// sample's range and returns Σ (actual - expected) * ln(actual / expected)
// over the bin shares. Actual values outside the range are counted in the
// nearest boundary bin.
func CalculatePSI(expected, actual []float64, bins int) PSIResult {
	if bins <= 0 {
		bins = 10
	}
	exp := finiteSorted(expected)
	act := finiteSorted(actual)
	if len(exp) == 0 || len(act) == 0 {
		return PSIResult{}
	}

	lo, hi := exp[0], exp[len(exp)-1]

	var outside int
	clamped := make([]float64, len(act))
	for i, v := range act {
		if v < lo || v > hi {
			outside++
		}
		clamped[i] = math.Max(lo, math.Min(hi, v))
	}

	var expCounts, actCounts []float64
	if lo == hi {
		expCounts, actCounts = degenerateCounts(exp, lo, bins), degenerateCounts(act, lo, bins)
	} else {
		// The last divider sits just above hi so the maximum lands in the last bin.
		dividers := make([]float64, bins+1)
		floats.Span(dividers, lo, hi)
		dividers[bins] = math.Nextafter(hi, math.Inf(1))
		expCounts = stat.Histogram(make([]float64, bins), dividers, exp, nil)
		actCounts = stat.Histogram(make([]float64, bins), dividers, clamped, nil)
	}

	var psi float64
	for i := 0; i < bins; i++ {
		e := math.Max(expCounts[i]/float64(len(exp)), psiEpsilon)
		a := math.Max(actCounts[i]/float64(len(act)), psiEpsilon)
		psi += (a - e) * math.Log(a/e)
	}
	return PSIResult{
		Value:              psi,
		OutOfRangeFraction: float64(outside) / float64(len(act)),
	}
}

// degenerateCounts bins xs against a single-valued baseline at v: values at or
// below v go to the first bin and the rest to the last.
func degenerateCounts(xs []float64, v float64, bins int) []float64 {
	counts := make([]float64, bins)
	for _, x := range xs {
		if x <= v {
			counts[0]++
		} else {
			counts[bins-1]++
		}
	}
	return counts
}

// finiteSorted returns a sorted copy of xs without NaN or infinite values.
func finiteSorted(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
