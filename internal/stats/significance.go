package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ProportionTest is the outcome of a two-proportion z-test.
type ProportionTest struct {
	Z      float64
	PValue float64
	// Defined is false when either arm has no impressions or the pooled
	// standard error is zero. Z and PValue are then 0 and 1.
	Defined bool
}

// TwoProportionZTest compares a challenger's conversion rate against the
// control's using the pooled standard error. The p-value is two-tailed.
func TwoProportionZTest(controlConv, controlViews, challengerConv, challengerViews int64) ProportionTest {
	undefined := ProportionTest{PValue: 1}

	if controlViews <= 0 || challengerViews <= 0 {
		return undefined
	}

	nA := float64(controlViews)
	nB := float64(challengerViews)
	pA := float64(controlConv) / nA
	pB := float64(challengerConv) / nB

	// Pooled proportion under null hypothesis (pA = pB)
	pooled := float64(controlConv+challengerConv) / (nA + nB)

	se := math.Sqrt(pooled * (1 - pooled) * (1/nA + 1/nB))
	if se == 0 || math.IsNaN(se) {
		return undefined
	}

	z := (pB - pA) / se
	return ProportionTest{
		Z:       z,
		PValue:  TwoTailedPValue(z),
		Defined: true,
	}
}

// TwoTailedPValue returns 2 * (1 - Φ(|z|)). The upper tail is taken from the
// survival function directly so large |z| doesn't round to zero early.
func TwoTailedPValue(z float64) float64 {
	p := 2 * distuv.UnitNormal.Survival(math.Abs(z))
	if p > 1 {
		return 1
	}
	return p
}

// NormalCDF is Φ, the standard normal cumulative distribution function.
func NormalCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}
