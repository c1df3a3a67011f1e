package stats

import "github.com/gkobilansky/abgoat/internal/store"

// Analyze computes the numeric part of a verdict from the test's current
// counters. It reads nothing but the test, so equal counters give identical
// verdicts. Recommendation is left empty for the caller.
func Analyze(test *store.ABTest) *store.Verdict {
	v := &store.Verdict{
		TestID:           test.ID,
		PValue:           1,
		ConfidenceLevel:  test.ConfidenceLevel,
		InsufficientData: true,
		VariantSummaries: make([]store.VariantSummary, len(test.Variants)),
	}

	control, challenger := -1, -1
	for i, tv := range test.Variants {
		v.VariantSummaries[i] = summarize(tv, test.ConfidenceLevel)

		if tv.IsControl {
			if control == -1 {
				control = i
			}
			continue
		}
		if challenger == -1 || v.VariantSummaries[i].ConversionRate > v.VariantSummaries[challenger].ConversionRate {
			challenger = i
		}
	}

	if control == -1 {
		return v
	}
	ctrl := v.VariantSummaries[control]
	v.ControlVariantID = ctrl.VariantID

	if challenger == -1 {
		return v
	}
	chal := v.VariantSummaries[challenger]
	v.ChallengerVariantID = chal.VariantID
	v.SampleSizeReached = ctrl.Impressions >= test.MinimumSampleSize && chal.Impressions >= test.MinimumSampleSize

	zt := TwoProportionZTest(ctrl.Conversions, ctrl.Impressions, chal.Conversions, chal.Impressions)
	if !zt.Defined {
		return v
	}

	v.InsufficientData = false
	v.ZScore = zt.Z
	v.PValue = zt.PValue
	if ctrl.ConversionRate > 0 {
		v.LiftPercent = (chal.ConversionRate - ctrl.ConversionRate) / ctrl.ConversionRate * 100
	}

	v.StatisticallySignificant = zt.PValue < (1-test.ConfidenceLevel) && chal.ConversionRate > ctrl.ConversionRate
	if v.StatisticallySignificant {
		id := chal.VariantID
		v.WinningVariantID = &id
	}

	return v
}

func summarize(tv store.TestVariant, confidence float64) store.VariantSummary {
	s := store.VariantSummary{
		VariantID:   tv.ID,
		Name:        tv.Name,
		IsControl:   tv.IsControl,
		Impressions: tv.Impressions,
		Conversions: tv.Conversions,
		Revenue:     tv.Revenue,
	}
	if tv.Impressions > 0 {
		s.ConversionRate = float64(tv.Conversions) / float64(tv.Impressions)
		s.RevenuePerImpression = tv.Revenue / float64(tv.Impressions)
	}
	s.CILower, s.CIUpper = WilsonInterval(tv.Conversions, tv.Impressions, confidence)
	return s
}
