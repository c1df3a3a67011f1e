package stats_test

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/gkobilansky/abgoat/internal/stats"
	"github.com/gkobilansky/abgoat/internal/store"
)

func TestTwoProportionZTest_ClearWinner(t *testing.T) {
	// 10% vs 13% over 1000 impressions each
	zt := stats.TwoProportionZTest(100, 1000, 130, 1000)

	if !zt.Defined {
		t.Fatal("expected a defined test")
	}
	if math.Abs(zt.Z-2.10274) > 1e-4 {
		t.Errorf("got z %f, want ~2.10274", zt.Z)
	}
	if math.Abs(zt.PValue-0.035488) > 1e-5 {
		t.Errorf("got p %f, want ~0.035488", zt.PValue)
	}
}

func TestTwoProportionZTest_SmallSample(t *testing.T) {
	zt := stats.TwoProportionZTest(20, 200, 24, 200)

	if math.Abs(zt.Z-0.63920) > 1e-4 {
		t.Errorf("got z %f, want ~0.63920", zt.Z)
	}
	if math.Abs(zt.PValue-0.52269) > 1e-4 {
		t.Errorf("got p %f, want ~0.52269", zt.PValue)
	}
}

func TestTwoProportionZTest_Symmetric(t *testing.T) {
	ab := stats.TwoProportionZTest(100, 1000, 130, 1000)
	ba := stats.TwoProportionZTest(130, 1000, 100, 1000)

	if ab.Z != -ba.Z {
		t.Errorf("z should flip sign: %f vs %f", ab.Z, ba.Z)
	}
	if ab.PValue != ba.PValue {
		t.Errorf("p-value should not depend on order: %f vs %f", ab.PValue, ba.PValue)
	}
}

func TestTwoProportionZTest_Undefined(t *testing.T) {
	tests := []struct {
		name           string
		cc, cn, xc, xn int64
	}{
		{"zero views", 0, 0, 0, 0},
		{"only control has views", 10, 100, 0, 0},
		{"no conversions anywhere", 0, 100, 0, 80},
		{"everything converts", 50, 50, 70, 70},
	}

	for _, tt := range tests {
		zt := stats.TwoProportionZTest(tt.cc, tt.cn, tt.xc, tt.xn)
		if zt.Defined {
			t.Errorf("%s: expected undefined test", tt.name)
		}
		if zt.PValue != 1 || zt.Z != 0 {
			t.Errorf("%s: got (z %f, p %f), want (0, 1)", tt.name, zt.Z, zt.PValue)
		}
	}
}

func TestTwoTailedPValue(t *testing.T) {
	if p := stats.TwoTailedPValue(0); p != 1 {
		t.Errorf("p(0) = %f, want 1", p)
	}
	if p := stats.TwoTailedPValue(1.959964); math.Abs(p-0.05) > 1e-6 {
		t.Errorf("p(1.96) = %f, want 0.05", p)
	}
	if p := stats.TwoTailedPValue(40); p < 0 || p > 1e-300 {
		t.Errorf("p(40) = %g, want a tiny non-negative number", p)
	}
}

func TestNormalCDF(t *testing.T) {
	if got := stats.NormalCDF(0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Φ(0) = %f, want 0.5", got)
	}
	if got := stats.NormalCDF(1.644854); math.Abs(got-0.95) > 1e-6 {
		t.Errorf("Φ(1.645) = %f, want 0.95", got)
	}
}

func abTest(counts ...[2]int64) *store.ABTest {
	test := &store.ABTest{
		ID:                "t1",
		ConfidenceLevel:   0.95,
		MinimumSampleSize: 100,
		Status:            store.StatusRunning,
	}
	for i, c := range counts {
		test.Variants = append(test.Variants, store.TestVariant{
			ID:          string(rune('a' + i)),
			Name:        string(rune('A' + i)),
			IsControl:   i == 0,
			Impressions: c[0],
			Conversions: c[1],
		})
	}
	return test
}

func TestAnalyze_BasicResults(t *testing.T) {
	v := stats.Analyze(abTest([2]int64{100, 10}, [2]int64{100, 20}))

	if len(v.VariantSummaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(v.VariantSummaries))
	}
	if r := v.VariantSummaries[0].ConversionRate; r < 0.09 || r > 0.11 {
		t.Errorf("variant 0 rate %f not ~0.10", r)
	}
	if r := v.VariantSummaries[1].ConversionRate; r < 0.19 || r > 0.21 {
		t.Errorf("variant 1 rate %f not ~0.20", r)
	}
	if v.ControlVariantID != "a" || v.ChallengerVariantID != "b" {
		t.Errorf("got control %q challenger %q", v.ControlVariantID, v.ChallengerVariantID)
	}
	if v.LiftPercent < 99.99 || v.LiftPercent > 100.01 {
		t.Errorf("lift %f not ~100", v.LiftPercent)
	}
}

func TestAnalyze_WithConfidenceIntervals(t *testing.T) {
	v := stats.Analyze(abTest([2]int64{1000, 100}, [2]int64{1000, 150}))

	for i, s := range v.VariantSummaries {
		if s.CILower >= s.ConversionRate {
			t.Errorf("variant %d: CI lower %f should be < rate %f", i, s.CILower, s.ConversionRate)
		}
		if s.CIUpper <= s.ConversionRate {
			t.Errorf("variant %d: CI upper %f should be > rate %f", i, s.CIUpper, s.ConversionRate)
		}
	}
}

func TestAnalyze_RevenuePerImpression(t *testing.T) {
	test := abTest([2]int64{40, 4}, [2]int64{0, 0})
	test.Variants[0].Revenue = 100

	v := stats.Analyze(test)
	if got := v.VariantSummaries[0].RevenuePerImpression; got != 2.5 {
		t.Errorf("revenue per impression = %f, want 2.5", got)
	}
	if got := v.VariantSummaries[1].RevenuePerImpression; got != 0 {
		t.Errorf("empty variant revenue per impression = %f, want 0", got)
	}
}

func TestAnalyze_ZeroControlRateHasNoLift(t *testing.T) {
	v := stats.Analyze(abTest([2]int64{500, 0}, [2]int64{500, 20}))

	if v.InsufficientData {
		t.Fatal("expected defined test")
	}
	if v.LiftPercent != 0 {
		t.Errorf("lift with zero control rate = %f, want 0", v.LiftPercent)
	}
	if !v.StatisticallySignificant {
		t.Errorf("expected significance, p = %f", v.PValue)
	}
}

func TestAnalyze_TieKeepsFirstChallenger(t *testing.T) {
	v := stats.Analyze(abTest([2]int64{100, 10}, [2]int64{100, 15}, [2]int64{100, 15}))

	if v.ChallengerVariantID != "b" {
		t.Errorf("got challenger %q, want b", v.ChallengerVariantID)
	}
}

func TestAnalyze_NoChallenger(t *testing.T) {
	v := stats.Analyze(abTest([2]int64{100, 10}))

	if !v.InsufficientData || v.ChallengerVariantID != "" || v.PValue != 1 {
		t.Errorf("unexpected verdict for a control-only test: %+v", v)
	}
}

func TestAnalyze_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 4).Draw(t, "variants")
		counts := make([][2]int64, n)
		for i := range counts {
			views := rapid.Int64Range(0, 5000).Draw(t, "views")
			conv := rapid.Int64Range(0, views).Draw(t, "conversions")
			counts[i] = [2]int64{views, conv}
		}
		test := abTest(counts...)
		test.ConfidenceLevel = rapid.SampledFrom([]float64{0.8, 0.9, 0.95, 0.99}).Draw(t, "confidence")

		v := stats.Analyze(test)

		if v.PValue < 0 || v.PValue > 1 || math.IsNaN(v.PValue) {
			t.Fatalf("p-value out of range: %f", v.PValue)
		}
		if v.InsufficientData && (v.StatisticallySignificant || v.PValue != 1) {
			t.Fatalf("insufficient data must not be significant: %+v", v)
		}
		if v.StatisticallySignificant != (v.WinningVariantID != nil) {
			t.Fatalf("winner set iff significant: %+v", v)
		}
		if v.WinningVariantID != nil {
			var ctrl, win store.VariantSummary
			for _, s := range v.VariantSummaries {
				if s.VariantID == v.ControlVariantID {
					ctrl = s
				}
				if s.VariantID == *v.WinningVariantID {
					win = s
				}
			}
			if win.ConversionRate <= ctrl.ConversionRate {
				t.Fatalf("winner %q does not beat control", *v.WinningVariantID)
			}
			if v.PValue >= 1-test.ConfidenceLevel {
				t.Fatalf("winner with p %f at confidence %f", v.PValue, test.ConfidenceLevel)
			}
		}
		for _, s := range v.VariantSummaries {
			if s.CILower < 0 || s.CIUpper > 1 || s.CILower > s.CIUpper {
				t.Fatalf("bad interval [%f, %f]", s.CILower, s.CIUpper)
			}
		}

		again := stats.Analyze(test)
		if again.PValue != v.PValue || again.ZScore != v.ZScore || again.LiftPercent != v.LiftPercent {
			t.Fatalf("analysis is not deterministic")
		}
	})
}
