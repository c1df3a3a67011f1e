package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/stats"
	"github.com/gkobilansky/abgoat/internal/store"
)

// Evaluate computes the verdict for a test from its current counters. It
// writes nothing. Completed tests return their stored verdict, which equals a
// recomputation because their counters are frozen.
func (e *Engine) Evaluate(ctx context.Context, id string) (*store.Verdict, error) {
	start := time.Now()
	defer func() { evaluationDuration.Observe(time.Since(start).Seconds()) }()

	test, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, storeErr("evaluate", id, err)
	}
	if test.Status == store.StatusDraft {
		return nil, &InvalidStateError{TestID: id, Op: "evaluate", Status: test.Status}
	}

	if test.Status == store.StatusCompleted {
		v, err := e.store.LoadVerdict(ctx, id)
		if err == nil {
			observeEvaluation(v)
			return v, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, &StorageError{Op: "evaluate", Err: err}
		}
	}

	v := e.verdict(test)
	observeEvaluation(v)
	return v, nil
}

// CompleteTest freezes a running test and stores its final verdict. A paused
// test has to be resumed first.
// The verdict is computed after the transition, from the counters no further
// event can change.
func (e *Engine) CompleteTest(ctx context.Context, id string) (*store.ABTest, *store.Verdict, error) {
	tl := e.locks.acquire(id)
	defer e.locks.release(id)
	tl.state.Lock()
	defer tl.state.Unlock()

	test, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, nil, storeErr("complete", id, err)
	}
	if test.Status != store.StatusRunning {
		return nil, nil, &InvalidStateError{TestID: id, Op: "complete", Status: test.Status}
	}

	if err := e.commitTransition(ctx, "complete", test, store.StatusCompleted); err != nil {
		return nil, nil, err
	}

	final, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, nil, storeErr("complete", id, err)
	}
	v := e.verdict(final)
	if err := e.store.SaveVerdict(ctx, v); err != nil {
		// The test is completed either way; Evaluate recomputes the same
		// verdict from the frozen counters.
		return final, nil, &StorageError{Op: "save verdict", Err: err}
	}
	observeEvaluation(v)

	e.logger.Info("test completed",
		zap.String("test_id", id),
		zap.Bool("significant", v.StatisticallySignificant),
		zap.Stringp("winner", v.WinningVariantID),
		zap.Float64("p_value", v.PValue),
		zap.Float64("lift_percent", v.LiftPercent))

	return final, v, nil
}

func (e *Engine) verdict(test *store.ABTest) *store.Verdict {
	v := stats.Analyze(test)
	v.Recommendation = recommend(test, v)
	return v
}

// recommend turns a verdict into one or two sentences for a human. It uses
// nothing but test and v.
func recommend(test *store.ABTest, v *store.Verdict) string {
	if v.ControlVariantID == "" {
		return "No control variant is configured, so nothing can be compared."
	}
	if v.ChallengerVariantID == "" {
		return "No challenger variant is configured, so nothing can be compared."
	}

	ctrl := test.Variant(v.ControlVariantID)
	chal := test.Variant(v.ChallengerVariantID)
	confidence := v.ConfidenceLevel * 100

	if v.InsufficientData {
		switch {
		case ctrl.Impressions == 0:
			return fmt.Sprintf("Insufficient data: control %q has no impressions yet. Keep the test running.", ctrl.Name)
		case chal.Impressions == 0:
			return fmt.Sprintf("Insufficient data: %q has no impressions yet. Keep the test running.", chal.Name)
		}
		return "Insufficient data: every impression so far has the same outcome, so there is no variance to test. Keep the test running."
	}

	if v.StatisticallySignificant {
		margin := fmt.Sprintf("by %.1f%%", v.LiftPercent)
		if rate(ctrl) == 0 {
			margin = fmt.Sprintf("with %.2f%% conversion against none", rate(chal)*100)
		}
		msg := fmt.Sprintf("%q beats control %q %s (p = %.4f, %.0f%% confidence). Roll out %q.",
			chal.Name, ctrl.Name, margin, v.PValue, confidence, chal.Name)
		if !v.SampleSizeReached {
			msg += fmt.Sprintf(" The minimum sample size of %d impressions per variant has not been reached yet.", test.MinimumSampleSize)
		}
		return msg
	}

	if rate(chal) <= rate(ctrl) {
		msg := fmt.Sprintf("Control %q performs at least as well as every challenger (best challenger %q: %+.1f%%, p = %.4f).",
			ctrl.Name, chal.Name, v.LiftPercent, v.PValue)
		if v.SampleSizeReached {
			return msg + " Consider ending the test and keeping the control."
		}
		return msg + fmt.Sprintf(" Keep running until each variant has %d impressions.", test.MinimumSampleSize)
	}

	if !v.SampleSizeReached {
		return fmt.Sprintf("%q leads control %q by %.1f%% but the difference is not significant yet (p = %.4f). Keep running until each variant has %d impressions.",
			chal.Name, ctrl.Name, v.LiftPercent, v.PValue, test.MinimumSampleSize)
	}
	return fmt.Sprintf("No significant difference at %.0f%% confidence (p = %.4f) after reaching the minimum sample size. %q leads by %.1f%%, which may be noise.",
		confidence, v.PValue, chal.Name, v.LiftPercent)
}

func rate(tv *store.TestVariant) float64 {
	if tv.Impressions == 0 {
		return 0
	}
	return float64(tv.Conversions) / float64(tv.Impressions)
}
