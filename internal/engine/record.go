package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/store"
)

// RecordEvent applies one event to a variant's counters. The test must be
// running. Either the whole event is applied or nothing is.
func (e *Engine) RecordEvent(ctx context.Context, ev Event) error {
	err := e.recordEvent(ctx, ev)
	if err != nil {
		reason := rejectReason(err)
		eventsRejected.WithLabelValues(reason).Inc()
		if reason == "storage" {
			e.logger.Error("failed to record event", zap.String("test_id", ev.TestID), zap.Error(err))
		} else {
			e.logger.Debug("event rejected",
				zap.String("test_id", ev.TestID),
				zap.String("variant_id", ev.VariantID),
				zap.String("reason", reason),
				zap.Error(err))
		}
		return err
	}

	if ev.Impression {
		eventsRecorded.WithLabelValues("impression").Inc()
	}
	if ev.Conversion {
		eventsRecorded.WithLabelValues("conversion").Inc()
	}
	if ev.Revenue > 0 {
		eventsRecorded.WithLabelValues("revenue").Inc()
	}

	if e.cfg.AutoComplete && ev.Impression {
		e.maybeComplete(ctx, ev.TestID)
	}
	return nil
}

func (e *Engine) recordEvent(ctx context.Context, ev Event) error {
	if problems := eventProblems(&ev); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	tl := e.locks.acquire(ev.TestID)
	defer e.locks.release(ev.TestID)
	tl.state.RLock()
	defer tl.state.RUnlock()

	test, err := e.store.Load(ctx, ev.TestID)
	if err != nil {
		return storeErr("record event", ev.TestID, err)
	}
	if test.Status != store.StatusRunning {
		return &InvalidStateError{TestID: ev.TestID, Op: "record events for", Status: test.Status}
	}
	if test.Variant(ev.VariantID) == nil {
		return &NotFoundError{Kind: "variant", ID: ev.VariantID, TestID: ev.TestID}
	}

	d := store.Delta{Revenue: ev.Revenue}
	if ev.Impression {
		d.Impressions = 1
	}
	if ev.Conversion {
		d.Conversions = 1
	}

	vm := tl.variant(ev.VariantID)
	vm.Lock()
	// The store re-checks the status inside the same atomic write, so a
	// transition committed by another process is still honored.
	err = e.store.AtomicIncrement(ctx, ev.TestID, ev.VariantID, d)
	vm.Unlock()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotRunning):
		status := test.Status
		if current, lerr := e.store.Load(ctx, ev.TestID); lerr == nil {
			status = current.Status
		}
		return &InvalidStateError{TestID: ev.TestID, Op: "record events for", Status: status}
	case errors.Is(err, store.ErrNotFound):
		if _, lerr := e.store.Load(ctx, ev.TestID); errors.Is(lerr, store.ErrNotFound) {
			return &NotFoundError{Kind: "test", ID: ev.TestID}
		}
		return &NotFoundError{Kind: "variant", ID: ev.VariantID, TestID: ev.TestID}
	case errors.Is(err, store.ErrInvalidDelta):
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return &StorageError{Op: "record event", Err: err}
}

// maybeComplete completes the test when its verdict is significant and both
// compared variants have reached the minimum sample size. The event that
// triggered it has already been committed, so failures are only logged.
func (e *Engine) maybeComplete(ctx context.Context, testID string) {
	test, err := e.store.Load(ctx, testID)
	if err != nil || test.Status != store.StatusRunning {
		return
	}

	v := e.verdict(test)
	if !v.StatisticallySignificant || !v.SampleSizeReached {
		return
	}

	_, _, err = e.CompleteTest(ctx, testID)
	switch {
	case err == nil:
		e.logger.Info("test auto-completed",
			zap.String("test_id", testID),
			zap.Stringp("winner", v.WinningVariantID),
			zap.Float64("p_value", v.PValue))
	case IsInvalidState(err):
		// Completed or paused concurrently.
	default:
		e.logger.Warn("auto-complete failed", zap.String("test_id", testID), zap.Error(err))
	}
}
