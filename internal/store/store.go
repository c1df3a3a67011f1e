package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned by TransitionStatus when the stored status
	// no longer matches the expected one.
	ErrStatusConflict = errors.New("status conflict")
	// ErrNotRunning is returned by AtomicIncrement when the test is not running.
	ErrNotRunning = errors.New("test not running")
	// ErrInvalidDelta is returned when an increment would leave a variant
	// with more conversions than impressions.
	ErrInvalidDelta = errors.New("conversions would exceed impressions")
)

// Store defines the persistence operations the engine needs.
type Store interface {
	// Load returns a snapshot of the test. Each variant's counters are read
	// together, never from two different points in time.
	Load(ctx context.Context, id string) (*ABTest, error)
	// Save upserts a test definition. Counters are written when a variant is
	// first inserted and otherwise left to AtomicIncrement.
	Save(ctx context.Context, test *ABTest) error
	// AtomicIncrement applies d to one variant only if the test is running.
	AtomicIncrement(ctx context.Context, testID, variantID string, d Delta) error
	// TransitionStatus moves a test from one status to another only if it is
	// still in from. StartDate is set on the first move into running, EndDate
	// on moves into a terminal status.
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	List(ctx context.Context) ([]*ABTest, error)
	Delete(ctx context.Context, id string) error

	SaveVerdict(ctx context.Context, v *Verdict) error
	LoadVerdict(ctx context.Context, testID string) (*Verdict, error)

	Close() error
}

// applyTransition updates the in-memory fields TransitionStatus touches.
// Shared by the document stores.
func applyTransition(t *ABTest, to Status, at time.Time) {
	t.Status = to
	t.UpdatedAt = at
	if to == StatusRunning && t.StartDate == nil {
		sd := at
		t.StartDate = &sd
	}
	if to.Terminal() {
		ed := at
		t.EndDate = &ed
	}
}

// mergeCounters copies counters from prev into next for variants present in
// both, so a definition save never overwrites accumulated counts.
func mergeCounters(next, prev *ABTest) {
	for i := range next.Variants {
		if pv := prev.Variant(next.Variants[i].ID); pv != nil {
			next.Variants[i].Impressions = pv.Impressions
			next.Variants[i].Conversions = pv.Conversions
			next.Variants[i].Revenue = pv.Revenue
		}
	}
}

func applyDelta(v *TestVariant, d Delta) {
	v.Impressions += d.Impressions
	v.Conversions += d.Conversions
	v.Revenue += d.Revenue
}
