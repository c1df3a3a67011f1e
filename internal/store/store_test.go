package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gkobilansky/abgoat/internal/store"
)

type opener func(t *testing.T) store.Store

func openers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(t *testing.T) store.Store {
			s, err := store.OpenBadger(store.BadgerConfig{InMemory: true, Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTest(id string, created time.Time) *store.ABTest {
	return &store.ABTest{
		ID:                id,
		Name:              "pricing page",
		Hypothesis:        "annual first sells more",
		SuccessMetric:     "checkout",
		ConfidenceLevel:   0.95,
		MinimumSampleSize: 500,
		Status:            store.StatusDraft,
		CreatedAt:         created,
		UpdatedAt:         created,
		Variants: []store.TestVariant{
			{ID: id + "-a", Name: "Monthly", IsControl: true, TrafficAllocation: 0.5},
			{ID: id + "-b", Name: "Annual", TrafficAllocation: 0.5},
		},
	}
}

func saveRunning(t *testing.T, s store.Store, id string) *store.ABTest {
	t.Helper()
	ctx := context.Background()
	test := newTest(id, epoch)
	require.NoError(t, s.Save(ctx, test))
	require.NoError(t, s.TransitionStatus(ctx, id, store.StatusDraft, store.StatusRunning, epoch.Add(time.Minute)))
	return test
}

func TestSaveAndLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		want := newTest("t1", epoch)
		require.NoError(t, s.Save(ctx, want))

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)

		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Hypothesis, got.Hypothesis)
		assert.Equal(t, want.SuccessMetric, got.SuccessMetric)
		assert.Equal(t, want.ConfidenceLevel, got.ConfidenceLevel)
		assert.Equal(t, want.MinimumSampleSize, got.MinimumSampleSize)
		assert.Equal(t, store.StatusDraft, got.Status)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.StartDate)
		assert.Equal(t, want.Variants, got.Variants, "variants keep their order")
	})
}

func TestLoad_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.Load(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestLoad_ReturnsCopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		got.Variants[0].Impressions = 99
		got.Status = store.StatusCancelled

		again, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, again.Variants[0].Impressions)
		assert.Equal(t, store.StatusRunning, again.Status)
	})
}

func TestSave_KeepsCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := saveRunning(t, s, "t1")
		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 10, Conversions: 2, Revenue: 40}))

		loaded, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		loaded.Name = "renamed"
		loaded.Variants[0].Impressions = 0
		loaded.Variants = append(loaded.Variants, store.TestVariant{ID: "t1-c", Name: "Lifetime", TrafficAllocation: 0.1})
		require.NoError(t, s.Save(ctx, loaded))

		got, err := s.Load(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		require.Len(t, got.Variants, 3)
		assert.Equal(t, int64(10), got.Variants[0].Impressions)
		assert.Equal(t, int64(2), got.Variants[0].Conversions)
		assert.Equal(t, 40.0, got.Variants[0].Revenue)
		assert.Equal(t, "Lifetime", got.Variants[2].Name)
	})
}

func TestSave_IgnoresStaleCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")

		stale, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 3, Conversions: 1}))

		// Counters a caller must never be able to write back.
		stale.Variants[0].Impressions = 1
		stale.Variants[0].Conversions = 5
		stale.Hypothesis = "updated"
		require.NoError(t, s.Save(ctx, stale))

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Hypothesis)
		assert.Equal(t, int64(3), got.Variants[0].Impressions)
		assert.Equal(t, int64(1), got.Variants[0].Conversions)
	})
}

func TestSave_RemovesDroppedVariants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest("t1", epoch)
		test.Variants = append(test.Variants, store.TestVariant{ID: "t1-c", Name: "Weekly", TrafficAllocation: 0.2})
		require.NoError(t, s.Save(ctx, test))

		test.Variants = test.Variants[:2]
		require.NoError(t, s.Save(ctx, test))

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, got.Variants, 2)
		assert.Nil(t, got.Variant("t1-c"))
	})
}

func TestAtomicIncrement(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")

		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-b", store.Delta{Impressions: 1}))
		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-b", store.Delta{Impressions: 1, Conversions: 1, Revenue: 9.5}))

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		b := got.Variant("t1-b")
		assert.Equal(t, int64(2), b.Impressions)
		assert.Equal(t, int64(1), b.Conversions)
		assert.Equal(t, 9.5, b.Revenue)
		assert.Zero(t, got.Variant("t1-a").Impressions)
	})
}

func TestAtomicIncrement_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, newTest("draft", epoch)))
		saveRunning(t, s, "t1")

		err := s.AtomicIncrement(ctx, "draft", "draft-a", store.Delta{Impressions: 1})
		assert.ErrorIs(t, err, store.ErrNotRunning)

		err = s.AtomicIncrement(ctx, "missing", "x", store.Delta{Impressions: 1})
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.AtomicIncrement(ctx, "t1", "nope", store.Delta{Impressions: 1})
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Conversions: 1})
		assert.ErrorIs(t, err, store.ErrInvalidDelta)

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, got.Variant("t1-a").Conversions, "rejected increments change nothing")
	})
}

func TestAtomicIncrement_Concurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")

		const workers, perWorker = 8, 50
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				vid := "t1-a"
				if w%2 == 1 {
					vid = "t1-b"
				}
				for i := 0; i < perWorker; i++ {
					assert.NoError(t, s.AtomicIncrement(ctx, "t1", vid, store.Delta{Impressions: 1, Conversions: 1}))
				}
			}(w)
		}
		wg.Wait()

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		for _, v := range got.Variants {
			assert.Equal(t, int64(workers/2*perWorker), v.Impressions)
			assert.Equal(t, int64(workers/2*perWorker), v.Conversions)
		}
	})
}

func TestTransitionStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, newTest("t1", epoch)))

		start := epoch.Add(time.Hour)
		require.NoError(t, s.TransitionStatus(ctx, "t1", store.StatusDraft, store.StatusRunning, start))

		err := s.TransitionStatus(ctx, "t1", store.StatusDraft, store.StatusRunning, start)
		assert.ErrorIs(t, err, store.ErrStatusConflict)

		require.NoError(t, s.TransitionStatus(ctx, "t1", store.StatusRunning, store.StatusPaused, start.Add(time.Hour)))
		require.NoError(t, s.TransitionStatus(ctx, "t1", store.StatusPaused, store.StatusRunning, start.Add(2*time.Hour)))

		end := start.Add(3 * time.Hour)
		require.NoError(t, s.TransitionStatus(ctx, "t1", store.StatusRunning, store.StatusCompleted, end))

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, got.Status)
		require.NotNil(t, got.StartDate)
		require.NotNil(t, got.EndDate)
		assert.True(t, start.Equal(*got.StartDate), "resume keeps the first start date")
		assert.True(t, end.Equal(*got.EndDate))
		assert.True(t, end.Equal(got.UpdatedAt))

		err = s.TransitionStatus(ctx, "missing", store.StatusDraft, store.StatusRunning, end)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTransitionStatus_FreezesCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")
		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 3}))
		require.NoError(t, s.TransitionStatus(ctx, "t1", store.StatusRunning, store.StatusCompleted, epoch.Add(time.Hour)))

		err := s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 1})
		assert.ErrorIs(t, err, store.ErrNotRunning)

		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Variant("t1-a").Impressions)
	})
}

func TestList_NewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, newTest("old", epoch)))
		require.NoError(t, s.Save(ctx, newTest("new", epoch.Add(time.Hour))))
		require.NoError(t, s.Save(ctx, newTest("mid", epoch.Add(time.Minute))))

		tests, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, tests, 3)
		assert.Equal(t, "new", tests[0].ID)
		assert.Equal(t, "mid", tests[1].ID)
		assert.Equal(t, "old", tests[2].ID)
		assert.Len(t, tests[0].Variants, 2)
	})
}

func TestVerdicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")

		_, err := s.LoadVerdict(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		winner := "t1-b"
		want := &store.Verdict{
			TestID:                   "t1",
			StatisticallySignificant: true,
			WinningVariantID:         &winner,
			ControlVariantID:         "t1-a",
			ChallengerVariantID:      "t1-b",
			PValue:                   0.035488,
			ZScore:                   2.10274,
			LiftPercent:              30,
			ConfidenceLevel:          0.95,
			SampleSizeReached:        true,
			Recommendation:           "ship it",
			VariantSummaries: []store.VariantSummary{
				{VariantID: "t1-a", Name: "Monthly", IsControl: true, Impressions: 1000, Conversions: 100, ConversionRate: 0.1},
				{VariantID: "t1-b", Name: "Annual", Impressions: 1000, Conversions: 130, ConversionRate: 0.13},
			},
		}
		require.NoError(t, s.SaveVerdict(ctx, want))

		got, err := s.LoadVerdict(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		saveRunning(t, s, "t1")
		require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 5}))
		require.NoError(t, s.SaveVerdict(ctx, &store.Verdict{TestID: "t1"}))

		require.NoError(t, s.Delete(ctx, "t1"))

		_, err := s.Load(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.LoadVerdict(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "t1"), store.ErrNotFound)

		// A test saved again under the same id starts from zero.
		saveRunning(t, s, "t1")
		got, err := s.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Zero(t, got.Variant("t1-a").Impressions)
	})
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abgoat.db")
	ctx := context.Background()

	s, err := store.Open(path)
	require.NoError(t, err)
	saveRunning(t, s, "t1")
	require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-b", store.Delta{Impressions: 7, Conversions: 3}))
	require.NoError(t, s.Close())

	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, int64(7), got.Variant("t1-b").Impressions)
	assert.Equal(t, int64(3), got.Variant("t1-b").Conversions)
}

func TestBadgerReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := store.OpenBadger(store.BadgerConfig{Path: dir})
	require.NoError(t, err)
	saveRunning(t, s, "t1")
	require.NoError(t, s.AtomicIncrement(ctx, "t1", "t1-a", store.Delta{Impressions: 4, Revenue: 12}))
	require.NoError(t, s.Close())

	s, err = store.OpenBadger(store.BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Variant("t1-a").Impressions)
	assert.Equal(t, 12.0, got.Variant("t1-a").Revenue)
}
