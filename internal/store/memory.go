package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tests in process. It is used for tests and for
// embedding the engine without a database.
type MemoryStore struct {
	mu       sync.Mutex
	tests    map[string]*ABTest
	verdicts map[string]*Verdict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:    make(map[string]*ABTest),
		verdicts: make(map[string]*Verdict),
	}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, test *ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := test.Clone()
	if prev, ok := s.tests[test.ID]; ok {
		mergeCounters(next, prev)
	}
	s.tests[test.ID] = next
	return nil
}

func (s *MemoryStore) AtomicIncrement(ctx context.Context, testID, variantID string, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[testID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning {
		return ErrNotRunning
	}
	v := t.Variant(variantID)
	if v == nil {
		return ErrNotFound
	}
	if v.Conversions+d.Conversions > v.Impressions+d.Impressions {
		return ErrInvalidDelta
	}
	applyDelta(v, d)
	return nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return ErrStatusConflict
	}
	applyTransition(t, to, at)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tests := make([]*ABTest, 0, len(s.tests))
	for _, t := range s.tests {
		tests = append(tests, t.Clone())
	}
	sortNewestFirst(tests)
	return tests, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[id]; !ok {
		return ErrNotFound
	}
	delete(s.tests, id)
	delete(s.verdicts, id)
	return nil
}

func (s *MemoryStore) SaveVerdict(ctx context.Context, v *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *v
	c.VariantSummaries = append([]VariantSummary(nil), v.VariantSummaries...)
	s.verdicts[v.TestID] = &c
	return nil
}

func (s *MemoryStore) LoadVerdict(ctx context.Context, testID string) (*Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.verdicts[testID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	c.VariantSummaries = append([]VariantSummary(nil), v.VariantSummaries...)
	return &c, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(tests []*ABTest) {
	sort.Slice(tests, func(i, j int) bool {
		if !tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].CreatedAt.After(tests[j].CreatedAt)
		}
		return tests[i].ID < tests[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
