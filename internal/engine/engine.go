package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/store"
)

// Config holds the defaults applied to new tests and the engine's policies.
type Config struct {
	DefaultConfidenceLevel   float64
	DefaultMinimumSampleSize int64
	// AutoComplete completes a running test as soon as a recorded event
	// leaves it significant with the minimum sample size reached.
	AutoComplete bool
}

func DefaultConfig() Config {
	return Config{
		DefaultConfidenceLevel:   0.95,
		DefaultMinimumSampleSize: 1000,
		AutoComplete:             true,
	}
}

// Engine owns test lifecycles and is safe for concurrent use.
type Engine struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
	locks  *lockTable

	now   func() time.Time
	newID func() string
}

// New creates an engine over s. A nil logger discards logs.
func New(s store.Store, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if !(cfg.DefaultConfidenceLevel > 0 && cfg.DefaultConfidenceLevel < 1) {
		cfg.DefaultConfidenceLevel = def.DefaultConfidenceLevel
	}
	if cfg.DefaultMinimumSampleSize <= 0 {
		cfg.DefaultMinimumSampleSize = def.DefaultMinimumSampleSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:  s,
		cfg:    cfg,
		logger: logger,
		locks:  newLockTable(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// CreateTest validates spec and stores a new draft test.
func (e *Engine) CreateTest(ctx context.Context, spec TestSpec) (*store.ABTest, error) {
	spec.Variants = append([]VariantSpec(nil), spec.Variants...)
	spec.normalize()

	if problems := specProblems(&spec); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	now := e.now()
	test := &store.ABTest{
		ID:                e.newID(),
		Name:              spec.Name,
		Hypothesis:        spec.Hypothesis,
		SuccessMetric:     spec.SuccessMetric,
		ConfidenceLevel:   spec.ConfidenceLevel,
		MinimumSampleSize: spec.MinimumSampleSize,
		Status:            store.StatusDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
		Variants:          make([]store.TestVariant, len(spec.Variants)),
	}
	if test.ConfidenceLevel == 0 {
		test.ConfidenceLevel = e.cfg.DefaultConfidenceLevel
	}
	if test.MinimumSampleSize == 0 {
		test.MinimumSampleSize = e.cfg.DefaultMinimumSampleSize
	}
	for i, vs := range spec.Variants {
		test.Variants[i] = store.TestVariant{
			ID:                e.newID(),
			Name:              vs.Name,
			IsControl:         vs.IsControl,
			TrafficAllocation: vs.TrafficAllocation,
		}
	}

	if err := e.store.Save(ctx, test); err != nil {
		return nil, &StorageError{Op: "create test", Err: err}
	}

	e.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.String("name", test.Name),
		zap.Int("variants", len(test.Variants)))

	return test.Clone(), nil
}

// StartTest moves a draft test to running after re-validating its definition.
func (e *Engine) StartTest(ctx context.Context, id string) (*store.ABTest, error) {
	return e.transition(ctx, "start", id, store.StatusRunning, store.StatusDraft)
}

func (e *Engine) PauseTest(ctx context.Context, id string) (*store.ABTest, error) {
	return e.transition(ctx, "pause", id, store.StatusPaused, store.StatusRunning)
}

func (e *Engine) ResumeTest(ctx context.Context, id string) (*store.ABTest, error) {
	return e.transition(ctx, "resume", id, store.StatusRunning, store.StatusPaused)
}

// CancelTest ends a test without a verdict. Counters freeze as they are.
func (e *Engine) CancelTest(ctx context.Context, id string) (*store.ABTest, error) {
	return e.transition(ctx, "cancel", id, store.StatusCancelled,
		store.StatusDraft, store.StatusRunning, store.StatusPaused)
}

func (e *Engine) transition(ctx context.Context, op, id string, to store.Status, from ...store.Status) (*store.ABTest, error) {
	tl := e.locks.acquire(id)
	defer e.locks.release(id)
	tl.state.Lock()
	defer tl.state.Unlock()

	test, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if !statusIn(test.Status, from) {
		return nil, &InvalidStateError{TestID: id, Op: op, Status: test.Status}
	}

	if test.Status == store.StatusDraft && to == store.StatusRunning {
		if problems := definitionProblems(test); len(problems) > 0 {
			return nil, &ValidationError{Problems: problems}
		}
	}

	if err := e.commitTransition(ctx, op, test, to); err != nil {
		return nil, err
	}

	updated, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	return updated, nil
}

// commitTransition must run with the test's state lock held exclusively.
func (e *Engine) commitTransition(ctx context.Context, op string, test *store.ABTest, to store.Status) error {
	err := e.store.TransitionStatus(ctx, test.ID, test.Status, to, e.now())
	if errors.Is(err, store.ErrStatusConflict) {
		// Changed behind our back, most likely by another process sharing
		// the database. Report what it is now.
		status := test.Status
		if current, lerr := e.store.Load(ctx, test.ID); lerr == nil {
			status = current.Status
		}
		return &InvalidStateError{TestID: test.ID, Op: op, Status: status}
	}
	if err != nil {
		return storeErr(op, test.ID, err)
	}

	transitions.WithLabelValues(string(to)).Inc()
	e.logger.Info("test status changed",
		zap.String("test_id", test.ID),
		zap.String("from", string(test.Status)),
		zap.String("to", string(to)))
	return nil
}

// SetTrafficAllocation changes one variant's share of traffic. Only drafts can
// be edited; the sum over all variants is checked again by StartTest.
func (e *Engine) SetTrafficAllocation(ctx context.Context, testID, variantID string, allocation float64) (*store.ABTest, error) {
	if !validAllocation(allocation) {
		return nil, &ValidationError{Problems: []string{
			fmt.Sprintf("traffic_allocation must be in (0, 1], got %g", allocation),
		}}
	}

	tl := e.locks.acquire(testID)
	defer e.locks.release(testID)
	tl.state.Lock()
	defer tl.state.Unlock()

	test, err := e.store.Load(ctx, testID)
	if err != nil {
		return nil, storeErr("set allocation", testID, err)
	}
	if test.Status != store.StatusDraft {
		return nil, &InvalidStateError{TestID: testID, Op: "set allocation of", Status: test.Status}
	}
	v := test.Variant(variantID)
	if v == nil {
		return nil, &NotFoundError{Kind: "variant", ID: variantID, TestID: testID}
	}

	v.TrafficAllocation = allocation
	test.UpdatedAt = e.now()
	if err := e.store.Save(ctx, test); err != nil {
		return nil, &StorageError{Op: "set allocation", Err: err}
	}
	return test, nil
}

func (e *Engine) GetTest(ctx context.Context, id string) (*store.ABTest, error) {
	test, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, storeErr("get test", id, err)
	}
	return test, nil
}

// ListTests returns every test, newest first.
func (e *Engine) ListTests(ctx context.Context) ([]*store.ABTest, error) {
	tests, err := e.store.List(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list tests", Err: err}
	}
	return tests, nil
}

// DeleteTest removes a test that isn't collecting data.
func (e *Engine) DeleteTest(ctx context.Context, id string) error {
	tl := e.locks.acquire(id)
	defer e.locks.release(id)
	tl.state.Lock()
	defer tl.state.Unlock()

	test, err := e.store.Load(ctx, id)
	if err != nil {
		return storeErr("delete test", id, err)
	}
	if test.Status == store.StatusRunning || test.Status == store.StatusPaused {
		return &InvalidStateError{TestID: id, Op: "delete", Status: test.Status}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return storeErr("delete test", id, err)
	}

	e.logger.Info("test deleted", zap.String("test_id", id))
	return nil
}

func statusIn(s store.Status, set []store.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
