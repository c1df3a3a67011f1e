package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	abg/test/<id>                test definition and status (counters zeroed)
//	abg/ctr/<id>/<variant id>    counters for one variant
//	abg/verdict/<id>             verdict frozen at completion
//
// Counters live under their own keys so increments on different variants
// never conflict with each other, while every increment reads the test key
// and therefore conflicts with a concurrent status change.
const (
	badgerTestPrefix    = "abg/test/"
	badgerCounterPrefix = "abg/ctr/"
	badgerVerdictPrefix = "abg/verdict/"
)

// maxConflictRetries bounds the optimistic transaction retry loop.
const maxConflictRetries = 64

type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

type BadgerStore struct {
	db *badger.DB
}

type counters struct {
	Impressions int64   `json:"impressions"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt+1 >= maxConflictRetries {
			return fmt.Errorf("gave up after %d conflicting transactions: %w", maxConflictRetries, err)
		}
	}
}

func (s *BadgerStore) Load(ctx context.Context, id string) (*ABTest, error) {
	var test *ABTest
	err := s.db.View(func(txn *badger.Txn) error {
		t, err := readTest(txn, id)
		if err != nil {
			return err
		}
		if err := readCounters(txn, t); err != nil {
			return err
		}
		test = t
		return nil
	})
	if err != nil {
		return nil, wrapBadger("failed to get test", err)
	}
	return test, nil
}

func (s *BadgerStore) Save(ctx context.Context, test *ABTest) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		doc := test.Clone()
		for i := range doc.Variants {
			doc.Variants[i].Impressions = 0
			doc.Variants[i].Conversions = 0
			doc.Variants[i].Revenue = 0
		}
		if err := writeJSON(txn, testKey(test.ID), doc); err != nil {
			return err
		}

		// Remove counters of variants that were dropped from the definition
		wanted := make(map[string]bool, len(test.Variants))
		for _, v := range test.Variants {
			wanted[string(counterKey(test.ID, v.ID))] = true
		}
		var stale [][]byte
		prefix := []byte(badgerCounterPrefix + test.ID + "/")
		it := txn.NewIterator(keyOnlyIterator(prefix))
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if !wanted[string(k)] {
				stale = append(stale, k)
			}
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		for _, v := range test.Variants {
			key := counterKey(test.ID, v.ID)
			_, err := txn.Get(key)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			c := counters{Impressions: v.Impressions, Conversions: v.Conversions, Revenue: v.Revenue}
			if err := writeJSON(txn, key, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save test: %w", err)
	}
	return nil
}

func (s *BadgerStore) AtomicIncrement(ctx context.Context, testID, variantID string, d Delta) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		t, err := readTest(txn, testID)
		if err != nil {
			return err
		}
		if t.Status != StatusRunning {
			return ErrNotRunning
		}

		key := counterKey(testID, variantID)
		var c counters
		if err := readJSON(txn, key, &c); err != nil {
			return err
		}
		if c.Conversions+d.Conversions > c.Impressions+d.Impressions {
			return ErrInvalidDelta
		}
		c.Impressions += d.Impressions
		c.Conversions += d.Conversions
		c.Revenue += d.Revenue
		return writeJSON(txn, key, c)
	})
	return wrapBadger("failed to increment counters", err)
}

func (s *BadgerStore) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		t, err := readTest(txn, id)
		if err != nil {
			return err
		}
		if t.Status != from {
			return ErrStatusConflict
		}
		applyTransition(t, to, at)
		return writeJSON(txn, testKey(id), t)
	})
	return wrapBadger("failed to update test status", err)
}

func (s *BadgerStore) List(ctx context.Context) ([]*ABTest, error) {
	var tests []*ABTest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerTestPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var t ABTest
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return fmt.Errorf("failed to decode test: %w", err)
			}
			if err := readCounters(txn, &t); err != nil {
				return err
			}
			tests = append(tests, &t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	sortNewestFirst(tests)
	return tests, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(testKey(id)); err != nil {
			return err
		}

		keys := [][]byte{testKey(id), []byte(badgerVerdictPrefix + id)}
		it := txn.NewIterator(keyOnlyIterator([]byte(badgerCounterPrefix + id + "/")))
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBadger("failed to delete test", err)
}

func (s *BadgerStore) SaveVerdict(ctx context.Context, v *Verdict) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return writeJSON(txn, []byte(badgerVerdictPrefix+v.TestID), v)
	})
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

func (s *BadgerStore) LoadVerdict(ctx context.Context, testID string) (*Verdict, error) {
	var v Verdict
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, []byte(badgerVerdictPrefix+testID), &v)
	})
	if err != nil {
		return nil, wrapBadger("failed to get verdict", err)
	}
	return &v, nil
}

func testKey(id string) []byte {
	return []byte(badgerTestPrefix + id)
}

func counterKey(testID, variantID string) []byte {
	return []byte(badgerCounterPrefix + testID + "/" + variantID)
}

func keyOnlyIterator(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func readTest(txn *badger.Txn, id string) (*ABTest, error) {
	var t ABTest
	if err := readJSON(txn, testKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func readCounters(txn *badger.Txn, t *ABTest) error {
	for i := range t.Variants {
		var c counters
		err := readJSON(txn, counterKey(t.ID, t.Variants[i].ID), &c)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		t.Variants[i].Impressions = c.Impressions
		t.Variants[i].Conversions = c.Conversions
		t.Variants[i].Revenue = c.Revenue
	}
	return nil
}

func readJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func writeJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// wrapBadger keeps the package sentinels unwrapped so callers can match them.
func wrapBadger(msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrStatusConflict), errors.Is(err, ErrInvalidDelta):
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

var _ Store = (*BadgerStore)(nil)
