package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    hypothesis TEXT NOT NULL,
    success_metric TEXT NOT NULL,
    confidence_level REAL NOT NULL,
    minimum_sample_size INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    start_date INTEGER,
    end_date INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);

CREATE TABLE IF NOT EXISTS variants (
    test_id TEXT NOT NULL,
    id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    traffic_allocation REAL NOT NULL,
    impressions INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    revenue REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, id),
    FOREIGN KEY (test_id) REFERENCES tests(id),
    CHECK (conversions <= impressions)
);

CREATE TABLE IF NOT EXISTS verdicts (
    test_id TEXT PRIMARY KEY,
    body TEXT NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id)
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers are serialised through a single connection; SQLite allows
	// one writer at a time anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, test *ABTest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (id, name, hypothesis, success_metric, confidence_level, minimum_sample_size,
		                    status, start_date, end_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    name = excluded.name,
		    hypothesis = excluded.hypothesis,
		    success_metric = excluded.success_metric,
		    confidence_level = excluded.confidence_level,
		    minimum_sample_size = excluded.minimum_sample_size,
		    status = excluded.status,
		    start_date = excluded.start_date,
		    end_date = excluded.end_date,
		    updated_at = excluded.updated_at`,
		test.ID, test.Name, test.Hypothesis, test.SuccessMetric, test.ConfidenceLevel, test.MinimumSampleSize,
		string(test.Status), nullableTime(test.StartDate), nullableTime(test.EndDate),
		test.CreatedAt.UnixNano(), test.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert test: %w", err)
	}

	// Drop variants that are no longer part of the definition
	keep := make([]string, 0, len(test.Variants))
	args := []interface{}{test.ID}
	for _, v := range test.Variants {
		keep = append(keep, "?")
		args = append(args, v.ID)
	}
	query := `DELETE FROM variants WHERE test_id = ?`
	if len(keep) > 0 {
		query += ` AND id NOT IN (` + strings.Join(keep, ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune variants: %w", err)
	}

	for i, v := range test.Variants {
		// Existing rows only get their definition updated. Binding the
		// caller's counters there would let a stale copy trip the
		// conversions <= impressions check before the upsert resolves.
		res, err := tx.ExecContext(ctx,
			`UPDATE variants SET position = ?, name = ?, is_control = ?, traffic_allocation = ?
			 WHERE test_id = ? AND id = ?`,
			i, v.Name, v.IsControl, v.TrafficAllocation, test.ID, v.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update variant %s: %w", v.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update variant %s: %w", v.ID, err)
		} else if n > 0 {
			continue
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO variants (test_id, id, position, name, is_control, traffic_allocation,
			                       impressions, conversions, revenue)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			test.ID, v.ID, i, v.Name, v.IsControl, v.TrafficAllocation,
			v.Impressions, v.Conversions, v.Revenue,
		)
		if err != nil {
			return fmt.Errorf("failed to insert variant %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit test: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*ABTest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	test, err := scanTest(tx.QueryRowContext(ctx,
		`SELECT id, name, hypothesis, success_metric, confidence_level, minimum_sample_size,
		        status, start_date, end_date, created_at, updated_at
		 FROM tests WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	variants, err := loadVariants(ctx, tx, `WHERE test_id = ?`, id)
	if err != nil {
		return nil, err
	}
	test.Variants = variants[id]

	return test, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ABTest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, hypothesis, success_metric, confidence_level, minimum_sample_size,
		        status, start_date, end_date, created_at, updated_at
		 FROM tests ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}

	var tests []*ABTest
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	rows.Close()

	variants, err := loadVariants(ctx, tx, "")
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		t.Variants = variants[t.ID]
	}

	return tests, nil
}

func (s *SQLiteStore) AtomicIncrement(ctx context.Context, testID, variantID string, d Delta) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET
		    impressions = impressions + ?,
		    conversions = conversions + ?,
		    revenue = revenue + ?
		 WHERE test_id = ? AND id = ?
		   AND conversions + ? <= impressions + ?
		   AND EXISTS (SELECT 1 FROM tests WHERE id = ? AND status = 'running')`,
		d.Impressions, d.Conversions, d.Revenue,
		testID, variantID,
		d.Conversions, d.Impressions,
		testID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment counters: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	return s.diagnoseIncrement(ctx, testID, variantID)
}

// diagnoseIncrement works out why a guarded increment touched no rows.
func (s *SQLiteStore) diagnoseIncrement(ctx context.Context, testID, variantID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tests WHERE id = ?`, testID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get test status: %w", err)
	}
	if Status(status) != StatusRunning {
		return ErrNotRunning
	}

	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM variants WHERE test_id = ? AND id = ?`, testID, variantID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to get variant: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrInvalidDelta
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	ts := at.UnixNano()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET
		    status = ?,
		    updated_at = ?,
		    start_date = CASE WHEN ? = 'running' AND start_date IS NULL THEN ? ELSE start_date END,
		    end_date = CASE WHEN ? IN ('completed', 'cancelled') THEN ? ELSE end_date END
		 WHERE id = ? AND status = ?`,
		string(to), ts,
		string(to), ts,
		string(to), ts,
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tests WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to get test: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// First delete dependent rows
	if _, err := tx.ExecContext(ctx, `DELETE FROM verdicts WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete verdict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE test_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteStore) SaveVerdict(ctx context.Context, v *Verdict) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verdicts (test_id, body) VALUES (?, ?)
		 ON CONFLICT(test_id) DO UPDATE SET body = excluded.body`,
		v.TestID, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadVerdict(ctx context.Context, testID string) (*Verdict, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM verdicts WHERE test_id = ?`, testID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return &v, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTest(row rowScanner) (*ABTest, error) {
	var test ABTest
	var status string
	var startDate, endDate sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&test.ID, &test.Name, &test.Hypothesis, &test.SuccessMetric,
		&test.ConfidenceLevel, &test.MinimumSampleSize, &status,
		&startDate, &endDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	test.Status = Status(status)
	test.StartDate = timeFromNull(startDate)
	test.EndDate = timeFromNull(endDate)
	test.CreatedAt = time.Unix(0, createdAt).UTC()
	test.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &test, nil
}

// loadVariants reads variants grouped by test id, in definition order.
func loadVariants(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (map[string][]TestVariant, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT test_id, id, name, is_control, traffic_allocation, impressions, conversions, revenue
		 FROM variants `+where+` ORDER BY test_id, position`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]TestVariant)
	for rows.Next() {
		var testID string
		var v TestVariant
		if err := rows.Scan(&testID, &v.ID, &v.Name, &v.IsControl, &v.TrafficAllocation,
			&v.Impressions, &v.Conversions, &v.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		out[testID] = append(out[testID], v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

var _ Store = (*SQLiteStore)(nil)
