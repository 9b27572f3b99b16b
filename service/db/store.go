package db

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the audit table. Each row is the terminal outcome of one
// operation; position preserves the operation's index in its batch.
const schema = `
CREATE TABLE IF NOT EXISTS batch_results (
    batch_id       TEXT        NOT NULL,
    operation_id   TEXT        NOT NULL,
    position       INTEGER     NOT NULL,
    operation_type TEXT        NOT NULL,
    success        BOOLEAN     NOT NULL,
    signature      TEXT,
    error          TEXT,
    error_code     TEXT,
    attempts       INTEGER     NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (batch_id, operation_id)
);
CREATE INDEX IF NOT EXISTS batch_results_created_at_idx ON batch_results (created_at DESC);
`

const insertResult = `
INSERT INTO batch_results (batch_id, operation_id, position, operation_type, success, signature, error, error_code, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (batch_id, operation_id) DO UPDATE SET
    position = EXCLUDED.position,
    operation_type = EXCLUDED.operation_type,
    success = EXCLUDED.success,
    signature = EXCLUDED.signature,
    error = EXCLUDED.error,
    error_code = EXCLUDED.error_code,
    attempts = EXCLUDED.attempts`

const selectResults = `
SELECT batch_id, operation_id, position, operation_type, success, signature, error, error_code, attempts, created_at
FROM batch_results
WHERE batch_id = $1
ORDER BY position`

const selectBatches = `
SELECT batch_id,
       COUNT(*) AS operations,
       COUNT(*) FILTER (WHERE success) AS succeeded,
       MIN(created_at) AS created_at
FROM batch_results
GROUP BY batch_id
ORDER BY MIN(created_at) DESC
LIMIT $1`

// Store persists batch outcomes for auditing.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// BatchResult is one stored operation outcome.
type BatchResult struct {
	BatchID       string
	OperationID   string
	Position      int
	OperationType string
	Success       bool
	Signature     *string
	Error         *string
	ErrorCode     *string
	Attempts      int
	CreatedAt     time.Time
}

// BatchSummary aggregates the stored results of one batch.
type BatchSummary struct {
	BatchID    string
	Operations int
	Succeeded  int
	CreatedAt  time.Time
}

// EnsureSchema creates the audit table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, schema)
	s.record("ensure_schema", start, err)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecordResults stores the results of one batch in a single transaction.
// Recording the same batch again overwrites earlier rows.
func (s *Store) RecordResults(ctx context.Context, batchID string, results []batch.SubmissionResult) (err error) {
	if len(results) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.record("record_results", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b := &pgx.Batch{}
	for i, r := range results {
		b.Queue(insertResult,
			batchID,
			r.OperationID,
			i,
			string(r.Type),
			r.Success,
			pgtextFromString(r.Signature),
			pgtextFromString(r.Error),
			pgtextFromString(string(r.Code)),
			r.Attempts,
		)
	}
	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert results for batch %s: %w", batchID, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListResults returns the stored results of a batch in operation order.
// An unknown batch yields an empty slice.
func (s *Store) ListResults(ctx context.Context, batchID string) ([]*BatchResult, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, selectResults, batchID)
	if err != nil {
		s.record("list_results", start, err)
		return nil, err
	}
	defer rows.Close()

	var out []*BatchResult
	for rows.Next() {
		var (
			r                    BatchResult
			position, attempts   int32
			signature, msg, code pgtype.Text
			createdAt            pgtype.Timestamptz
		)
		if err := rows.Scan(&r.BatchID, &r.OperationID, &position, &r.OperationType, &r.Success,
			&signature, &msg, &code, &attempts, &createdAt); err != nil {
			s.record("list_results", start, err)
			return nil, err
		}
		r.Position = int(position)
		r.Attempts = int(attempts)
		r.Signature = stringPtrFromPgtext(signature)
		r.Error = stringPtrFromPgtext(msg)
		r.ErrorCode = stringPtrFromPgtext(code)
		r.CreatedAt = createdAt.Time
		out = append(out, &r)
	}
	err = rows.Err()
	s.record("list_results", start, err)
	return out, err
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*BatchSummary, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, selectBatches, limit)
	if err != nil {
		s.record("list_batches", start, err)
		return nil, err
	}
	defer rows.Close()

	var out []*BatchSummary
	for rows.Next() {
		var (
			sum                   BatchSummary
			operations, succeeded int64
			createdAt             pgtype.Timestamptz
		)
		if err := rows.Scan(&sum.BatchID, &operations, &succeeded, &createdAt); err != nil {
			s.record("list_batches", start, err)
			return nil, err
		}
		sum.Operations = int(operations)
		sum.Succeeded = int(succeeded)
		sum.CreatedAt = createdAt.Time
		out = append(out, &sum)
	}
	err = rows.Err()
	s.record("list_batches", start, err)
	return out, err
}

// ToSubmissionResult converts a stored row back to the engine's result type.
func (r *BatchResult) ToSubmissionResult() batch.SubmissionResult {
	out := batch.SubmissionResult{
		OperationID: r.OperationID,
		Type:        instructions.OperationType(r.OperationType),
		Success:     r.Success,
		Attempts:    r.Attempts,
	}
	if r.Signature != nil {
		out.Signature = *r.Signature
	}
	if r.Error != nil {
		out.Error = *r.Error
	}
	if r.ErrorCode != nil {
		out.Code = batch.Code(*r.ErrorCode)
	}
	return out
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, "batch_results", time.Since(start).Seconds(), err)
	}
}

// pgtextFromString maps the empty string to NULL.
func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
