package db

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() []batch.SubmissionResult {
	return []batch.SubmissionResult{
		{OperationID: "pay-1", Type: instructions.TypeValueTransfer, Success: true, Signature: "sig-a", Attempts: 1},
		{OperationID: "tok-1", Type: instructions.TypeTokenTransfer, Success: false, Error: "custom program error: 0x1", Code: batch.CodeLedger, Attempts: 2},
		{OperationID: "pay-2", Type: instructions.TypeValueTransfer, Success: true, Signature: "sig-a", Attempts: 1},
	}
}

func TestRecordAndListResults(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	require.NoError(t, store.RecordResults(ctx, "batch-1", sampleResults()))

	rows, err := store.ListResults(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "pay-1", rows[0].OperationID)
	assert.Equal(t, "tok-1", rows[1].OperationID)
	assert.Equal(t, "pay-2", rows[2].OperationID)
	for i, r := range rows {
		assert.Equal(t, i, r.Position)
		assert.Equal(t, "batch-1", r.BatchID)
		assert.WithinDuration(t, time.Now(), r.CreatedAt, 5*time.Second)
	}

	require.NotNil(t, rows[0].Signature)
	assert.Equal(t, "sig-a", *rows[0].Signature)
	assert.Nil(t, rows[0].Error)
	assert.Nil(t, rows[0].ErrorCode)

	assert.False(t, rows[1].Success)
	assert.Nil(t, rows[1].Signature)
	require.NotNil(t, rows[1].ErrorCode)
	assert.Equal(t, "ledger", *rows[1].ErrorCode)
	assert.Equal(t, 2, rows[1].Attempts)

	assert.Equal(t, sampleResults()[1], rows[1].ToSubmissionResult())
}

func TestRecordResults_Overwrites(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	results := sampleResults()
	require.NoError(t, store.RecordResults(ctx, "batch-1", results))

	results[1].Success = true
	results[1].Signature = "sig-b"
	results[1].Error = ""
	results[1].Code = ""
	require.NoError(t, store.RecordResults(ctx, "batch-1", results))

	rows, err := store.ListResults(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[1].Success)
	assert.Nil(t, rows[1].ErrorCode)
}

func TestListResults_UnknownBatch(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	rows, err := store.ListResults(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestListBatches(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	require.NoError(t, store.RecordResults(ctx, "older", sampleResults()))
	store.MustExec(t, "UPDATE batch_results SET created_at = NOW() - INTERVAL '1 hour' WHERE batch_id = 'older'")
	require.NoError(t, store.RecordResults(ctx, "newer", sampleResults()[:1]))

	batches, err := store.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "newer", batches[0].BatchID)
	assert.Equal(t, 1, batches[0].Operations)
	assert.Equal(t, "older", batches[1].BatchID)
	assert.Equal(t, 3, batches[1].Operations)
	assert.Equal(t, 2, batches[1].Succeeded)
}

func TestRecordResults_Empty(t *testing.T) {
	// No rows means no database round trip; a nil pool is never touched.
	store := NewStore(nil, nil)
	assert.NoError(t, store.RecordResults(context.Background(), "batch-1", nil))
}

func TestPgtextHelpers(t *testing.T) {
	assert.False(t, pgtextFromString("").Valid)
	assert.Equal(t, pgtype.Text{String: "x", Valid: true}, pgtextFromString("x"))
	assert.Nil(t, stringPtrFromPgtext(pgtype.Text{}))
	assert.Equal(t, "x", *stringPtrFromPgtext(pgtype.Text{String: "x", Valid: true}))
}
