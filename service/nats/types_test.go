package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "batches.abc", Subject("abc"))
}

func TestFromResults(t *testing.T) {
	results := []batch.SubmissionResult{
		{OperationID: "a", Type: instructions.TypeValueTransfer, Success: true, Signature: "sig", Attempts: 1},
		{OperationID: "b", Type: instructions.TypeTokenTransfer, Error: "boom", Code: batch.CodeLedger, Attempts: 2},
	}

	events := FromResults("batch-1", results)
	require.Len(t, events, 2)

	assert.Equal(t, "batch-1", events[0].BatchID)
	assert.Equal(t, "a", events[0].OperationID)
	assert.Equal(t, 0, events[0].Position)
	assert.Equal(t, "value-transfer", events[0].Type)
	assert.True(t, events[0].Success)
	assert.Equal(t, "sig", events[0].Signature)

	assert.Equal(t, 1, events[1].Position)
	assert.False(t, events[1].Success)
	assert.Equal(t, "ledger", events[1].Code)
	assert.Equal(t, 2, events[1].Attempts)
	assert.False(t, events[1].PublishedAt.IsZero())

	data, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
	assert.Contains(t, string(data), `"operation_id":"a"`)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishResults(ctx, FromResults("b1", []batch.SubmissionResult{{OperationID: "a"}, {OperationID: "b"}})))
	require.NoError(t, m.PublishResult(ctx, &ResultEvent{BatchID: "b2", OperationID: "c"}))
	assert.Len(t, m.GetPublishedEvents(), 3)
	assert.Len(t, m.GetPublishedEventsForBatch("b1"), 2)

	m.SetPublishError(errors.New("down"))
	assert.Error(t, m.PublishResult(ctx, &ResultEvent{BatchID: "b2"}))
	assert.Len(t, m.GetPublishedEvents(), 3)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
