package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ExecuteBatchWorkflow runs one batch durably.
//
// The workflow performs these steps:
// 1. Execute the batch (ExecuteBatch activity, never retried)
// 2. Record per-operation results in the audit store (RecordResults activity)
// 3. Publish per-operation result events (PublishResults activity, best effort)
//
// Once step 1 has returned, the results are part of workflow history, so a
// failure in the later steps never resubmits anything.
func ExecuteBatchWorkflow(ctx workflow.Context, input ExecuteBatchInput) (*ExecuteBatchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ExecuteBatchWorkflow started", "batch_id", input.BatchID)

	result := &ExecuteBatchResult{BatchID: input.BatchID}

	executeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	var run *RunBatchResult
	if err := workflow.ExecuteActivity(executeCtx, a.ExecuteBatch, input).Get(ctx, &run); err != nil {
		logger.Error("batch execution failed", "batch_id", input.BatchID, "error", err)
		return result, fmt.Errorf("failed to execute batch: %w", err)
	}
	result.Results = run.Results
	result.Succeeded, result.Failed = batch.Summary(run.Results)

	sideEffectCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	var recorded *RecordResultsResult
	err := workflow.ExecuteActivity(sideEffectCtx, a.RecordResults, RecordResultsInput{
		BatchID: input.BatchID,
		Results: run.Results,
	}).Get(ctx, &recorded)
	if err != nil {
		logger.Error("failed to record results", "batch_id", input.BatchID, "error", err)
		return result, fmt.Errorf("failed to record results: %w", err)
	}
	result.Recorded = recorded.Recorded

	var published *PublishResultsResult
	err = workflow.ExecuteActivity(sideEffectCtx, a.PublishResults, PublishResultsInput{
		BatchID: input.BatchID,
		Results: run.Results,
	}).Get(ctx, &published)
	if err != nil {
		logger.Warn("failed to publish results", "batch_id", input.BatchID, "error", err)
	} else {
		result.Published = published.Published > 0
	}

	logger.Info("ExecuteBatchWorkflow completed",
		"batch_id", input.BatchID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}
