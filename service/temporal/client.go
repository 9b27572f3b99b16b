package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

var (
	// ErrBatchNotFound is returned when no workflow exists for a batch.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchExists is returned when a workflow was already started for a batch id.
	ErrBatchExists = errors.New("batch already started")
)

// Batch workflow states reported by BatchStatus.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Client starts and inspects batch workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// WorkflowID returns the workflow id used for a batch.
func WorkflowID(batchID string) string {
	return "batch-" + batchID
}

// StartBatch starts ExecuteBatchWorkflow for document and returns the workflow id.
// Starting the same batch id twice fails instead of submitting twice.
func (c *Client) StartBatch(ctx context.Context, batchID string, document []byte) (string, error) {
	id := WorkflowID(batchID)
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             c.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		Memo: map[string]any{
			"batch_id":   batchID,
			"created_by": "batchtx",
		},
	}, ExecuteBatchWorkflow, ExecuteBatchInput{
		BatchID:  batchID,
		Document: document,
	})
	if err != nil {
		c.logger.Error("failed to start batch workflow",
			"batch_id", batchID,
			"workflow_id", id,
			"error", err,
		)
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("%w: %s", ErrBatchExists, batchID)
		}
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("batch workflow started",
		"batch_id", batchID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// GetBatchResult blocks until the batch workflow finishes and returns its result.
func (c *Client) GetBatchResult(ctx context.Context, batchID string) (*ExecuteBatchResult, error) {
	var result ExecuteBatchResult
	if err := c.client.GetWorkflow(ctx, WorkflowID(batchID), "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return &result, nil
}

// BatchStatus reports the workflow state of a batch without blocking. The
// result is only set for completed batches.
func (c *Client) BatchStatus(ctx context.Context, batchID string) (string, *ExecuteBatchResult, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, WorkflowID(batchID), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return "", nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return "", nil, err
	}

	switch desc.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return BatchRunning, nil, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		result, err := c.GetBatchResult(ctx, batchID)
		if err != nil {
			return "", nil, err
		}
		return BatchCompleted, result, nil
	default:
		return BatchFailed, nil, nil
	}
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// Close closes the connection to Temporal.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...any) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...any) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...any) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...any) {
	l.logger.Error(msg, keyvals...)
}
