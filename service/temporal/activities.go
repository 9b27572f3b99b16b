package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/metrics"
	natspkg "github.com/brojonat/batchtx/service/nats"
)

// ExecuteBatchInput starts one batch. Document is a YAML or JSON batch
// document; its options override the worker's configured defaults.
type ExecuteBatchInput struct {
	BatchID  string `json:"batch_id"`
	Document []byte `json:"document"`
}

// ExecuteBatchResult is the workflow result.
type ExecuteBatchResult struct {
	BatchID   string                   `json:"batch_id"`
	Results   []batch.SubmissionResult `json:"results"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Recorded  bool                     `json:"recorded"`
	Published bool                     `json:"published"`
}

// RunBatchResult contains the result of the ExecuteBatch activity.
type RunBatchResult struct {
	Results []batch.SubmissionResult `json:"results"`
}

// RecordResultsInput contains parameters for the RecordResults activity.
type RecordResultsInput struct {
	BatchID string                   `json:"batch_id"`
	Results []batch.SubmissionResult `json:"results"`
}

// RecordResultsResult reports whether the results reached the audit store.
type RecordResultsResult struct {
	Recorded bool `json:"recorded"`
}

// PublishResultsInput contains parameters for the PublishResults activity.
type PublishResultsInput struct {
	BatchID string                   `json:"batch_id"`
	Results []batch.SubmissionResult `json:"results"`
}

// PublishResultsResult reports how many events were published.
type PublishResultsResult struct {
	Published int `json:"published"`
}

// Executor runs a batch. *batch.Batcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, ops []batch.Operation, opts batch.Options) ([]batch.SubmissionResult, error)
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	RecordResults(ctx context.Context, batchID string, results []batch.SubmissionResult) error
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishResults(ctx context.Context, events []*natspkg.ResultEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Store and publisher are optional; their activities become no-ops without them.
type Activities struct {
	executor  Executor
	keys      batch.KeyResolver
	defaults  batch.Options
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	executor Executor,
	keys batch.KeyResolver,
	defaults batch.Options,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		executor:  executor,
		keys:      keys,
		defaults:  defaults,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ExecuteBatch decodes the document and runs the batch to completion.
// Submission is not idempotent, so the workflow never retries this activity.
func (a *Activities) ExecuteBatch(ctx context.Context, input ExecuteBatchInput) (*RunBatchResult, error) {
	defer a.observe("ExecuteBatch", time.Now())

	ops, opts, err := batch.ParseDocument(input.Document, a.keys, a.defaults)
	if err != nil {
		a.logger.ErrorContext(ctx, "invalid batch document",
			"batch_id", input.BatchID,
			"error", err,
		)
		return nil, err
	}
	opts.BatchID = input.BatchID

	a.logger.InfoContext(ctx, "executing batch",
		"batch_id", input.BatchID,
		"operations", len(ops),
	)

	results, err := a.executor.Execute(ctx, ops, opts)
	if err != nil {
		a.logger.ErrorContext(ctx, "batch rejected",
			"batch_id", input.BatchID,
			"error", err,
		)
		return nil, fmt.Errorf("execute batch %s: %w", input.BatchID, err)
	}
	return &RunBatchResult{Results: results}, nil
}

// RecordResults writes results to the audit store.
func (a *Activities) RecordResults(ctx context.Context, input RecordResultsInput) (*RecordResultsResult, error) {
	defer a.observe("RecordResults", time.Now())

	if a.store == nil {
		a.logger.DebugContext(ctx, "no audit store configured, skipping", "batch_id", input.BatchID)
		return &RecordResultsResult{Recorded: false}, nil
	}
	if err := a.store.RecordResults(ctx, input.BatchID, input.Results); err != nil {
		a.logger.ErrorContext(ctx, "failed to record results",
			"batch_id", input.BatchID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to record results: %w", err)
	}
	return &RecordResultsResult{Recorded: true}, nil
}

// PublishResults emits one event per operation.
func (a *Activities) PublishResults(ctx context.Context, input PublishResultsInput) (*PublishResultsResult, error) {
	defer a.observe("PublishResults", time.Now())

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping", "batch_id", input.BatchID)
		return &PublishResultsResult{}, nil
	}
	events := natspkg.FromResults(input.BatchID, input.Results)
	if err := a.publisher.PublishResults(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to publish results: %w", err)
	}
	return &PublishResultsResult{Published: len(events)}, nil
}

func (a *Activities) observe(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}
