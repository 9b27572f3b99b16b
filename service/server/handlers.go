package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/db"
	"github.com/brojonat/batchtx/service/instructions"
	natspkg "github.com/brojonat/batchtx/service/nats"
	"github.com/brojonat/batchtx/service/temporal"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 4 << 20 // batch documents with thousands of operations stay well below this
	maxBatchIDLength   = 128
	defaultListLimit   = 50
	maxListLimit       = 500
)

var (
	// Batch ids become a NATS subject token, so dots and wildcards are out.
	validBatchIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Executor runs a batch synchronously. *batch.Batcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, ops []batch.Operation, opts batch.Options) ([]batch.SubmissionResult, error)
}

// ResultStore persists and reads batch outcomes. *db.Store satisfies it.
type ResultStore interface {
	RecordResults(ctx context.Context, batchID string, results []batch.SubmissionResult) error
	ListResults(ctx context.Context, batchID string) ([]*db.BatchResult, error)
	ListBatches(ctx context.Context, limit int) ([]*db.BatchSummary, error)
}

// ResultPublisher emits result events. *nats.JetStreamPublisher satisfies it.
type ResultPublisher interface {
	PublishResults(ctx context.Context, events []*natspkg.ResultEvent) error
}

// BatchStarter runs batches as workflows. *temporal.Client satisfies it.
type BatchStarter interface {
	StartBatch(ctx context.Context, batchID string, document []byte) (string, error)
	BatchStatus(ctx context.Context, batchID string) (string, *temporal.ExecuteBatchResult, error)
}

// batchResponse is the body returned for a batch.
type batchResponse struct {
	BatchID   string                   `json:"batch_id"`
	Status    string                   `json:"status"`
	Results   []batch.SubmissionResult `json:"results"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Recorded  bool                     `json:"recorded"`
}

type startBatchResponse struct {
	BatchID    string `json:"batch_id"`
	WorkflowID string `json:"workflow_id"`
}

type batchSummaryResponse struct {
	BatchID    string `json:"batch_id"`
	Operations int    `json:"operations"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	CreatedAt  string `json:"created_at"`
}

// handleExecuteBatch returns a handler that runs a batch document to completion.
// POST /api/v1/batches?batch_id={batch_id}
// The body is a YAML or JSON batch document. Operation failures are reported
// per operation in a 200 response; only unusable input yields 400.
func handleExecuteBatch(
	executor Executor,
	keys batch.KeyResolver,
	defaults batch.Options,
	store ResultStore,
	publisher ResultPublisher,
	logger *slog.Logger,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batchID, err := batchIDFromQuery(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		doc, err := readDocument(w, r)
		if err != nil {
			logger.Debug("failed to read batch document", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ops, opts, err := batch.ParseDocument(doc, keys, defaults)
		if err != nil {
			logger.Debug("invalid batch document", "batch_id", batchID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.BatchID = batchID

		results, err := executor.Execute(r.Context(), ops, opts)
		if err != nil {
			if isBadRequest(err) {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("failed to execute batch", "batch_id", batchID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Results are final once Execute returns; persisting and publishing
		// must not be cut short by a client that hung up.
		ctx := context.WithoutCancel(r.Context())

		recorded := false
		if store != nil {
			if err := store.RecordResults(ctx, batchID, results); err != nil {
				logger.Error("failed to record batch results", "batch_id", batchID, "error", err)
			} else {
				recorded = true
			}
		}
		if publisher != nil {
			if err := publisher.PublishResults(ctx, natspkg.FromResults(batchID, results)); err != nil {
				logger.Warn("failed to publish batch results", "batch_id", batchID, "error", err)
			}
		}

		succeeded, failed := batch.Summary(results)
		logger.Info("batch executed",
			"batch_id", batchID,
			"succeeded", succeeded,
			"failed", failed,
		)

		writeJSON(w, batchResponse{
			BatchID:   batchID,
			Status:    temporal.BatchCompleted,
			Results:   results,
			Succeeded: succeeded,
			Failed:    failed,
			Recorded:  recorded,
		}, http.StatusOK)
	})
}

// handleStartBatch returns a handler that starts a batch workflow.
// POST /api/v1/batches/async?batch_id={batch_id}
// The document is validated before the workflow starts so malformed input
// fails fast with 400.
func handleStartBatch(workflows BatchStarter, keys batch.KeyResolver, defaults batch.Options, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if workflows == nil {
			writeError(w, "async execution is not configured", http.StatusServiceUnavailable)
			return
		}

		batchID, err := batchIDFromQuery(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		doc, err := readDocument(w, r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := batch.ParseDocument(doc, keys, defaults); err != nil {
			logger.Debug("invalid batch document", "batch_id", batchID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		workflowID, err := workflows.StartBatch(r.Context(), batchID, doc)
		if err != nil {
			if errors.Is(err, temporal.ErrBatchExists) {
				writeError(w, err.Error(), http.StatusConflict)
				return
			}
			logger.Error("failed to start batch workflow", "batch_id", batchID, "error", err)
			writeError(w, "failed to start batch", http.StatusInternalServerError)
			return
		}

		writeJSON(w, startBatchResponse{BatchID: batchID, WorkflowID: workflowID}, http.StatusAccepted)
	})
}

// handleGetBatch returns a handler that reports a batch's results.
// GET /api/v1/batches/{batch_id}
// Stored results win; otherwise the workflow state is consulted.
func handleGetBatch(store ResultStore, workflows BatchStarter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batchID := r.PathValue("batch_id")
		if err := validateBatchID(batchID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if store != nil {
			rows, err := store.ListResults(r.Context(), batchID)
			if err != nil {
				logger.Error("failed to list batch results", "batch_id", batchID, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if len(rows) > 0 {
				results := make([]batch.SubmissionResult, len(rows))
				for i, row := range rows {
					results[i] = row.ToSubmissionResult()
				}
				succeeded, failed := batch.Summary(results)
				writeJSON(w, batchResponse{
					BatchID:   batchID,
					Status:    temporal.BatchCompleted,
					Results:   results,
					Succeeded: succeeded,
					Failed:    failed,
					Recorded:  true,
				}, http.StatusOK)
				return
			}
		}

		if workflows == nil {
			writeError(w, "batch not found", http.StatusNotFound)
			return
		}

		status, result, err := workflows.BatchStatus(r.Context(), batchID)
		if err != nil {
			if errors.Is(err, temporal.ErrBatchNotFound) {
				writeError(w, "batch not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get batch status", "batch_id", batchID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := batchResponse{BatchID: batchID, Status: status, Results: []batch.SubmissionResult{}}
		if result != nil {
			resp.Results = result.Results
			resp.Succeeded = result.Succeeded
			resp.Failed = result.Failed
			resp.Recorded = result.Recorded
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListBatches returns a handler that lists recently recorded batches.
// GET /api/v1/batches?limit={n}
func handleListBatches(store ResultStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "audit store is not configured", http.StatusServiceUnavailable)
			return
		}

		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxListLimit)
		}

		summaries, err := store.ListBatches(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list batches", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]batchSummaryResponse, len(summaries))
		for i, s := range summaries {
			resp[i] = batchSummaryResponse{
				BatchID:    s.BatchID,
				Operations: s.Operations,
				Succeeded:  s.Succeeded,
				Failed:     s.Operations - s.Succeeded,
				CreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339),
			}
		}

		writeJSON(w, map[string]interface{}{
			"batches": resp,
			"count":   len(resp),
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// readDocument reads a size-limited request body.
func readDocument(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBodySize)
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("request body is empty")
	}
	return body, nil
}

// batchIDFromQuery returns the caller's batch id or a fresh one.
func batchIDFromQuery(r *http.Request) (string, error) {
	id := r.URL.Query().Get("batch_id")
	if id == "" {
		return uuid.NewString(), nil
	}
	if err := validateBatchID(id); err != nil {
		return "", err
	}
	return id, nil
}

func validateBatchID(id string) error {
	if id == "" {
		return errors.New("batch_id is required")
	}
	if len(id) > maxBatchIDLength {
		return fmt.Errorf("batch_id too long: maximum length is %d characters", maxBatchIDLength)
	}
	if !validBatchIDRegex.MatchString(id) {
		return errors.New("invalid batch_id: only letters, digits, '-' and '_' are allowed")
	}
	return nil
}

// isBadRequest reports whether err was caused by the request rather than the service.
func isBadRequest(err error) bool {
	for _, target := range []error{
		batch.ErrInvalidDocument,
		batch.ErrInvalidOptions,
		batch.ErrNoDefaultSigner,
		batch.ErrDuplicateID,
		batch.ErrMissingID,
		instructions.ErrUnknownType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
