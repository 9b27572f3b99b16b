package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/batchtx/service/batch"
)

// ResultEvent is the terminal outcome of one operation, published to the
// subject "batches.{batch_id}" in JetStream.
type ResultEvent struct {
	BatchID     string `json:"batch_id"`
	OperationID string `json:"operation_id"`
	Position    int    `json:"position"`
	Type        string `json:"type"`

	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Attempts  int    `json:"attempts"`

	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject a batch's events are published to.
func Subject(batchID string) string {
	return fmt.Sprintf("batches.%s", batchID)
}

// FromResults converts batch results to events, keeping their order.
func FromResults(batchID string, results []batch.SubmissionResult) []*ResultEvent {
	now := time.Now().UTC()
	events := make([]*ResultEvent, len(results))
	for i, r := range results {
		events[i] = &ResultEvent{
			BatchID:     batchID,
			OperationID: r.OperationID,
			Position:    i,
			Type:        string(r.Type),
			Success:     r.Success,
			Signature:   r.Signature,
			Error:       r.Error,
			Code:        string(r.Code),
			Attempts:    r.Attempts,
			PublishedAt: now,
		}
	}
	return events
}
