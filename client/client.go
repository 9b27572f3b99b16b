package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotFound is returned when the server knows nothing about a batch.
var ErrNotFound = errors.New("batch not found")

// Batch states reported by the server.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the terminal outcome of one operation.
type Result struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	Signature   string `json:"signature,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	Attempts    int    `json:"attempts"`
}

// Batch is a batch as reported by the server. Results follow the order of
// the operations in the submitted document.
type Batch struct {
	BatchID   string   `json:"batch_id"`
	Status    string   `json:"status"`
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Recorded  bool     `json:"recorded"`
}

// Started is returned when a batch was handed to a workflow.
type Started struct {
	BatchID    string `json:"batch_id"`
	WorkflowID string `json:"workflow_id"`
}

// Summary describes a recorded batch.
type Summary struct {
	BatchID    string    `json:"batch_id"`
	Operations int       `json:"operations"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Client is the HTTP client for the batchtx service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new batch service client.
// Synchronous submission waits for every transaction to settle, so the
// default HTTP timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Submit runs a YAML or JSON batch document on the server and waits for
// its results. An empty batchID lets the server pick one.
func (c *Client) Submit(ctx context.Context, batchID string, document []byte) (*Batch, error) {
	resp, err := c.post(ctx, "/api/v1/batches", batchID, document)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var b Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch executed", "batch_id", b.BatchID, "succeeded", b.Succeeded, "failed", b.Failed)
	return &b, nil
}

// SubmitAsync starts a batch workflow and returns without waiting.
func (c *Client) SubmitAsync(ctx context.Context, batchID string, document []byte) (*Started, error) {
	resp, err := c.post(ctx, "/api/v1/batches/async", batchID, document)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var s Started
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch started", "batch_id", s.BatchID, "workflow_id", s.WorkflowID)
	return &s, nil
}

// Get retrieves the current state of a batch.
func (c *Client) Get(ctx context.Context, batchID string) (*Batch, error) {
	u := fmt.Sprintf("%s/api/v1/batches/%s", c.baseURL, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var b Batch
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &b, nil
}

// List retrieves the most recently recorded batches.
func (c *Client) List(ctx context.Context, limit int) ([]*Summary, error) {
	u := c.baseURL + "/api/v1/batches"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Batches []*Summary `json:"batches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Batches, nil
}

// Await polls a batch until it leaves the running state or ctx is done.
// Polling backs off exponentially up to maxInterval.
func (c *Client) Await(ctx context.Context, batchID string, maxInterval time.Duration) (*Batch, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	var out *Batch
	poll := func() error {
		got, err := c.Get(ctx, batchID)
		if err != nil {
			// A freshly started workflow may not be visible yet.
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		if got.Status == StatusRunning {
			return fmt.Errorf("batch %s still running", batchID)
		}
		out = got
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Debug("waiting for batch", "batch_id", batchID, "next_poll", next, "reason", err)
	}
	if err := backoff.RetryNotify(poll, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path, batchID string, document []byte) (*http.Response, error) {
	u := c.baseURL + path
	if batchID != "" {
		u += "?batch_id=" + url.QueryEscape(batchID)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType(document))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// contentType is informational; the server accepts YAML and JSON alike.
func contentType(document []byte) string {
	if trimmed := bytes.TrimSpace(document); len(trimmed) > 0 && trimmed[0] == '{' {
		return "application/json"
	}
	return "application/yaml"
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
