package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Every component accepts a nil *Metrics and records nothing in that case.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec
	confirmationDuration   *prometheus.HistogramVec

	// Batch Metrics
	batchOperationsTotal       *prometheus.CounterVec
	batchPackedTransactionSize *prometheus.HistogramVec
	batchTransactionsPerBatch  *prometheus.HistogramVec
	batchSubmissionsTotal      *prometheus.CounterVec
	batchRetriesTotal          *prometheus.CounterVec
	batchRoundDuration         *prometheus.HistogramVec
	batchDuration              *prometheus.HistogramVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_confirmation_duration_seconds",
				Help:    "Time from submission until a transaction reached a terminal status",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"status"},
		),

		// Batch Metrics
		batchOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_operations_total",
				Help: "Total number of batch operations by type and final outcome",
			},
			[]string{"type", "status", "code"},
		),
		batchPackedTransactionSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_packed_transaction_size_bytes",
				Help:    "Size of packed transactions",
				Buckets: []float64{128, 256, 512, 768, 1024, 1232},
			},
			[]string{"mode"},
		),
		batchTransactionsPerBatch: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_transactions_per_batch",
				Help:    "Number of packed transactions produced per batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"mode"},
		),
		batchSubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_submissions_total",
				Help: "Total number of transaction submissions by outcome",
			},
			[]string{"outcome"},
		),
		batchRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_retries_total",
				Help: "Total number of transaction retries by kind",
			},
			[]string{"kind"},
		),
		batchRoundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_round_duration_seconds",
				Help:    "Duration of one submission round",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"round_size"},
		),
		batchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_duration_seconds",
				Help:    "Duration of a full batch execution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		// Workflow Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_activity_duration_seconds",
				Help:    "Duration of batch workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordConfirmation records how long a submitted transaction took to settle.
func (m *Metrics) RecordConfirmation(status string, duration float64) {
	m.confirmationDuration.WithLabelValues(status).Observe(duration)
}

// Batch metric helpers

// RecordOperationResult records the final outcome of one operation.
func (m *Metrics) RecordOperationResult(opType string, success bool, code string) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.batchOperationsTotal.WithLabelValues(opType, status, code).Inc()
}

// RecordPackedTransaction records the size of a packed transaction.
func (m *Metrics) RecordPackedTransaction(mode string, size int) {
	m.batchPackedTransactionSize.WithLabelValues(mode).Observe(float64(size))
}

// RecordTransactionsPerBatch records how many transactions a batch was packed into.
func (m *Metrics) RecordTransactionsPerBatch(mode string, count int) {
	m.batchTransactionsPerBatch.WithLabelValues(mode).Observe(float64(count))
}

// RecordSubmission records a submission outcome (confirmed, failed, expired, error).
func (m *Metrics) RecordSubmission(outcome string) {
	m.batchSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry records a retry of the given kind (refresh, decompose).
func (m *Metrics) RecordRetry(kind string) {
	m.batchRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordRound records the duration of one submission round.
func (m *Metrics) RecordRound(roundSize string, duration float64) {
	m.batchRoundDuration.WithLabelValues(roundSize).Observe(duration)
}

// RecordBatchDuration records the duration of a complete batch execution.
func (m *Metrics) RecordBatchDuration(status string, duration float64) {
	m.batchDuration.WithLabelValues(status).Observe(duration)
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
