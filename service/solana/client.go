package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/batchtx/service/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	SendRawTransactionWithOpts(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)

	GetAccountInfoWithOpts(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetAccountInfoOpts,
	) (*rpc.GetAccountInfoResult, error)
}

// errPending keeps the confirmation poll going.
var errPending = errors.New("signature pending")

// Client is the ledger client used by the batch engine and the instruction
// builders. It wraps the RPC client with checkpoint, submission, confirmation
// and account-read operations.
type Client struct {
	rpc        RPCClient
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment rpc.CommitmentType

	pollInitial    time.Duration
	pollMax        time.Duration
	confirmTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCommitment sets the commitment used for reads and required for confirmation.
func WithCommitment(commitment rpc.CommitmentType) ClientOption {
	return func(c *Client) {
		c.commitment = commitment
	}
}

// WithConfirmPolling sets the confirmation poll backoff and overall timeout.
func WithConfirmPolling(initial, maxInterval, timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = maxInterval
		c.confirmTimeout = timeout
	}
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rpc:            rpcClient,
		logger:         logger,
		metrics:        m,
		endpoint:       endpoint,
		commitment:     rpc.CommitmentConfirmed,
		pollInitial:    500 * time.Millisecond,
		pollMax:        4 * time.Second,
		confirmTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseCommitment maps a config string to an rpc commitment, defaulting to confirmed.
func ParseCommitment(s string) rpc.CommitmentType {
	switch strings.ToLower(s) {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// LatestCheckpoint fetches the most recent blockhash and its validity horizon.
func (c *Client) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	c.recordCall("GetLatestBlockhash", start, err)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get latest blockhash: %w", c.wrapRPCError(err))
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, errors.New("get latest blockhash: empty response")
	}

	cp := Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}
	c.logger.DebugContext(ctx, "fetched checkpoint",
		"blockhash", cp.Blockhash.String(),
		"last_valid_block_height", cp.LastValidBlockHeight,
	)
	return cp, nil
}

// Submit sends a signed, serialized transaction and returns its signature.
// Preflight simulation is left on so program errors surface here instead of
// after a full confirmation wait.
func (c *Client) Submit(ctx context.Context, raw []byte) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	c.recordCall("SendTransaction", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to submit transaction",
			"size", len(raw),
			"error", err,
		)
		return solana.Signature{}, fmt.Errorf("send transaction: %w", c.wrapRPCError(err))
	}

	c.logger.DebugContext(ctx, "submitted transaction",
		"signature", sig.String(),
		"size", len(raw),
	)
	return sig, nil
}

// Confirm polls the signature status until it reaches the client commitment,
// fails on-ledger, or its checkpoint expires. Polling intervals grow
// exponentially; the whole wait is bounded by the confirmation timeout.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature, cp Checkpoint) (Confirmation, error) {
	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInitial
	b.MaxInterval = c.pollMax
	b.MaxElapsedTime = 0

	var out Confirmation
	poll := func() error {
		callStart := time.Now()
		res, err := c.rpc.GetSignatureStatuses(pollCtx, false, sig)
		c.recordCall("GetSignatureStatuses", callStart, err)
		if err != nil {
			if isRateLimit(err) {
				c.recordRateLimit("GetSignatureStatuses")
			}
			return err
		}

		if res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				out = Confirmation{Status: StatusFailed, Slot: st.Slot, Err: formatLedgerError(st.Err)}
				return nil
			}
			if c.reached(st.ConfirmationStatus) {
				out = Confirmation{Status: StatusConfirmed, Slot: st.Slot}
				return nil
			}
			return errPending
		}

		callStart = time.Now()
		height, err := c.rpc.GetBlockHeight(pollCtx, c.commitment)
		c.recordCall("GetBlockHeight", callStart, err)
		if err != nil {
			return err
		}
		if height > cp.LastValidBlockHeight {
			out = Confirmation{Status: StatusExpired}
			return nil
		}
		return errPending
	}

	if err := backoff.Retry(poll, backoff.WithContext(b, pollCtx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Confirmation{}, ctxErr
		}
		if pollCtx.Err() != nil {
			c.recordConfirmation("timeout", start)
			return Confirmation{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
		}
		return Confirmation{}, fmt.Errorf("confirm %s: %w", sig, err)
	}

	c.recordConfirmation(string(out.Status), start)
	c.logger.DebugContext(ctx, "transaction settled",
		"signature", sig.String(),
		"status", out.Status,
		"slot", out.Slot,
	)
	return out, nil
}

// GetAccountData returns the raw data of an account. A missing account
// yields an error wrapping ErrAccountNotFound.
func (c *Client) GetAccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	start := time.Now()
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		c.recordCall("GetAccountInfo", start, nil)
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	c.recordCall("GetAccountInfo", start, err)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, c.wrapRPCError(err))
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return res.Value.Data.GetBinary(), nil
}

func (c *Client) reached(status rpc.ConfirmationStatusType) bool {
	switch c.commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}

func (c *Client) wrapRPCError(err error) error {
	if isRateLimit(err) {
		c.recordRateLimit("")
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

func (c *Client) recordRateLimit(method string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRateLimitHit(c.endpoint)
	if method != "" {
		c.metrics.RecordRPCRetry(method, "rate_limit")
	}
}

func (c *Client) recordConfirmation(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmation(status, time.Since(start).Seconds())
	}
}

func isRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}

// formatLedgerError renders the status error payload (usually a JSON object
// such as {"InstructionError":[1,{"Custom":6001}]}) as a compact string.
func formatLedgerError(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
