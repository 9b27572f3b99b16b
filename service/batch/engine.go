package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/batchtx/service/metrics"
	"github.com/brojonat/batchtx/service/solana"
	"github.com/cenkalti/backoff/v4"
	solanago "github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

// Ledger submits transactions and reports their fate.
// *solana.Client satisfies it.
type Ledger interface {
	LatestCheckpoint(ctx context.Context) (solana.Checkpoint, error)
	Submit(ctx context.Context, raw []byte) (solanago.Signature, error)
	Confirm(ctx context.Context, sig solanago.Signature, cp solana.Checkpoint) (solana.Confirmation, error)
}

// txState is the lifecycle of one packed transaction in the engine.
type txState int

const (
	statePending txState = iota
	stateSubmitted
	stateRetrying
	stateDecomposed
	stateDone
)

func (s txState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSubmitted:
		return "submitted"
	case stateRetrying:
		return "retrying"
	case stateDecomposed:
		return "decomposed"
	default:
		return "done"
	}
}

// maxConfirmPolls bounds how many times an unsettled signature is polled
// again before its operations are reported failed without resubmission.
const maxConfirmPolls = 5

// engine runs packed transactions in rounds of at most MaxParallel.
type engine struct {
	ledger  Ledger
	signers SignerSource
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// run executes txs and returns each transaction's per-operation results,
// indexed like txs. Each goroutine writes only its own slot.
func (e *engine) run(ctx context.Context, txs []*PackedTransaction) [][]SubmissionResult {
	results := make([][]SubmissionResult, len(txs))

	for start := 0; start < len(txs); start += e.opts.MaxParallel {
		if start > 0 {
			if err := e.sleep(ctx, e.opts.DelayBetween); err != nil {
				e.abandon(txs[start:], results[start:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			e.abandon(txs[start:], results[start:], err)
			break
		}

		end := min(start+e.opts.MaxParallel, len(txs))
		roundStart := time.Now()
		e.logger.DebugContext(ctx, "starting round",
			"batch_id", e.opts.BatchID,
			"first", start,
			"size", end-start,
		)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = e.runTransaction(ctx, txs[i], true)
				return nil
			})
		}
		_ = g.Wait()

		if e.metrics != nil {
			e.metrics.RecordRound(strconv.Itoa(end-start), time.Since(roundStart).Seconds())
		}
	}
	return results
}

// abandon fails every operation of transactions that never got to run.
func (e *engine) abandon(txs []*PackedTransaction, slots [][]SubmissionResult, err error) {
	for i, ptx := range txs {
		slots[i] = fanOut(ptx, failure(fmt.Errorf("batch stopped before submission: %w", err), 0))
	}
}

// runTransaction drives one transaction to a terminal state. Only the
// classification of the latest error decides the next state.
func (e *engine) runTransaction(ctx context.Context, ptx *PackedTransaction, allowSplit bool) []SubmissionResult {
	logger := e.logger.With("batch_id", e.opts.BatchID, "operation_ids", ptx.OperationIDs)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryBackoff
	bo.MaxElapsedTime = 0

	var (
		state     = statePending
		attempts  int
		polls     int
		unsettled bool
		sig       solanago.Signature
		err       error
	)

	if ptx.raw == nil {
		if err = e.rebuild(ctx, ptx); err != nil {
			attempts++
			state = e.transition(ctx, ptx, err, attempts, allowSplit)
		}
	}

	for {
		switch state {
		case statePending:
			attempts++
			sig, err = e.ledger.Submit(ctx, ptx.raw)
			if err != nil {
				e.recordSubmission("error")
				state = e.transition(ctx, ptx, err, attempts, allowSplit)
				break
			}
			state = stateSubmitted

		case stateSubmitted:
			var conf solana.Confirmation
			conf, err = e.ledger.Confirm(ctx, sig, ptx.Checkpoint)
			err = confirmationError(sig, conf, err)
			if err == nil {
				e.recordSubmission("confirmed")
				logger.InfoContext(ctx, "transaction confirmed",
					"signature", sig.String(),
					"slot", conf.Slot,
					"attempts", attempts,
				)
				return fanOut(ptx, SubmissionResult{Success: true, Signature: sig.String(), Attempts: attempts})
			}
			if conf.Status == "" {
				// The signature neither settled nor expired, so it may still
				// land. Rebuilding now could execute the operations twice.
				e.recordSubmission("unsettled")
				if ctx.Err() == nil && polls < maxConfirmPolls {
					polls++
					wait := bo.NextBackOff()
					logger.WarnContext(ctx, "transaction unsettled, polling again",
						"signature", sig.String(),
						"poll", polls,
						"backoff", wait.String(),
						"error", err,
					)
					if e.sleep(ctx, wait) == nil {
						break
					}
				}
				unsettled = true
				state = stateDone
				break
			}
			e.recordSubmission(string(conf.Status))
			polls = 0
			state = e.transition(ctx, ptx, err, attempts, allowSplit)

		case stateRetrying:
			wait := bo.NextBackOff()
			e.recordRetry("refresh")
			logger.WarnContext(ctx, "retrying transaction with fresh checkpoint",
				"attempt", attempts+1,
				"backoff", wait.String(),
				"error", err,
			)
			if err = e.sleep(ctx, wait); err == nil {
				err = e.rebuild(ctx, ptx)
			}
			if err != nil {
				attempts++
				state = e.transition(ctx, ptx, err, attempts, allowSplit)
				break
			}
			state = statePending

		case stateDecomposed:
			e.recordRetry("decompose")
			logger.WarnContext(ctx, "decomposing failed transaction",
				"operations", len(ptx.segments),
				"error", err,
			)
			return e.decompose(ctx, ptx, attempts)

		case stateDone:
			logger.ErrorContext(ctx, "transaction failed",
				"attempts", attempts,
				"code", string(classify(err)),
				"error", err,
			)
			res := failure(err, attempts)
			var txErr *solana.TransactionError
			if errors.As(err, &txErr) {
				res.Signature = txErr.Signature.String()
			} else if unsettled {
				res.Signature = sig.String()
			}
			return fanOut(ptx, res)
		}
	}
}

// transition picks the next state after a failed attempt.
func (e *engine) transition(ctx context.Context, ptx *PackedTransaction, err error, attempts int, allowSplit bool) txState {
	if ctx.Err() != nil {
		return stateDone
	}
	if classify(err).Retryable() && e.opts.RetryFailed && attempts <= e.opts.MaxRetries {
		return stateRetrying
	}
	if allowSplit && e.opts.fallbackEnabled() && len(ptx.segments) > 1 {
		return stateDecomposed
	}
	return stateDone
}

// decompose reruns every operation of ptx in its own transaction, one after
// another, so the round never exceeds its concurrency bound.
func (e *engine) decompose(ctx context.Context, ptx *PackedTransaction, parentAttempts int) []SubmissionResult {
	var out []SubmissionResult
	for _, seg := range ptx.segments {
		child := newPackedTransaction(seg.payer, []segment{seg}, 0)
		if size, err := exactSize(seg.payer, child.Units); err == nil {
			child.EstimatedSize = size
		}
		results := e.runTransaction(ctx, child, false)
		for i := range results {
			results[i].Attempts += parentAttempts
		}
		out = append(out, results...)
	}
	return out
}

// rebuild signs ptx against a checkpoint strictly newer than its current one.
func (e *engine) rebuild(ctx context.Context, ptx *PackedTransaction) error {
	cp, err := e.ledger.LatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ptx.raw != nil && !cp.NewerThan(ptx.Checkpoint) {
		return fmt.Errorf("%w: checkpoint did not advance past %s", solana.ErrCheckpointExpired, ptx.Checkpoint.Blockhash)
	}
	return buildTransaction(ptx, cp, e.signers)
}

func (e *engine) recordSubmission(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordSubmission(outcome)
	}
}

func (e *engine) recordRetry(kind string) {
	if e.metrics != nil {
		e.metrics.RecordRetry(kind)
	}
}

// confirmationError turns a non-confirmed status into an error.
func confirmationError(sig solanago.Signature, conf solana.Confirmation, err error) error {
	if err != nil {
		return err
	}
	switch conf.Status {
	case solana.StatusConfirmed:
		return nil
	case solana.StatusFailed:
		return &solana.TransactionError{Signature: sig, Slot: conf.Slot, Message: conf.Err}
	case solana.StatusExpired:
		return fmt.Errorf("%w: %s", solana.ErrCheckpointExpired, sig)
	default:
		return fmt.Errorf("unexpected confirmation status %q for %s", conf.Status, sig)
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
