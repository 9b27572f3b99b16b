package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/metrics"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// InstructionBuilder encodes a single operation. *instructions.Builder satisfies it.
type InstructionBuilder interface {
	Build(ctx context.Context, req instructions.Request) (instructions.Output, error)
}

// Batcher turns operation lists into packed, signed transactions and runs them.
type Batcher struct {
	builder  InstructionBuilder
	resolver *address.Resolver
	ledger   Ledger
	signers  SignerSource
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatcher creates a Batcher.
// If metrics is nil, no metrics will be recorded.
func NewBatcher(
	builder InstructionBuilder,
	resolver *address.Resolver,
	ledger Ledger,
	signers SignerSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Batcher {
	if resolver == nil {
		resolver = address.NewResolver(solanago.PublicKey{}, solanago.PublicKey{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		builder:  builder,
		resolver: resolver,
		ledger:   ledger,
		signers:  signers,
		metrics:  m,
		logger:   logger,
		sleep:    sleepContext,
	}
}

type opRef struct {
	id  string
	typ instructions.OperationType
}

// Plan is the result of Create: the packed transactions to run and the
// operations that were rejected before submission.
type Plan struct {
	ID           string
	Options      Options
	Transactions []*PackedTransaction
	Rejected     []*OperationError

	order []opRef
}

// OperationCount is the number of operations the plan was created from.
func (p *Plan) OperationCount() int {
	return len(p.order)
}

// Create validates, builds, expands, packs and signs ops. Only configuration
// errors are returned; operations that fail validation or sizing are listed
// in Plan.Rejected.
func (b *Batcher) Create(ctx context.Context, ops []Operation, opts Options) (*Plan, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := requireKey(b.signers, opts.DefaultSigner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDefaultSigner, err)
	}
	if payer, ok := opts.feePayer(); ok {
		if err := requireKey(b.signers, payer); err != nil {
			return nil, fmt.Errorf("%w: fee payer: %v", ErrInvalidOptions, err)
		}
	}
	if err := checkOperations(ops); err != nil {
		return nil, err
	}
	if opts.BatchID == "" {
		opts.BatchID = uuid.NewString()
	}

	plan := &Plan{ID: opts.BatchID, Options: opts}
	reject := func(id string, err error) {
		plan.Rejected = append(plan.Rejected, &OperationError{OperationID: id, Code: classify(err), Err: err})
	}

	var segs []segment
	for _, op := range ops {
		plan.order = append(plan.order, opRef{id: op.ID, typ: op.Type})

		sender := op.Sender.Resolve(opts.DefaultSigner)
		if err := requireKey(b.signers, sender); err != nil {
			reject(op.ID, err)
			continue
		}
		payer := payerFor(opts, sender)

		out, err := b.builder.Build(ctx, instructions.Request{
			OperationID: op.ID,
			Type:        op.Type,
			Sender:      sender,
			RentPayer:   payer,
			Params:      op.Params,
		})
		if err != nil {
			b.logger.WarnContext(ctx, "operation rejected",
				"batch_id", plan.ID,
				"operation_id", op.ID,
				"error", err,
			)
			reject(op.ID, err)
			continue
		}

		seg, err := expand(b.resolver, op.ID, op.Type, payer, out)
		if err != nil {
			reject(op.ID, err)
			continue
		}
		segs = append(segs, seg)
	}

	txs, oversized := packer{maxInstructions: opts.MaxInstructions, dynamic: opts.DynamicBatching}.pack(segs)
	for _, opErr := range oversized {
		b.logger.WarnContext(ctx, "operation too large",
			"batch_id", plan.ID,
			"operation_id", opErr.OperationID,
			"error", opErr.Err,
		)
	}
	plan.Rejected = append(plan.Rejected, oversized...)
	plan.Transactions = b.sign(ctx, plan, txs)

	mode := packingMode(opts)
	if b.metrics != nil {
		b.metrics.RecordTransactionsPerBatch(mode, len(plan.Transactions))
		for _, ptx := range plan.Transactions {
			b.metrics.RecordPackedTransaction(mode, ptx.EstimatedSize)
		}
	}
	b.logger.InfoContext(ctx, "batch created",
		"batch_id", plan.ID,
		"operations", len(ops),
		"transactions", len(plan.Transactions),
		"rejected", len(plan.Rejected),
		"mode", mode,
	)
	return plan, nil
}

// sign builds every transaction against one shared checkpoint. If the
// checkpoint cannot be fetched the transactions are left unsigned and the
// engine signs each one before its first submission.
func (b *Batcher) sign(ctx context.Context, plan *Plan, txs []*PackedTransaction) []*PackedTransaction {
	if len(txs) == 0 {
		return nil
	}
	cp, err := b.ledger.LatestCheckpoint(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to fetch checkpoint, deferring signing",
			"batch_id", plan.ID,
			"error", err,
		)
		return txs
	}

	signed := txs[:0]
	for _, ptx := range txs {
		if err := buildTransaction(ptx, cp, b.signers); err != nil {
			for _, id := range ptx.OperationIDs {
				plan.Rejected = append(plan.Rejected, &OperationError{OperationID: id, Code: classify(err), Err: err})
			}
			continue
		}
		signed = append(signed, ptx)
	}
	return signed
}

// Submit runs a plan and returns one result per operation in input order.
func (b *Batcher) Submit(ctx context.Context, plan *Plan) ([]SubmissionResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidOptions)
	}
	start := time.Now()

	e := &engine{
		ledger:  b.ledger,
		signers: b.signers,
		opts:    plan.Options,
		logger:  b.logger,
		metrics: b.metrics,
		sleep:   b.sleep,
	}
	results := aggregate(plan, e.run(ctx, plan.Transactions))

	succeeded, failed := Summary(results)
	status := "success"
	if failed > 0 {
		status = "partial"
		if succeeded == 0 {
			status = "failure"
		}
	}
	if b.metrics != nil {
		for _, r := range results {
			b.metrics.RecordOperationResult(string(r.Type), r.Success, string(r.Code))
		}
		b.metrics.RecordBatchDuration(status, time.Since(start).Seconds())
	}
	b.logger.InfoContext(ctx, "batch finished",
		"batch_id", plan.ID,
		"status", status,
		"succeeded", succeeded,
		"failed", failed,
		"duration", time.Since(start).String(),
	)
	return results, nil
}

// Execute creates and submits ops in one call.
func (b *Batcher) Execute(ctx context.Context, ops []Operation, opts Options) ([]SubmissionResult, error) {
	plan, err := b.Create(ctx, ops, opts)
	if err != nil {
		return nil, err
	}
	return b.Submit(ctx, plan)
}

// checkOperations enforces unique, non-empty ids and known types.
func checkOperations(ops []Operation) error {
	seen := make(map[string]struct{}, len(ops))
	for i, op := range ops {
		if op.ID == "" {
			return fmt.Errorf("%w: operation %d", ErrMissingID, i)
		}
		if _, dup := seen[op.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateID, op.ID)
		}
		seen[op.ID] = struct{}{}
		if !instructions.Known(op.Type) {
			return fmt.Errorf("%w: operation %q: %q", instructions.ErrUnknownType, op.ID, op.Type)
		}
	}
	return nil
}

func packingMode(opts Options) string {
	if opts.DynamicBatching {
		return "dynamic"
	}
	return "conservative"
}
