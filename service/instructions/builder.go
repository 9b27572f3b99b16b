package instructions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/batchtx/service/address"
	solanago "github.com/gagliardetto/solana-go"
)

// Builder turns operation requests into instruction units.
// It reads ledger state only for the operations that need it (token
// decimals, curve reserves, pool state) and never submits anything.
type Builder struct {
	resolver *address.Resolver
	reader   AccountReader
	logger   *slog.Logger
}

// NewBuilder creates a Builder. reader may be nil when no operation in the
// batch needs ledger reads; such operations then fail with ErrInvalidReference.
func NewBuilder(resolver *address.Resolver, reader AccountReader, logger *slog.Logger) *Builder {
	if resolver == nil {
		resolver = address.NewResolver(solanago.PublicKey{}, solanago.PublicKey{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		resolver: resolver,
		reader:   reader,
		logger:   logger,
	}
}

type builderFunc func(b *Builder, ctx context.Context, req Request) (Output, error)

// builders maps every operation type to its encoder.
var builders = map[OperationType]builderFunc{
	TypeValueTransfer:    (*Builder).valueTransfer,
	TypeTokenTransfer:    (*Builder).tokenTransfer,
	TypeAccountProvision: (*Builder).accountProvision,
	TypeMarketBuyCurve:   (*Builder).curveBuy,
	TypeMarketSellCurve:  (*Builder).curveSell,
	TypeMarketBuyPool:    (*Builder).poolBuy,
	TypeMarketSellPool:   (*Builder).poolSell,
}

// Known reports whether t is a supported operation type.
func Known(t OperationType) bool {
	_, ok := builders[t]
	return ok
}

// Resolver returns the address resolver used by the builder.
func (b *Builder) Resolver() *address.Resolver {
	return b.resolver
}

// Build encodes one operation.
func (b *Builder) Build(ctx context.Context, req Request) (Output, error) {
	fn, ok := builders[req.Type]
	if !ok {
		return Output{}, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
	if req.Sender.IsZero() {
		return Output{}, fmt.Errorf("%w: sender is required", ErrInvalidParams)
	}
	if req.RentPayer.IsZero() {
		req.RentPayer = req.Sender
	}

	out, err := fn(b, ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("build %s %q: %w", req.Type, req.OperationID, err)
	}

	b.logger.DebugContext(ctx, "built operation",
		"operation_id", req.OperationID,
		"type", string(req.Type),
		"units", len(out.Units),
		"requirements", len(out.Requirements),
	)
	return out, nil
}
