package instructions

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
)

var (
	swapBaseInDiscriminator  = []byte{42, 236, 72, 162, 242, 24, 39, 84}
	swapQuoteInDiscriminator = []byte{72, 34, 240, 149, 82, 130, 43, 156}
	poolAccountDiscriminator = [8]byte{241, 154, 109, 4, 17, 177, 109, 188}
)

// PoolState is the on-ledger state of a constant-product pool.
type PoolState struct {
	Discriminator [8]byte
	BaseMint      solanago.PublicKey
	QuoteMint     solanago.PublicKey
	BaseVault     solanago.PublicKey
	QuoteVault    solanago.PublicKey
	BaseReserve   uint64
	QuoteReserve  uint64
	FeeBps        uint16
}

type swapArgs struct {
	AmountIn         uint64
	MinimumAmountOut uint64
}

// DecodePool parses pool account data.
func DecodePool(data []byte) (PoolState, error) {
	var state PoolState
	if err := bin.NewBorshDecoder(data).Decode(&state); err != nil {
		return state, fmt.Errorf("%w: decode pool: %v", ErrInvalidReference, err)
	}
	if state.Discriminator != poolAccountDiscriminator {
		return state, fmt.Errorf("%w: account is not a pool", ErrInvalidReference)
	}
	return state, nil
}

// EncodePool serializes a pool state; the inverse of DecodePool.
func EncodePool(state PoolState) ([]byte, error) {
	state.Discriminator = poolAccountDiscriminator
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Quote returns the fee-adjusted constant-product output for amountIn of
// the side whose reserve is reserveIn.
func (s PoolState) Quote(amountIn, reserveIn, reserveOut uint64) (uint64, error) {
	if s.FeeBps > MaxSlippageBps {
		return 0, fmt.Errorf("%w: pool fee %d bps", ErrInvalidReference, s.FeeBps)
	}
	inAfterFee, err := mulDiv(amountIn, uint64(MaxSlippageBps-s.FeeBps), big.NewInt(MaxSlippageBps))
	if err != nil {
		return 0, err
	}
	return mulDiv(reserveOut, inAfterFee, addBig(reserveIn, inAfterFee))
}

// poolBuy spends quote tokens for base tokens.
func (b *Builder) poolBuy(ctx context.Context, req Request) (Output, error) {
	return b.poolSwap(ctx, req, true)
}

// poolSell spends base tokens for quote tokens.
func (b *Builder) poolSell(ctx context.Context, req Request) (Output, error) {
	return b.poolSwap(ctx, req, false)
}

func (b *Builder) poolSwap(ctx context.Context, req Request, buy bool) (Output, error) {
	p, err := paramsAs[PoolTradeParams](req.Params)
	if err != nil {
		return Output{}, err
	}
	pool, err := parseKey("pool", p.Pool)
	if err != nil {
		return Output{}, err
	}
	if err := checkAmount(p.Amount); err != nil {
		return Output{}, err
	}
	if err := checkSlippage(p.SlippageBps); err != nil {
		return Output{}, err
	}

	data, err := b.readAccount(ctx, pool, "pool")
	if err != nil {
		return Output{}, err
	}
	state, err := DecodePool(data)
	if err != nil {
		return Output{}, err
	}

	reserveIn, reserveOut := state.BaseReserve, state.QuoteReserve
	discriminator := swapBaseInDiscriminator
	if buy {
		reserveIn, reserveOut = state.QuoteReserve, state.BaseReserve
		discriminator = swapQuoteInDiscriminator
	}
	expected, err := state.Quote(p.Amount, reserveIn, reserveOut)
	if err != nil {
		return Output{}, err
	}
	if expected == 0 {
		return Output{}, fmt.Errorf("%w: swap of %d returns nothing", ErrInvalidAmount, p.Amount)
	}
	minOut, err := withSlippage(expected, p.SlippageBps, false)
	if err != nil {
		return Output{}, err
	}
	ixData, err := encodeArgs(discriminator, swapArgs{AmountIn: p.Amount, MinimumAmountOut: minOut})
	if err != nil {
		return Output{}, err
	}

	authority, err := b.resolver.PoolAuthority(pool)
	if err != nil {
		return Output{}, err
	}
	userBase, err := b.resolver.AssociatedTokenAccount(req.Sender, state.BaseMint)
	if err != nil {
		return Output{}, err
	}
	userQuote, err := b.resolver.AssociatedTokenAccount(req.Sender, state.QuoteMint)
	if err != nil {
		return Output{}, err
	}
	src, dst, dstMint := userBase, userQuote, state.QuoteMint
	if buy {
		src, dst, dstMint = userQuote, userBase, state.BaseMint
	}

	accounts := solanago.AccountMetaSlice{
		solanago.NewAccountMeta(pool, true, false),
		solanago.NewAccountMeta(authority, false, false),
		solanago.NewAccountMeta(req.Sender, true, true),
		solanago.NewAccountMeta(src, true, false),
		solanago.NewAccountMeta(dst, true, false),
		solanago.NewAccountMeta(state.BaseVault, true, false),
		solanago.NewAccountMeta(state.QuoteVault, true, false),
		solanago.NewAccountMeta(state.BaseMint, false, false),
		solanago.NewAccountMeta(state.QuoteMint, false, false),
		solanago.NewAccountMeta(solanago.TokenProgramID, false, false),
		solanago.NewAccountMeta(b.resolver.PoolProgramID, false, false),
	}

	out := Output{Units: []Unit{{
		OperationIDs: []string{req.OperationID},
		Kind:         KindConsume,
		Instructions: []solanago.Instruction{solanago.NewInstruction(b.resolver.PoolProgramID, accounts, ixData)},
		Signers:      []solanago.PublicKey{req.Sender},
	}}}
	if !p.AssumeExisting {
		out.Requirements = []Requirement{{Address: dst, Owner: req.Sender, Mint: dstMint}}
	}
	return out, nil
}
