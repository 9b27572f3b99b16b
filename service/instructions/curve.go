package instructions

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
)

// Anchor discriminators: sha256("global:<ix>")[:8] and sha256("account:<type>")[:8].
var (
	curveBuyDiscriminator     = []byte{102, 6, 61, 18, 1, 218, 235, 234}
	curveSellDiscriminator    = []byte{51, 230, 133, 164, 1, 127, 131, 173}
	bondingCurveDiscriminator = []byte{23, 183, 248, 55, 96, 216, 172, 96}
)

// bondingCurveStateSize is the borsh size of BondingCurveState.
const bondingCurveStateSize = 5*8 + 1

// BondingCurveState is the on-ledger state of a bonding curve, after the
// 8-byte account discriminator.
type BondingCurveState struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

type curveBuyArgs struct {
	Amount     uint64
	MaxSolCost uint64
}

type curveSellArgs struct {
	Amount       uint64
	MinSolOutput uint64
}

// DecodeBondingCurve parses bonding curve account data.
func DecodeBondingCurve(data []byte) (BondingCurveState, error) {
	var state BondingCurveState
	if len(data) < 8+bondingCurveStateSize {
		return state, fmt.Errorf("%w: bonding curve account is %d bytes", ErrInvalidReference, len(data))
	}
	if !bytes.Equal(data[:8], bondingCurveDiscriminator) {
		return state, fmt.Errorf("%w: account is not a bonding curve", ErrInvalidReference)
	}
	if err := borsh.Deserialize(&state, data[8:8+bondingCurveStateSize]); err != nil {
		return state, fmt.Errorf("%w: decode bonding curve: %v", ErrInvalidReference, err)
	}
	return state, nil
}

// QuoteBuy returns the tokens received for lamportsIn.
func (s BondingCurveState) QuoteBuy(lamportsIn uint64) (uint64, error) {
	return mulDiv(s.VirtualTokenReserves, lamportsIn, addBig(s.VirtualSolReserves, lamportsIn))
}

// QuoteSell returns the lamports received for tokensIn.
func (s BondingCurveState) QuoteSell(tokensIn uint64) (uint64, error) {
	return mulDiv(s.VirtualSolReserves, tokensIn, addBig(s.VirtualTokenReserves, tokensIn))
}

func (b *Builder) curveBuy(ctx context.Context, req Request) (Output, error) {
	p, mint, state, err := b.curveTrade(ctx, req)
	if err != nil {
		return Output{}, err
	}

	tokens, err := state.QuoteBuy(p.Amount)
	if err != nil {
		return Output{}, err
	}
	if tokens == 0 {
		return Output{}, fmt.Errorf("%w: %d lamports buys zero tokens", ErrInvalidAmount, p.Amount)
	}
	maxCost, err := withSlippage(p.Amount, p.SlippageBps, true)
	if err != nil {
		return Output{}, err
	}

	data, err := encodeArgs(curveBuyDiscriminator, curveBuyArgs{Amount: tokens, MaxSolCost: maxCost})
	if err != nil {
		return Output{}, err
	}
	accounts, userATA, err := b.curveAccounts(req.Sender, mint, true)
	if err != nil {
		return Output{}, err
	}

	out := Output{Units: []Unit{{
		OperationIDs: []string{req.OperationID},
		Kind:         KindConsume,
		Instructions: []solanago.Instruction{solanago.NewInstruction(b.resolver.CurveProgramID, accounts, data)},
		Signers:      []solanago.PublicKey{req.Sender},
	}}}
	if !p.AssumeExisting {
		out.Requirements = []Requirement{{Address: userATA, Owner: req.Sender, Mint: mint}}
	}
	return out, nil
}

func (b *Builder) curveSell(ctx context.Context, req Request) (Output, error) {
	p, mint, state, err := b.curveTrade(ctx, req)
	if err != nil {
		return Output{}, err
	}

	lamports, err := state.QuoteSell(p.Amount)
	if err != nil {
		return Output{}, err
	}
	if lamports == 0 {
		return Output{}, fmt.Errorf("%w: %d tokens sell for zero lamports", ErrInvalidAmount, p.Amount)
	}
	minOut, err := withSlippage(lamports, p.SlippageBps, false)
	if err != nil {
		return Output{}, err
	}

	data, err := encodeArgs(curveSellDiscriminator, curveSellArgs{Amount: p.Amount, MinSolOutput: minOut})
	if err != nil {
		return Output{}, err
	}
	accounts, _, err := b.curveAccounts(req.Sender, mint, false)
	if err != nil {
		return Output{}, err
	}

	return Output{Units: []Unit{{
		OperationIDs: []string{req.OperationID},
		Kind:         KindConsume,
		Instructions: []solanago.Instruction{solanago.NewInstruction(b.resolver.CurveProgramID, accounts, data)},
		Signers:      []solanago.PublicKey{req.Sender},
	}}}, nil
}

// curveTrade validates params and loads the curve state shared by buys and sells.
func (b *Builder) curveTrade(ctx context.Context, req Request) (CurveTradeParams, solanago.PublicKey, BondingCurveState, error) {
	var state BondingCurveState
	p, err := paramsAs[CurveTradeParams](req.Params)
	if err != nil {
		return p, solanago.PublicKey{}, state, err
	}
	mint, err := parseKey("mint", p.Mint)
	if err != nil {
		return p, mint, state, err
	}
	if err := checkAmount(p.Amount); err != nil {
		return p, mint, state, err
	}
	if err := checkSlippage(p.SlippageBps); err != nil {
		return p, mint, state, err
	}

	curve, err := b.resolver.BondingCurve(mint)
	if err != nil {
		return p, mint, state, err
	}
	data, err := b.readAccount(ctx, curve, "bonding curve")
	if err != nil {
		return p, mint, state, err
	}
	if state, err = DecodeBondingCurve(data); err != nil {
		return p, mint, state, err
	}
	if state.Complete {
		return p, mint, state, fmt.Errorf("%w: bonding curve for %s is complete", ErrInvalidReference, mint)
	}
	return p, mint, state, nil
}

// curveAccounts lists the accounts of a buy or sell instruction and returns
// the user's token account.
func (b *Builder) curveAccounts(user, mint solanago.PublicKey, buy bool) (solanago.AccountMetaSlice, solanago.PublicKey, error) {
	r := b.resolver
	global, err := r.CurveGlobal()
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}
	feeVault, err := r.CurveFeeVault()
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}
	curve, err := r.BondingCurve(mint)
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}
	curveVault, err := r.CurveVault(mint)
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}
	userATA, err := r.AssociatedTokenAccount(user, mint)
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}
	eventAuthority, err := r.CurveEventAuthority()
	if err != nil {
		return nil, solanago.PublicKey{}, err
	}

	accounts := solanago.AccountMetaSlice{
		solanago.NewAccountMeta(global, false, false),
		solanago.NewAccountMeta(feeVault, true, false),
		solanago.NewAccountMeta(mint, false, false),
		solanago.NewAccountMeta(curve, true, false),
		solanago.NewAccountMeta(curveVault, true, false),
		solanago.NewAccountMeta(userATA, true, false),
		solanago.NewAccountMeta(user, true, true),
		solanago.NewAccountMeta(solanago.SystemProgramID, false, false),
	}
	if buy {
		accounts = append(accounts,
			solanago.NewAccountMeta(solanago.TokenProgramID, false, false),
			solanago.NewAccountMeta(solanago.SysVarRentPubkey, false, false),
		)
	} else {
		accounts = append(accounts,
			solanago.NewAccountMeta(solanago.SPLAssociatedTokenAccountProgramID, false, false),
			solanago.NewAccountMeta(solanago.TokenProgramID, false, false),
		)
	}
	accounts = append(accounts,
		solanago.NewAccountMeta(eventAuthority, false, false),
		solanago.NewAccountMeta(r.CurveProgramID, false, false),
	)
	return accounts, userATA, nil
}

func encodeArgs(discriminator []byte, args any) ([]byte, error) {
	encoded, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", err)
	}
	return append(append([]byte(nil), discriminator...), encoded...), nil
}

// withSlippage widens amount by bps: upward for a maximum cost, downward for
// a minimum output.
func withSlippage(amount uint64, bps uint16, up bool) (uint64, error) {
	factor := uint64(MaxSlippageBps) - uint64(bps)
	if up {
		factor = uint64(MaxSlippageBps) + uint64(bps)
	}
	return mulDiv(amount, factor, big.NewInt(MaxSlippageBps))
}

func addBig(a, b uint64) *big.Int {
	return new(big.Int).Add(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
}

// mulDiv computes a*b/d with floor rounding in arbitrary precision.
func mulDiv(a, b uint64, d *big.Int) (uint64, error) {
	if d.Sign() == 0 {
		return 0, fmt.Errorf("%w: empty reserves", ErrInvalidReference)
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	n.Quo(n, d)
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: quote overflows u64", ErrInvalidAmount)
	}
	return n.Uint64(), nil
}
