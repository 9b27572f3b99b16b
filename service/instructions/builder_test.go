package instructions

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves account data from a map.
type fakeReader map[solanago.PublicKey][]byte

func (f fakeReader) GetAccountData(ctx context.Context, addr solanago.PublicKey) ([]byte, error) {
	data, ok := f[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", solana.ErrAccountNotFound, addr)
	}
	return data, nil
}

func newKey() solanago.PublicKey {
	return solanago.NewWallet().PublicKey()
}

func mintData(decimals uint8) []byte {
	data := make([]byte, mintAccountSize)
	binary.LittleEndian.PutUint64(data[36:44], 1_000_000)
	data[mintDecimalsOffset] = decimals
	data[45] = 1
	return data
}

func curveData(t *testing.T, state BondingCurveState) []byte {
	t.Helper()
	encoded, err := borsh.Serialize(state)
	require.NoError(t, err)
	return append(append([]byte(nil), bondingCurveDiscriminator...), encoded...)
}

func TestBuild_UnknownTypeAndSender(t *testing.T) {
	b := NewBuilder(nil, nil, nil)

	_, err := b.Build(context.Background(), Request{OperationID: "a", Type: "teleport", Sender: newKey()})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = b.Build(context.Background(), Request{OperationID: "a", Type: TypeValueTransfer, Params: ValueTransferParams{Recipient: newKey().String(), Amount: 1}})
	assert.ErrorIs(t, err, ErrInvalidParams)

	assert.True(t, Known(TypeMarketSellPool))
	assert.False(t, Known("teleport"))
}

func TestValueTransfer(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	sender, recipient := newKey(), newKey()

	out, err := b.Build(context.Background(), Request{
		OperationID: "v1",
		Type:        TypeValueTransfer,
		Sender:      sender,
		Params:      &ValueTransferParams{Recipient: recipient.String(), Amount: 5000},
	})
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	assert.Empty(t, out.Requirements)

	unit := out.Units[0]
	assert.Equal(t, []string{"v1"}, unit.OperationIDs)
	assert.Equal(t, KindConsume, unit.Kind)
	assert.Equal(t, []solanago.PublicKey{sender}, unit.Signers)
	require.Len(t, unit.Instructions, 1)
	assert.Equal(t, solanago.SystemProgramID, unit.Instructions[0].ProgramID())
}

func TestValueTransfer_Validation(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	sender := newKey()

	tests := []struct {
		name   string
		params any
		want   error
	}{
		{"zero amount", ValueTransferParams{Recipient: newKey().String()}, ErrInvalidAmount},
		{"missing recipient", ValueTransferParams{Amount: 1}, ErrInvalidParams},
		{"bad recipient", ValueTransferParams{Recipient: "not-base58!", Amount: 1}, ErrInvalidParams},
		{"wrong params type", TokenTransferParams{}, ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(context.Background(), Request{OperationID: "x", Type: TypeValueTransfer, Sender: sender, Params: tt.params})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTokenTransfer(t *testing.T) {
	mint := newKey()
	b := NewBuilder(nil, fakeReader{mint: mintData(6)}, nil)
	sender, recipient := newKey(), newKey()

	out, err := b.Build(context.Background(), Request{
		OperationID: "t1",
		Type:        TypeTokenTransfer,
		Sender:      sender,
		Params:      TokenTransferParams{Recipient: recipient.String(), Mint: mint.String(), Amount: 10},
	})
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	assert.Equal(t, solanago.TokenProgramID, out.Units[0].Instructions[0].ProgramID())

	wantATA, _, err := solanago.FindAssociatedTokenAddress(recipient, mint)
	require.NoError(t, err)
	require.Len(t, out.Requirements, 1)
	assert.Equal(t, Requirement{Address: wantATA, Owner: recipient, Mint: mint}, out.Requirements[0])

	data, err := out.Units[0].Instructions[0].Data()
	require.NoError(t, err)
	// TransferChecked: [12, amount u64, decimals u8]
	require.Len(t, data, 10)
	assert.Equal(t, byte(12), data[0])
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(data[1:9]))
	assert.Equal(t, byte(6), data[9])
}

func TestTokenTransfer_AssumeExistingAndMissingMint(t *testing.T) {
	mint := newKey()
	b := NewBuilder(nil, fakeReader{mint: mintData(9)}, nil)

	out, err := b.Build(context.Background(), Request{
		OperationID: "t1",
		Type:        TypeTokenTransfer,
		Sender:      newKey(),
		Params:      TokenTransferParams{Recipient: newKey().String(), Mint: mint.String(), Amount: 1, AssumeExisting: true},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Requirements)

	_, err = b.Build(context.Background(), Request{
		OperationID: "t2",
		Type:        TypeTokenTransfer,
		Sender:      newKey(),
		Params:      TokenTransferParams{Recipient: newKey().String(), Mint: newKey().String(), Amount: 1},
	})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestAccountProvision(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	sender, payer, owner, mint := newKey(), newKey(), newKey(), newKey()

	out, err := b.Build(context.Background(), Request{
		OperationID: "p1",
		Type:        TypeAccountProvision,
		Sender:      sender,
		RentPayer:   payer,
		Params:      AccountProvisionParams{Owner: owner.String(), Mint: mint.String()},
	})
	require.NoError(t, err)
	require.Len(t, out.Units, 1)

	unit := out.Units[0]
	assert.Equal(t, KindProvision, unit.Kind)
	assert.Equal(t, []solanago.PublicKey{payer}, unit.Signers)
	want, _, err := solanago.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	require.NotNil(t, unit.Provides)
	assert.Equal(t, want, *unit.Provides)

	ix := unit.Instructions[0]
	assert.Equal(t, solanago.SPLAssociatedTokenAccountProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{createIdempotent}, data)
	assert.True(t, ix.Accounts()[0].IsSigner)
	assert.Equal(t, want, ix.Accounts()[1].PublicKey)
}

func TestCurveBuyAndSell(t *testing.T) {
	resolver := address.NewResolver(solanago.PublicKey{}, solanago.PublicKey{})
	mint := newKey()
	curve, err := resolver.BondingCurve(mint)
	require.NoError(t, err)

	state := BondingCurveState{
		VirtualTokenReserves: 1_000_000_000,
		VirtualSolReserves:   30_000_000_000,
		RealTokenReserves:    800_000_000,
		TokenTotalSupply:     1_000_000_000,
	}
	b := NewBuilder(resolver, fakeReader{curve: curveData(t, state)}, nil)
	sender := newKey()

	out, err := b.Build(context.Background(), Request{
		OperationID: "buy",
		Type:        TypeMarketBuyCurve,
		Sender:      sender,
		Params:      CurveTradeParams{Mint: mint.String(), Amount: 1_000_000_000, SlippageBps: 500},
	})
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	require.Len(t, out.Requirements, 1)

	ix := out.Units[0].Instructions[0]
	assert.Equal(t, resolver.CurveProgramID, ix.ProgramID())
	assert.Len(t, ix.Accounts(), 12)
	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 24)
	assert.Equal(t, curveBuyDiscriminator, data[:8])
	// 1e9 * 1e9 / (30e9 + 1e9)
	assert.Equal(t, uint64(32_258_064), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint64(1_050_000_000), binary.LittleEndian.Uint64(data[16:24]))

	out, err = b.Build(context.Background(), Request{
		OperationID: "sell",
		Type:        TypeMarketSellCurve,
		Sender:      sender,
		Params:      CurveTradeParams{Mint: mint.String(), Amount: 1_000_000, SlippageBps: 100},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Requirements)
	data, err = out.Units[0].Instructions[0].Data()
	require.NoError(t, err)
	assert.Equal(t, curveSellDiscriminator, data[:8])
	assert.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(data[8:16]))
	// 30e9 * 1e6 / (1e9 + 1e6) = 29970029, less 1%
	assert.Equal(t, uint64(29_670_328), binary.LittleEndian.Uint64(data[16:24]))
}

func TestCurve_Errors(t *testing.T) {
	resolver := address.NewResolver(solanago.PublicKey{}, solanago.PublicKey{})
	mint := newKey()
	curve, err := resolver.BondingCurve(mint)
	require.NoError(t, err)
	complete := BondingCurveState{VirtualTokenReserves: 1, VirtualSolReserves: 1, Complete: true}
	b := NewBuilder(resolver, fakeReader{curve: curveData(t, complete)}, nil)

	tests := []struct {
		name   string
		params CurveTradeParams
		want   error
	}{
		{"complete curve", CurveTradeParams{Mint: mint.String(), Amount: 10}, ErrInvalidReference},
		{"unknown mint", CurveTradeParams{Mint: newKey().String(), Amount: 10}, ErrInvalidReference},
		{"slippage too high", CurveTradeParams{Mint: mint.String(), Amount: 10, SlippageBps: 10001}, ErrInvalidSlippage},
		{"zero amount", CurveTradeParams{Mint: mint.String()}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(context.Background(), Request{OperationID: "c", Type: TypeMarketBuyCurve, Sender: newKey(), Params: tt.params})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeBondingCurve_Short(t *testing.T) {
	_, err := DecodeBondingCurve([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestPoolSwap(t *testing.T) {
	poolAddr := newKey()
	state := PoolState{
		BaseMint:     newKey(),
		QuoteMint:    newKey(),
		BaseVault:    newKey(),
		QuoteVault:   newKey(),
		BaseReserve:  1_000_000,
		QuoteReserve: 2_000_000,
		FeeBps:       25,
	}
	data, err := EncodePool(state)
	require.NoError(t, err)

	decoded, err := DecodePool(data)
	require.NoError(t, err)
	assert.Equal(t, state.BaseMint, decoded.BaseMint)
	assert.Equal(t, uint16(25), decoded.FeeBps)

	b := NewBuilder(nil, fakeReader{poolAddr: data}, nil)
	sender := newKey()

	out, err := b.Build(context.Background(), Request{
		OperationID: "pb",
		Type:        TypeMarketBuyPool,
		Sender:      sender,
		Params:      PoolTradeParams{Pool: poolAddr.String(), Amount: 10_000, SlippageBps: 0},
	})
	require.NoError(t, err)
	wantBase, _, err := solanago.FindAssociatedTokenAddress(sender, state.BaseMint)
	require.NoError(t, err)
	require.Len(t, out.Requirements, 1)
	assert.Equal(t, wantBase, out.Requirements[0].Address)

	ixData, err := out.Units[0].Instructions[0].Data()
	require.NoError(t, err)
	assert.Equal(t, swapQuoteInDiscriminator, ixData[:8])
	// in after fee 9975; 1e6 * 9975 / (2e6 + 9975) = 4962
	assert.Equal(t, uint64(10_000), binary.LittleEndian.Uint64(ixData[8:16]))
	assert.Equal(t, uint64(4962), binary.LittleEndian.Uint64(ixData[16:24]))

	out, err = b.Build(context.Background(), Request{
		OperationID: "ps",
		Type:        TypeMarketSellPool,
		Sender:      sender,
		Params:      PoolTradeParams{Pool: poolAddr.String(), Amount: 10_000, AssumeExisting: true},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Requirements)
	ixData, err = out.Units[0].Instructions[0].Data()
	require.NoError(t, err)
	assert.Equal(t, swapBaseInDiscriminator, ixData[:8])
}

func TestDecodePool_WrongAccount(t *testing.T) {
	_, err := DecodePool(make([]byte, 146))
	assert.ErrorIs(t, err, ErrInvalidReference)
}
