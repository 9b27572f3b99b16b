package instructions

import (
	"context"
	"errors"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
)

// OperationType enumerates the operations a batch can carry.
// The set is closed: adding a type means adding a constant here and an entry in builders.
type OperationType string

const (
	TypeValueTransfer    OperationType = "value-transfer"
	TypeTokenTransfer    OperationType = "token-transfer"
	TypeAccountProvision OperationType = "account-provision"
	TypeMarketBuyCurve   OperationType = "market-buy-curve"
	TypeMarketSellCurve  OperationType = "market-sell-curve"
	TypeMarketBuyPool    OperationType = "market-buy-pool"
	TypeMarketSellPool   OperationType = "market-sell-pool"
)

// MaxSlippageBps is the upper bound for slippage tolerance (100%).
const MaxSlippageBps = 10000

// Validation errors. All of them are non-retryable.
var (
	ErrUnknownType      = errors.New("unknown operation type")
	ErrInvalidParams    = errors.New("invalid params")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidSlippage  = errors.New("invalid slippage")
	ErrInvalidReference = errors.New("invalid reference")
)

// UnitKind distinguishes account provisioning from units that consume accounts.
type UnitKind int

const (
	KindConsume UnitKind = iota
	KindProvision
)

func (k UnitKind) String() string {
	switch k {
	case KindProvision:
		return "provision"
	default:
		return "consume"
	}
}

// Unit is one logical operation's encoded instructions plus the signers they need.
// Units are immutable once built; use WithOperationIDs to derive a retagged copy.
type Unit struct {
	OperationIDs []string
	Kind         UnitKind
	Instructions []solanago.Instruction
	Signers      []solanago.PublicKey

	// Provides is the account created by a provisioning unit, nil otherwise.
	Provides *solanago.PublicKey
}

// WithOperationIDs returns a copy of u tagged with ids.
func (u Unit) WithOperationIDs(ids ...string) Unit {
	u.OperationIDs = append([]string(nil), ids...)
	return u
}

// Requirement names a holding account that must exist before a unit runs.
type Requirement struct {
	Address solanago.PublicKey
	Owner   solanago.PublicKey
	Mint    solanago.PublicKey
}

// AccountReader reads raw account data from the ledger.
// Implementations return an error wrapping solana.ErrAccountNotFound for missing accounts.
type AccountReader interface {
	GetAccountData(ctx context.Context, address solanago.PublicKey) ([]byte, error)
}

// Request is the input to a builder.
type Request struct {
	OperationID string
	Type        OperationType
	Sender      solanago.PublicKey
	// RentPayer funds accounts created by provisioning units.
	RentPayer solanago.PublicKey
	Params    any
}

// Output is what a builder returns for one operation.
type Output struct {
	Units []Unit
	// Requirements lists accounts consumed by Units that must pre-exist.
	// It is empty when the operation asserts the accounts already exist.
	Requirements []Requirement
}

// ValueTransferParams moves lamports from the sender to Recipient.
type ValueTransferParams struct {
	Recipient string `json:"recipient" yaml:"recipient"`
	Amount    uint64 `json:"amount" yaml:"amount"`
}

// TokenTransferParams moves Amount base units of Mint to Recipient's token account.
type TokenTransferParams struct {
	Recipient      string `json:"recipient" yaml:"recipient"`
	Mint           string `json:"mint" yaml:"mint"`
	Amount         uint64 `json:"amount" yaml:"amount"`
	AssumeExisting bool   `json:"assume_existing,omitempty" yaml:"assume_existing,omitempty"`
}

// AccountProvisionParams creates Owner's token account for Mint.
// An empty Owner provisions the sender's account.
type AccountProvisionParams struct {
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Mint  string `json:"mint" yaml:"mint"`
}

// CurveTradeParams trades against a bonding curve for Mint.
// For buys Amount is lamports spent; for sells it is tokens sold.
type CurveTradeParams struct {
	Mint           string `json:"mint" yaml:"mint"`
	Amount         uint64 `json:"amount" yaml:"amount"`
	SlippageBps    uint16 `json:"slippage_bps" yaml:"slippage_bps"`
	AssumeExisting bool   `json:"assume_existing,omitempty" yaml:"assume_existing,omitempty"`
}

// PoolTradeParams swaps against a constant-product pool.
// For buys Amount is quote tokens in; for sells it is base tokens in.
type PoolTradeParams struct {
	Pool           string `json:"pool" yaml:"pool"`
	Amount         uint64 `json:"amount" yaml:"amount"`
	SlippageBps    uint16 `json:"slippage_bps" yaml:"slippage_bps"`
	AssumeExisting bool   `json:"assume_existing,omitempty" yaml:"assume_existing,omitempty"`
}

// paramsAs extracts params of type T, accepting both values and pointers.
func paramsAs[T any](params any) (T, error) {
	var zero T
	switch p := params.(type) {
	case T:
		return p, nil
	case *T:
		if p == nil {
			return zero, fmt.Errorf("%w: nil params", ErrInvalidParams)
		}
		return *p, nil
	default:
		return zero, fmt.Errorf("%w: expected %T, got %T", ErrInvalidParams, zero, params)
	}
}

// parseKey parses a base58 address field, naming the field in the error.
func parseKey(field, value string) (solanago.PublicKey, error) {
	if value == "" {
		return solanago.PublicKey{}, fmt.Errorf("%w: %s is required", ErrInvalidParams, field)
	}
	key, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, field, err)
	}
	return key, nil
}

func checkAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

func checkSlippage(bps uint16) error {
	if bps > MaxSlippageBps {
		return fmt.Errorf("%w: %d bps exceeds %d", ErrInvalidSlippage, bps, MaxSlippageBps)
	}
	return nil
}
