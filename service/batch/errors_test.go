package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"operation error keeps its code", &OperationError{OperationID: "a", Code: CodeSizing, Err: errors.New("x")}, CodeSizing},
		{"invalid amount", fmt.Errorf("build: %w", instructions.ErrInvalidAmount), CodeValidation},
		{"invalid slippage", instructions.ErrInvalidSlippage, CodeValidation},
		{"unknown signer", fmt.Errorf("%w: abc", ErrUnknownSigner), CodeValidation},
		{"too large", ErrOperationTooLarge, CodeSizing},
		{"account not found", fmt.Errorf("read: %w", solana.ErrAccountNotFound), CodeDependency},
		{"canceled", context.Canceled, CodeTransient},
		{"deadline", context.DeadlineExceeded, CodeTransient},
		{"confirmation timeout", solana.ErrConfirmationTimeout, CodeTransient},
		{"checkpoint expired", solana.ErrCheckpointExpired, CodeTransient},
		{"rate limited", fmt.Errorf("send: %w", solana.ErrRateLimited), CodeTransient},
		{"blockhash not found text", errors.New("Transaction simulation failed: Blockhash not found"), CodeTransient},
		{"block height exceeded text", errors.New("block height exceeded"), CodeTransient},
		{"service unavailable", errors.New("rpc call getLatestBlockhash() on https://x: 503 Service Unavailable"), CodeTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), CodeTransient},
		{"account not found text", errors.New("Attempt to debit an account but found no record of a prior credit."), CodeDependency},
		{"uninitialized account", errors.New(`{"InstructionError":[1,"UninitializedAccount"]}`), CodeDependency},
		{"custom program error", errors.New("custom program error: 0x1771"), CodeLedger},
		{"insufficient funds", errors.New("insufficient funds for rent"), CodeLedger},
		{"landed failure at slot with 503", &solana.TransactionError{Slot: 254290503, Message: `{"InstructionError":[0,{"Custom":6002}]}`}, CodeLedger},
		{"landed failure at slot with 429", &solana.TransactionError{Slot: 3429001, Message: `{"InstructionError":[0,{"Custom":6002}]}`}, CodeLedger},
		{"landed failure with timeout text", &solana.TransactionError{Slot: 7, Message: "custom program error: timeout"}, CodeLedger},
		{"landed missing account", &solana.TransactionError{Slot: 254290503, Message: `{"InstructionError":[1,"UninitializedAccount"]}`}, CodeDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestCodeRetryable(t *testing.T) {
	assert.True(t, CodeTransient.Retryable())
	for _, c := range []Code{CodeValidation, CodeSizing, CodeDependency, CodeLedger} {
		assert.False(t, c.Retryable(), c)
	}
}

func TestOperationError(t *testing.T) {
	err := &OperationError{OperationID: "op-1", Code: CodeSizing, Err: ErrOperationTooLarge}
	assert.ErrorIs(t, err, ErrOperationTooLarge)
	assert.Contains(t, err.Error(), "op-1")
	assert.Contains(t, err.Error(), "sizing")
}

func TestClassify_LandedFailureIgnoresSignatureAndSlot(t *testing.T) {
	sig := solanago.SignatureFromBytes(make([]byte, 64))
	for _, slot := range []uint64{12345, 254290503, 3429001} {
		err := confirmationError(sig, solana.Confirmation{
			Status: solana.StatusFailed,
			Slot:   slot,
			Err:    `{"InstructionError":[0,{"Custom":6002}]}`,
		}, nil)
		assert.Equal(t, CodeLedger, classify(err), "slot %d", slot)
		assert.False(t, classify(err).Retryable())
	}
}
