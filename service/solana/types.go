package solana

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrAccountNotFound is returned when an account does not exist on the ledger.
	ErrAccountNotFound = errors.New("account not found")
	// ErrConfirmationTimeout is returned when a signature neither settles nor
	// expires within the confirmation timeout.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
	// ErrCheckpointExpired is returned when a transaction's blockhash is no
	// longer valid and it can never land.
	ErrCheckpointExpired = errors.New("checkpoint expired")
	// ErrRateLimited marks RPC errors caused by provider rate limiting (HTTP 429).
	ErrRateLimited = errors.New("rpc rate limited")
	// ErrTransactionFailed is the sentinel wrapped by every *TransactionError.
	ErrTransactionFailed = errors.New("transaction failed")
)

// Checkpoint is the recent blockhash a transaction is built against and the
// block height after which it can no longer be included.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// NewerThan reports whether c was fetched after other and carries a
// different blockhash, so a transaction rebuilt against it has new bytes.
func (c Checkpoint) NewerThan(other Checkpoint) bool {
	if c.Blockhash == other.Blockhash {
		return false
	}
	if c.LastValidBlockHeight != other.LastValidBlockHeight {
		return c.LastValidBlockHeight > other.LastValidBlockHeight
	}
	return c.FetchedAt.After(other.FetchedAt)
}

// ConfirmationStatus is the terminal state of a submitted transaction.
type ConfirmationStatus string

const (
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
	StatusExpired   ConfirmationStatus = "expired"
)

// Confirmation is what Confirm observed for a signature.
type Confirmation struct {
	Status ConfirmationStatus
	Slot   uint64
	Err    string // ledger error payload for StatusFailed
}

// TransactionError is a ledger-level execution failure of a landed transaction.
type TransactionError struct {
	Signature solana.Signature
	Slot      uint64
	Message   string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed at slot %d: %s", e.Signature, e.Slot, e.Message)
}

func (e *TransactionError) Unwrap() error { return ErrTransactionFailed }
