package batch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/solana"
)

// ErrOperationTooLarge is returned for an operation that cannot fit in a
// transaction even on its own.
var ErrOperationTooLarge = errors.New("operation exceeds transaction limits")

// Code classifies a failure.
type Code string

const (
	CodeValidation Code = "validation"
	CodeSizing     Code = "sizing"
	CodeDependency Code = "dependency"
	CodeTransient  Code = "transient"
	CodeLedger     Code = "ledger"
)

// Retryable reports whether a same-transaction retry may succeed.
func (c Code) Retryable() bool {
	return c == CodeTransient
}

// OperationError is a failure attributed to a single operation.
type OperationError struct {
	OperationID string
	Code        Code
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q: %s: %v", e.OperationID, e.Code, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// messageRules maps RPC and ledger error text to a class. Checked in order.
var messageRules = []struct {
	substr string
	code   Code
}{
	{"accountnotfound", CodeDependency},
	{"account not found", CodeDependency},
	{"could not find account", CodeDependency},
	{"accountnotinitialized", CodeDependency},
	{"uninitializedaccount", CodeDependency},
	{"invalidaccountdata", CodeDependency},
	{"found no record of a prior credit", CodeDependency},
	{"blockhash not found", CodeTransient},
	{"blockhashnotfound", CodeTransient},
	{"block height exceeded", CodeTransient},
	{"too many requests", CodeTransient},
	{"service unavailable", CodeTransient},
	{"node is behind", CodeTransient},
	{"timed out", CodeTransient},
	{"timeout", CodeTransient},
	{"connection refused", CodeTransient},
	{"connection reset", CodeTransient},
	{"unexpected eof", CodeTransient},
}

// classify maps any error produced while building or running a batch to
// its class. It is the only place retry decisions are derived from.
func classify(err error) Code {
	if err == nil {
		return ""
	}

	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Code != "" {
		return opErr.Code
	}

	switch {
	case errors.Is(err, instructions.ErrInvalidAmount),
		errors.Is(err, instructions.ErrInvalidParams),
		errors.Is(err, instructions.ErrInvalidSlippage),
		errors.Is(err, instructions.ErrInvalidReference),
		errors.Is(err, instructions.ErrUnknownType),
		errors.Is(err, ErrUnknownSigner):
		return CodeValidation
	case errors.Is(err, ErrOperationTooLarge):
		return CodeSizing
	case errors.Is(err, solana.ErrAccountNotFound):
		return CodeDependency
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, solana.ErrConfirmationTimeout),
		errors.Is(err, solana.ErrCheckpointExpired),
		errors.Is(err, solana.ErrRateLimited):
		return CodeTransient
	}

	// A landed transaction failed on the ledger. Only its error payload is
	// inspected, since the signature and slot can contain any digits.
	var txErr *solana.TransactionError
	if errors.As(err, &txErr) {
		if matchMessage(txErr.Message) == CodeDependency {
			return CodeDependency
		}
		return CodeLedger
	}

	if code := matchMessage(err.Error()); code != "" {
		return code
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeTransient
	}
	return CodeLedger
}

func matchMessage(text string) Code {
	msg := strings.ToLower(text)
	for _, rule := range messageRules {
		if strings.Contains(msg, rule.substr) {
			return rule.code
		}
	}
	return ""
}
