package batch

import (
	"errors"

	"github.com/brojonat/batchtx/service/instructions"
)

// SubmissionResult is the terminal outcome of one operation.
// Operations packed together share a signature unless the transaction was
// decomposed after failing.
type SubmissionResult struct {
	OperationID string                     `json:"operation_id"`
	Type        instructions.OperationType `json:"type"`
	Success     bool                       `json:"success"`
	Signature   string                     `json:"signature,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Code        Code                       `json:"code,omitempty"`
	Attempts    int                        `json:"attempts"`
}

func failure(err error, attempts int) SubmissionResult {
	return SubmissionResult{
		Success:  false,
		Error:    err.Error(),
		Code:     classify(err),
		Attempts: attempts,
	}
}

// fanOut copies a transaction-level result to each of its operations.
func fanOut(ptx *PackedTransaction, res SubmissionResult) []SubmissionResult {
	out := make([]SubmissionResult, 0, len(ptx.OperationIDs))
	for _, id := range ptx.OperationIDs {
		r := res
		r.OperationID = id
		out = append(out, r)
	}
	return out
}

var errNotExecuted = errors.New("operation was not executed")

// aggregate returns exactly one result per input operation in input order.
func aggregate(plan *Plan, executed [][]SubmissionResult) []SubmissionResult {
	byID := make(map[string]SubmissionResult, len(plan.order))
	for _, opErr := range plan.Rejected {
		res := failure(opErr.Err, 0)
		res.OperationID = opErr.OperationID
		res.Code = opErr.Code
		byID[opErr.OperationID] = res
	}
	for _, results := range executed {
		for _, res := range results {
			byID[res.OperationID] = res
		}
	}

	out := make([]SubmissionResult, 0, len(plan.order))
	for _, op := range plan.order {
		res, ok := byID[op.id]
		if !ok {
			res = failure(errNotExecuted, 0)
			res.OperationID = op.id
			res.Code = CodeLedger
		}
		res.Type = op.typ
		out = append(out, res)
	}
	return out
}

// Summary counts successes and failures.
func Summary(results []SubmissionResult) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
