package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/brojonat/batchtx/client"
	"github.com/brojonat/batchtx/service/batch"
	solanago "github.com/gagliardetto/solana-go"
)

type runOutput struct {
	BatchID   string                   `json:"batch_id"`
	Results   []batch.SubmissionResult `json:"results"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
}

type planTransaction struct {
	Index         int      `json:"index"`
	OperationIDs  []string `json:"operation_ids"`
	FeePayer      string   `json:"fee_payer"`
	Signers       []string `json:"signers"`
	Instructions  int      `json:"instructions"`
	EstimatedSize int      `json:"estimated_size"`
	Size          int      `json:"size,omitempty"`
	Blockhash     string   `json:"blockhash,omitempty"`
}

type planRejection struct {
	OperationID string `json:"operation_id"`
	Code        string `json:"code"`
	Error       string `json:"error"`
}

type planOutput struct {
	BatchID      string            `json:"batch_id"`
	Operations   int               `json:"operations"`
	Transactions []planTransaction `json:"transactions"`
	Rejected     []planRejection   `json:"rejected"`
}

func newPlanOutput(plan *batch.Plan) planOutput {
	out := planOutput{
		BatchID:      plan.ID,
		Operations:   plan.OperationCount(),
		Transactions: make([]planTransaction, len(plan.Transactions)),
		Rejected:     make([]planRejection, len(plan.Rejected)),
	}
	for i, ptx := range plan.Transactions {
		signers := make([]string, len(ptx.Signers))
		for j, s := range ptx.Signers {
			signers[j] = s.String()
		}
		tx := planTransaction{
			Index:         i,
			OperationIDs:  ptx.OperationIDs,
			FeePayer:      ptx.FeePayer.String(),
			Signers:       signers,
			Instructions:  len(ptx.Instructions()),
			EstimatedSize: ptx.EstimatedSize,
			Size:          ptx.Size,
		}
		if ptx.Checkpoint.Blockhash != (solanago.Hash{}) {
			tx.Blockhash = ptx.Checkpoint.Blockhash.String()
		}
		out.Transactions[i] = tx
	}
	for i, r := range plan.Rejected {
		out.Rejected[i] = planRejection{OperationID: r.OperationID, Code: string(r.Code), Error: r.Err.Error()}
	}
	return out
}

// resultRow is the common shape of local and remote results. Its fields
// mirror client.Result so one converts to the other.
type resultRow struct {
	OperationID string
	Type        string
	Success     bool
	Signature   string
	Error       string
	Code        string
	Attempts    int
}

func printResults(w io.Writer, out runOutput) {
	rows := make([]resultRow, len(out.Results))
	for i, r := range out.Results {
		rows[i] = resultRow{
			OperationID: r.OperationID,
			Type:        string(r.Type),
			Success:     r.Success,
			Signature:   r.Signature,
			Error:       r.Error,
			Code:        string(r.Code),
			Attempts:    r.Attempts,
		}
	}
	fmt.Fprintf(w, "Batch %s: %d succeeded, %d failed\n\n", out.BatchID, out.Succeeded, out.Failed)
	printRows(w, rows)
}

func printBatch(w io.Writer, b *client.Batch) {
	rows := make([]resultRow, len(b.Results))
	for i, r := range b.Results {
		rows[i] = resultRow(r)
	}
	fmt.Fprintf(w, "Batch %s (%s): %d succeeded, %d failed\n", b.BatchID, b.Status, b.Succeeded, b.Failed)
	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(w)
	printRows(w, rows)
}

func printRows(w io.Writer, rows []resultRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tTYPE\tSTATUS\tATTEMPTS\tSIGNATURE / ERROR")
	for _, r := range rows {
		status, detail := "ok", r.Signature
		if !r.Success {
			status = "failed (" + r.Code + ")"
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.OperationID, r.Type, status, r.Attempts, detail)
	}
	tw.Flush()
}

func printPlan(w io.Writer, out planOutput) {
	fmt.Fprintf(w, "Batch %s: %d operations in %d transactions, %d rejected\n\n",
		out.BatchID, out.Operations, len(out.Transactions), len(out.Rejected))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TX\tOPERATIONS\tINSTRUCTIONS\tSIGNERS\tSIZE")
	for _, tx := range out.Transactions {
		size := tx.Size
		if size == 0 {
			size = tx.EstimatedSize
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n", tx.Index, strings.Join(tx.OperationIDs, ","), tx.Instructions, len(tx.Signers), size)
	}
	tw.Flush()

	if len(out.Rejected) > 0 {
		fmt.Fprintln(w, "\nRejected:")
		for _, r := range out.Rejected {
			fmt.Fprintf(w, "  %s [%s] %s\n", r.OperationID, r.Code, r.Error)
		}
	}
}
