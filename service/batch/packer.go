package batch

import (
	"fmt"

	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// compact-u16 lengths take at most three bytes.
const maxCompactLen = 3

// PackedTransaction is an ordered group of units submitted atomically.
type PackedTransaction struct {
	OperationIDs []string
	FeePayer     solanago.PublicKey
	Signers      []solanago.PublicKey
	Units        []instructions.Unit
	// EstimatedSize is the size the packer accounted for; Size is the
	// serialized length once built and signed.
	EstimatedSize int
	Size          int
	Checkpoint    solana.Checkpoint

	segments []segment
	raw      []byte
}

// Instructions returns the transaction's instructions in execution order.
func (p *PackedTransaction) Instructions() []solanago.Instruction {
	var out []solanago.Instruction
	for _, u := range p.Units {
		out = append(out, u.Instructions...)
	}
	return out
}

func newPackedTransaction(payer solanago.PublicKey, segs []segment, size int) *PackedTransaction {
	units := layout(segs)
	ids := make([]string, 0, len(segs))
	for _, s := range segs {
		ids = append(ids, s.opID)
	}
	return &PackedTransaction{
		OperationIDs:  ids,
		FeePayer:      payer,
		Signers:       signerSet(payer, units),
		Units:         units,
		EstimatedSize: size,
		segments:      append([]segment(nil), segs...),
	}
}

// packer partitions segments into transactions with greedy first-fit,
// preserving operation order.
type packer struct {
	maxInstructions int
	dynamic         bool
}

// pack returns the packed transactions and an error for every segment that
// cannot fit in a transaction on its own.
func (p packer) pack(segs []segment) ([]*PackedTransaction, []*OperationError) {
	var (
		txs      []*PackedTransaction
		rejected []*OperationError
		cur      []segment
		curSize  int
	)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		txs = append(txs, newPackedTransaction(cur[0].payer, cur, curSize))
		cur, curSize = nil, 0
	}

	for _, seg := range segs {
		alone, err := p.fitAlone(seg)
		if err != nil {
			rejected = append(rejected, &OperationError{OperationID: seg.opID, Code: CodeSizing, Err: err})
			continue
		}

		if len(cur) > 0 && cur[0].payer == seg.payer {
			if size, ok := p.fits(append(cur[:len(cur):len(cur)], seg)); ok {
				cur = append(cur, seg)
				curSize = size
				continue
			}
		}
		flush()
		cur = []segment{seg}
		curSize = alone
	}
	flush()
	return txs, rejected
}

// fitAlone checks a segment against the limits using its exact size and
// returns the size the packer accounts for it.
func (p packer) fitAlone(seg segment) (int, error) {
	if n := seg.instructionCount(); n > p.maxInstructions {
		return 0, fmt.Errorf("%w: %d instructions, limit %d", ErrOperationTooLarge, n, p.maxInstructions)
	}
	units := layout([]segment{seg})
	exact, err := exactSize(seg.payer, units)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOperationTooLarge, err)
	}
	if exact > MaxTransactionSize {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrOperationTooLarge, exact, MaxTransactionSize)
	}
	if p.dynamic {
		return exact, nil
	}
	est, err := estimateSize(seg.payer, units)
	if err != nil || est > MaxTransactionSize {
		return exact, nil
	}
	return est, nil
}

// fits reports whether the candidate segments fit in one transaction.
func (p packer) fits(candidate []segment) (int, bool) {
	units := layout(candidate)
	count := 0
	for _, u := range units {
		count += len(u.Instructions)
	}
	if count > p.maxInstructions {
		return 0, false
	}

	payer := candidate[0].payer
	var (
		size int
		err  error
	)
	if p.dynamic {
		size, err = exactSize(payer, units)
	} else {
		size, err = estimateSize(payer, units)
	}
	if err != nil || size > MaxTransactionSize {
		return 0, false
	}
	return size, true
}

// exactSize is the serialized size of a signed transaction with these units.
func exactSize(payer solanago.PublicKey, units []instructions.Unit) (int, error) {
	var ixs []solanago.Instruction
	for _, u := range units {
		ixs = append(ixs, u.Instructions...)
	}
	tx, err := solanago.NewTransaction(ixs, solanago.Hash{}, solanago.TransactionPayer(payer))
	if err != nil {
		return 0, err
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, err
	}
	sigs := int(tx.Message.Header.NumRequiredSignatures)
	return compactLen(sigs) + 64*sigs + len(msg), nil
}

// estimateSize is an upper bound on exactSize computed without serializing:
// every length prefix is counted at its widest.
func estimateSize(payer solanago.PublicKey, units []instructions.Unit) (int, error) {
	keys := map[solanago.PublicKey]struct{}{payer: {}}
	signers := map[solanago.PublicKey]struct{}{payer: {}}
	ixBytes := 0

	for _, u := range units {
		for _, s := range u.Signers {
			keys[s] = struct{}{}
			signers[s] = struct{}{}
		}
		for _, ix := range u.Instructions {
			keys[ix.ProgramID()] = struct{}{}
			accounts := ix.Accounts()
			for _, acc := range accounts {
				keys[acc.PublicKey] = struct{}{}
				if acc.IsSigner {
					signers[acc.PublicKey] = struct{}{}
				}
			}
			data, err := ix.Data()
			if err != nil {
				return 0, err
			}
			ixBytes += 1 + maxCompactLen + len(accounts) + maxCompactLen + len(data)
		}
	}

	const header = 3
	const blockhash = 32
	return maxCompactLen + 64*len(signers) +
		header + maxCompactLen + 32*len(keys) + blockhash +
		maxCompactLen + ixBytes, nil
}

// compactLen is the encoded length of n as a compact-u16.
func compactLen(n int) int {
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	default:
		return 3
	}
}
