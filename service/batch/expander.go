package batch

import (
	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/instructions"
	solanago "github.com/gagliardetto/solana-go"
)

// segment is everything one operation contributes to a transaction: the
// accounts it needs created and the units that do its work. A segment is
// never split across transactions.
type segment struct {
	opID   string
	opType instructions.OperationType
	payer  solanago.PublicKey

	provisions []instructions.Unit
	units      []instructions.Unit
}

// instructionCount is the number of instructions the segment would add to
// an empty transaction.
func (s segment) instructionCount() int {
	n := 0
	for _, u := range s.provisions {
		n += len(u.Instructions)
	}
	for _, u := range s.units {
		n += len(u.Instructions)
	}
	return n
}

// expand turns a builder output into a segment, synthesizing a provisioning
// unit for every required account the operation does not create itself.
// Synthesized units carry the consuming operation's id and are funded by
// the transaction payer.
func expand(
	resolver *address.Resolver,
	opID string,
	opType instructions.OperationType,
	payer solanago.PublicKey,
	out instructions.Output,
) (segment, error) {
	seg := segment{opID: opID, opType: opType, payer: payer}

	provided := make(map[solanago.PublicKey]struct{})
	for _, u := range out.Units {
		if u.Kind == instructions.KindProvision {
			seg.provisions = append(seg.provisions, u)
			if u.Provides != nil {
				provided[*u.Provides] = struct{}{}
			}
			continue
		}
		seg.units = append(seg.units, u)
	}

	for _, req := range out.Requirements {
		if _, ok := provided[req.Address]; ok {
			continue
		}
		unit, err := instructions.ProvisionUnit(resolver, payer, req.Owner, req.Mint, opID)
		if err != nil {
			return segment{}, err
		}
		seg.provisions = append(seg.provisions, unit)
		provided[req.Address] = struct{}{}
	}
	return seg, nil
}

// layout orders the units of a transaction: every provisioning unit first,
// deduplicated by the account it creates with operation ids merged, then the
// consuming units in operation order. Provisioning units that create the
// same account are interchangeable, so the first one is kept.
func layout(segs []segment) []instructions.Unit {
	var provisions, consumers []instructions.Unit
	index := make(map[solanago.PublicKey]int)

	for _, seg := range segs {
		for _, u := range seg.provisions {
			if u.Provides == nil {
				provisions = append(provisions, u)
				continue
			}
			if i, ok := index[*u.Provides]; ok {
				provisions[i] = provisions[i].WithOperationIDs(mergeIDs(provisions[i].OperationIDs, u.OperationIDs)...)
				continue
			}
			index[*u.Provides] = len(provisions)
			provisions = append(provisions, u)
		}
		consumers = append(consumers, seg.units...)
	}
	return append(provisions, consumers...)
}

func mergeIDs(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		found := false
		for _, have := range out {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}
