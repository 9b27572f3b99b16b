package instructions

import (
	"context"

	"github.com/brojonat/batchtx/service/address"
	solanago "github.com/gagliardetto/solana-go"
)

// createIdempotent is the associated token program instruction index that
// succeeds when the account already exists.
const createIdempotent = 1

// ProvisionUnit returns a unit that creates owner's associated token account
// for mint, funded by payer. Repeating it is harmless.
func ProvisionUnit(r *address.Resolver, payer, owner, mint solanago.PublicKey, operationIDs ...string) (Unit, error) {
	ata, err := r.AssociatedTokenAccount(owner, mint)
	if err != nil {
		return Unit{}, err
	}

	ix := solanago.NewInstruction(
		solanago.SPLAssociatedTokenAccountProgramID,
		solanago.AccountMetaSlice{
			solanago.NewAccountMeta(payer, true, true),
			solanago.NewAccountMeta(ata, true, false),
			solanago.NewAccountMeta(owner, false, false),
			solanago.NewAccountMeta(mint, false, false),
			solanago.NewAccountMeta(solanago.SystemProgramID, false, false),
			solanago.NewAccountMeta(solanago.TokenProgramID, false, false),
		},
		[]byte{createIdempotent},
	)

	return Unit{
		OperationIDs: append([]string(nil), operationIDs...),
		Kind:         KindProvision,
		Instructions: []solanago.Instruction{ix},
		Signers:      []solanago.PublicKey{payer},
		Provides:     &ata,
	}, nil
}

func (b *Builder) accountProvision(ctx context.Context, req Request) (Output, error) {
	p, err := paramsAs[AccountProvisionParams](req.Params)
	if err != nil {
		return Output{}, err
	}
	owner := req.Sender
	if p.Owner != "" {
		if owner, err = parseKey("owner", p.Owner); err != nil {
			return Output{}, err
		}
	}
	mint, err := parseKey("mint", p.Mint)
	if err != nil {
		return Output{}, err
	}

	unit, err := ProvisionUnit(b.resolver, req.RentPayer, owner, mint, req.OperationID)
	if err != nil {
		return Output{}, err
	}
	return Output{Units: []Unit{unit}}, nil
}
