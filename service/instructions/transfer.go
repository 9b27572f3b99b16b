package instructions

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// mintAccountSize is the size of an SPL token mint account.
const mintAccountSize = 82

// mintDecimalsOffset is the byte offset of the decimals field in a mint account.
const mintDecimalsOffset = 44

func (b *Builder) valueTransfer(ctx context.Context, req Request) (Output, error) {
	p, err := paramsAs[ValueTransferParams](req.Params)
	if err != nil {
		return Output{}, err
	}
	recipient, err := parseKey("recipient", p.Recipient)
	if err != nil {
		return Output{}, err
	}
	if err := checkAmount(p.Amount); err != nil {
		return Output{}, err
	}

	ix := system.NewTransferInstruction(p.Amount, req.Sender, recipient).Build()
	return Output{
		Units: []Unit{{
			OperationIDs: []string{req.OperationID},
			Kind:         KindConsume,
			Instructions: []solanago.Instruction{ix},
			Signers:      []solanago.PublicKey{req.Sender},
		}},
	}, nil
}

func (b *Builder) tokenTransfer(ctx context.Context, req Request) (Output, error) {
	p, err := paramsAs[TokenTransferParams](req.Params)
	if err != nil {
		return Output{}, err
	}
	recipient, err := parseKey("recipient", p.Recipient)
	if err != nil {
		return Output{}, err
	}
	mint, err := parseKey("mint", p.Mint)
	if err != nil {
		return Output{}, err
	}
	if err := checkAmount(p.Amount); err != nil {
		return Output{}, err
	}

	decimals, err := b.mintDecimals(ctx, mint)
	if err != nil {
		return Output{}, err
	}

	source, err := b.resolver.AssociatedTokenAccount(req.Sender, mint)
	if err != nil {
		return Output{}, err
	}
	destination, err := b.resolver.AssociatedTokenAccount(recipient, mint)
	if err != nil {
		return Output{}, err
	}

	ix := token.NewTransferCheckedInstruction(
		p.Amount,
		decimals,
		source,
		mint,
		destination,
		req.Sender,
		nil,
	).Build()

	out := Output{
		Units: []Unit{{
			OperationIDs: []string{req.OperationID},
			Kind:         KindConsume,
			Instructions: []solanago.Instruction{ix},
			Signers:      []solanago.PublicKey{req.Sender},
		}},
	}
	if !p.AssumeExisting {
		out.Requirements = []Requirement{{Address: destination, Owner: recipient, Mint: mint}}
	}
	return out, nil
}

// mintDecimals reads the decimals field of a mint account.
func (b *Builder) mintDecimals(ctx context.Context, mint solanago.PublicKey) (uint8, error) {
	data, err := b.readAccount(ctx, mint, "mint")
	if err != nil {
		return 0, err
	}
	if len(data) < mintAccountSize {
		return 0, fmt.Errorf("%w: mint %s: account is %d bytes, not a mint", ErrInvalidReference, mint, len(data))
	}
	return data[mintDecimalsOffset], nil
}

// readAccount fetches account data, mapping a missing account to ErrInvalidReference.
func (b *Builder) readAccount(ctx context.Context, addr solanago.PublicKey, what string) ([]byte, error) {
	if b.reader == nil {
		return nil, fmt.Errorf("%w: %s %s: no account reader configured", ErrInvalidReference, what, addr)
	}
	data, err := b.reader.GetAccountData(ctx, addr)
	if errors.Is(err, solana.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s %s does not exist", ErrInvalidReference, what, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", what, addr, err)
	}
	return data, nil
}
