package batch

import (
	"fmt"

	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// buildTransaction signs ptx against cp and stores the wire bytes on it.
// Rebuilding with a newer checkpoint replaces the previous bytes.
func buildTransaction(ptx *PackedTransaction, cp solana.Checkpoint, signers SignerSource) error {
	tx, err := solanago.NewTransaction(ptx.Instructions(), cp.Blockhash, solanago.TransactionPayer(ptx.FeePayer))
	if err != nil {
		return fmt.Errorf("new transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		return signers.Signer(key)
	}); err != nil {
		return fmt.Errorf("%w: sign transaction: %v", ErrUnknownSigner, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize transaction: %w", err)
	}

	ptx.raw = raw
	ptx.Size = len(raw)
	ptx.Checkpoint = cp
	return nil
}
