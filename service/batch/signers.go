package batch

import (
	"fmt"

	"github.com/brojonat/batchtx/service/instructions"
	solanago "github.com/gagliardetto/solana-go"
)

// SignerSource supplies private keys for signing. *keys.Keyring satisfies it.
type SignerSource interface {
	Signer(pub solanago.PublicKey) *solanago.PrivateKey
}

// payerFor returns who pays for a transaction containing sender's operation.
// The payer also funds accounts created for the operation, so provisioning
// never adds a signer to the transaction.
func payerFor(opts Options, sender solanago.PublicKey) solanago.PublicKey {
	if payer, ok := opts.feePayer(); ok {
		return payer
	}
	return sender
}

// signerSet returns the fee payer followed by every distinct unit signer in
// order of appearance. The fee payer is counted once even if it also signs
// for a unit.
func signerSet(payer solanago.PublicKey, units []instructions.Unit) []solanago.PublicKey {
	out := []solanago.PublicKey{payer}
	seen := map[solanago.PublicKey]struct{}{payer: {}}
	for _, u := range units {
		for _, s := range u.Signers {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// requireKey fails with ErrUnknownSigner when source cannot sign for pub.
func requireKey(source SignerSource, pub solanago.PublicKey) error {
	if source == nil || source.Signer(pub) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, pub)
	}
	return nil
}
