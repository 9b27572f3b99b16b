package address

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Default program IDs for the bonding-curve and constant-product pool programs.
var (
	DefaultCurveProgramID = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	DefaultPoolProgramID  = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")
)

// Seeds used by the curve and pool programs.
var (
	seedGlobal         = []byte("global")
	seedBondingCurve   = []byte("bonding-curve")
	seedFeeVault       = []byte("fee-vault")
	seedEventAuthority = []byte("__event_authority")
	seedPoolAuthority  = []byte("pool-authority")
)

// ErrDerivation is returned when no valid program address exists for the seeds.
var ErrDerivation = errors.New("address derivation failed")

// Resolver derives deterministic program-owned addresses from public seeds.
// All methods are pure: the same inputs always produce the same address and
// no network access is performed.
type Resolver struct {
	CurveProgramID solana.PublicKey
	PoolProgramID  solana.PublicKey
}

// NewResolver creates a Resolver for the given programs.
// Zero program IDs fall back to the defaults.
func NewResolver(curveProgramID, poolProgramID solana.PublicKey) *Resolver {
	if curveProgramID.IsZero() {
		curveProgramID = DefaultCurveProgramID
	}
	if poolProgramID.IsZero() {
		poolProgramID = DefaultPoolProgramID
	}
	return &Resolver{
		CurveProgramID: curveProgramID,
		PoolProgramID:  poolProgramID,
	}
}

// Derive finds the canonical program address for seeds under programID.
func (r *Resolver) Derive(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: program %s: %v", ErrDerivation, programID, err)
	}
	return addr, nil
}

// AssociatedTokenAccount returns the associated token account holding mint for owner.
func (r *Resolver) AssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: ata for owner %s mint %s: %v", ErrDerivation, owner, mint, err)
	}
	return ata, nil
}

// CurveGlobal returns the curve program's global configuration account.
func (r *Resolver) CurveGlobal() (solana.PublicKey, error) {
	return r.Derive(r.CurveProgramID, seedGlobal)
}

// BondingCurve returns the bonding-curve state account for mint.
func (r *Resolver) BondingCurve(mint solana.PublicKey) (solana.PublicKey, error) {
	return r.Derive(r.CurveProgramID, seedBondingCurve, mint.Bytes())
}

// CurveVault returns the token account owned by the bonding curve for mint.
func (r *Resolver) CurveVault(mint solana.PublicKey) (solana.PublicKey, error) {
	curve, err := r.BondingCurve(mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return r.AssociatedTokenAccount(curve, mint)
}

// CurveFeeVault returns the account collecting curve trading fees.
func (r *Resolver) CurveFeeVault() (solana.PublicKey, error) {
	return r.Derive(r.CurveProgramID, seedFeeVault)
}

// CurveEventAuthority returns the curve program's event authority.
func (r *Resolver) CurveEventAuthority() (solana.PublicKey, error) {
	return r.Derive(r.CurveProgramID, seedEventAuthority)
}

// PoolAuthority returns the signing authority of pool's vaults.
func (r *Resolver) PoolAuthority(pool solana.PublicKey) (solana.PublicKey, error) {
	return r.Derive(r.PoolProgramID, seedPoolAuthority, pool.Bytes())
}
