package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var (
	// ErrUnknownKey is returned when a key reference cannot be resolved.
	ErrUnknownKey = errors.New("unknown signer key")

	// ErrInvalidKey is returned when secret key material is malformed.
	ErrInvalidKey = errors.New("invalid secret key")
)

// Keyring holds named signing keys available to a batch.
// Keys are looked up by name or by base58 public key.
type Keyring struct {
	byName   map[string]solana.PrivateKey
	byPublic map[solana.PublicKey]solana.PrivateKey
	names    []string
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		byName:   make(map[string]solana.PrivateKey),
		byPublic: make(map[solana.PublicKey]solana.PrivateKey),
	}
}

// Add registers key under name. Re-adding a name replaces the key.
func (k *Keyring) Add(name string, key solana.PrivateKey) {
	if _, exists := k.byName[name]; !exists {
		k.names = append(k.names, name)
	}
	k.byName[name] = key
	k.byPublic[key.PublicKey()] = key
}

// Names returns key names in insertion order.
func (k *Keyring) Names() []string {
	out := make([]string, len(k.names))
	copy(out, k.names)
	return out
}

// Len returns the number of named keys.
func (k *Keyring) Len() int {
	return len(k.names)
}

// Lookup resolves ref as a key name first, then as a base58 public key.
func (k *Keyring) Lookup(ref string) (solana.PrivateKey, error) {
	if key, ok := k.byName[ref]; ok {
		return key, nil
	}
	if pub, err := solana.PublicKeyFromBase58(ref); err == nil {
		if key, ok := k.byPublic[pub]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, ref)
}

// Signer returns the private key for pub, or nil when the keyring does not hold it.
// Its signature matches the getter expected by solana.Transaction.Sign.
func (k *Keyring) Signer(pub solana.PublicKey) *solana.PrivateKey {
	key, ok := k.byPublic[pub]
	if !ok {
		return nil
	}
	return &key
}

// DecodePrivateKey decodes a base58 encoded 64-byte ed25519 secret key.
func DecodePrivateKey(encoded string) (solana.PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// ParseKeyring parses "name=base58secret" pairs separated by commas.
// An empty value yields an empty keyring.
func ParseKeyring(value string) (*Keyring, error) {
	kr := NewKeyring()
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, secret, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: entry %q must be name=secret", ErrInvalidKey, entry)
		}
		key, err := DecodePrivateKey(secret)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		kr.Add(name, key)
	}
	return kr, nil
}
