package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/batchtx/service/instructions"
	solanago "github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is returned for batch documents that cannot be decoded.
var ErrInvalidDocument = errors.New("invalid batch document")

// KeyResolver maps a key reference (name or base58 public key) to a key.
// *keys.Keyring satisfies it.
type KeyResolver interface {
	Lookup(ref string) (solanago.PrivateKey, error)
}

// Document is a batch request as written in YAML or JSON.
type Document struct {
	DefaultSigner string              `yaml:"default_signer,omitempty"`
	FeePayer      string              `yaml:"fee_payer,omitempty"`
	Options       DocumentOptions     `yaml:"options,omitempty"`
	Operations    []DocumentOperation `yaml:"operations"`
}

// DocumentOptions overrides the configured batch options. Unset fields keep
// their configured value.
type DocumentOptions struct {
	MaxParallel          *int           `yaml:"max_parallel,omitempty"`
	DelayBetween         *time.Duration `yaml:"delay_between,omitempty"`
	DelayBetweenMs       *int           `yaml:"delay_between_ms,omitempty"`
	RetryFailed          *bool          `yaml:"retry_failed,omitempty"`
	DisableFallbackRetry *bool          `yaml:"disable_fallback_retry,omitempty"`
	DynamicBatching      *bool          `yaml:"dynamic_batching,omitempty"`
	MaxRetries           *int           `yaml:"max_retries,omitempty"`
	MaxInstructions      *int           `yaml:"max_instructions,omitempty"`
}

// DocumentOperation is one operation entry. Params are decoded according to Type.
type DocumentOperation struct {
	ID     string                     `yaml:"id"`
	Type   instructions.OperationType `yaml:"type"`
	Sender string                     `yaml:"sender,omitempty"`
	Params yaml.Node                  `yaml:"params"`
}

var paramDecoders = map[instructions.OperationType]func(*yaml.Node) (any, error){
	instructions.TypeValueTransfer:    decodeParams[instructions.ValueTransferParams],
	instructions.TypeTokenTransfer:    decodeParams[instructions.TokenTransferParams],
	instructions.TypeAccountProvision: decodeParams[instructions.AccountProvisionParams],
	instructions.TypeMarketBuyCurve:   decodeParams[instructions.CurveTradeParams],
	instructions.TypeMarketSellCurve:  decodeParams[instructions.CurveTradeParams],
	instructions.TypeMarketBuyPool:    decodeParams[instructions.PoolTradeParams],
	instructions.TypeMarketSellPool:   decodeParams[instructions.PoolTradeParams],
}

func decodeParams[T any](node *yaml.Node) (any, error) {
	var p T
	if node.Kind == 0 {
		return p, nil
	}
	if err := node.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseDocument decodes a YAML or JSON batch document into operations and
// the options to run them with, starting from base.
func ParseDocument(data []byte, keys KeyResolver, base Options) ([]Operation, Options, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, base, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc.Resolve(keys, base)
}

// Resolve converts the document into operations and options.
func (d Document) Resolve(keys KeyResolver, base Options) ([]Operation, Options, error) {
	if d.Options.DelayBetween != nil && d.Options.DelayBetweenMs != nil {
		return nil, base, fmt.Errorf("%w: delay_between and delay_between_ms are mutually exclusive", ErrInvalidDocument)
	}
	opts := d.Options.apply(base)

	if d.DefaultSigner != "" {
		ref, err := resolveRef(keys, d.DefaultSigner)
		if err != nil {
			return nil, opts, fmt.Errorf("%w: default_signer: %v", ErrInvalidDocument, err)
		}
		opts.DefaultSigner = ref.Resolve(solanago.PublicKey{})
	}
	if d.FeePayer != "" {
		ref, err := resolveRef(keys, d.FeePayer)
		if err != nil {
			return nil, opts, fmt.Errorf("%w: fee_payer: %v", ErrInvalidDocument, err)
		}
		opts.FeePayer = &ref
	}

	ops := make([]Operation, 0, len(d.Operations))
	for i, entry := range d.Operations {
		decode, ok := paramDecoders[entry.Type]
		if !ok {
			return nil, opts, fmt.Errorf("%w: operation %d (%q): %w", ErrInvalidDocument, i, entry.ID, instructions.ErrUnknownType)
		}
		params, err := decode(&entry.Params)
		if err != nil {
			return nil, opts, fmt.Errorf("%w: operation %d (%q) params: %v", ErrInvalidDocument, i, entry.ID, err)
		}

		sender := DefaultSigner()
		if entry.Sender != "" {
			if sender, err = resolveRef(keys, entry.Sender); err != nil {
				return nil, opts, fmt.Errorf("%w: operation %d (%q) sender: %v", ErrInvalidDocument, i, entry.ID, err)
			}
		}

		ops = append(ops, Operation{
			ID:     entry.ID,
			Type:   entry.Type,
			Sender: sender,
			Params: params,
		})
	}
	return ops, opts, nil
}

func (o DocumentOptions) apply(base Options) Options {
	if o.MaxParallel != nil {
		base.MaxParallel = *o.MaxParallel
	}
	if o.DelayBetween != nil {
		base.DelayBetween = *o.DelayBetween
	}
	if o.DelayBetweenMs != nil {
		base.DelayBetween = time.Duration(*o.DelayBetweenMs) * time.Millisecond
	}
	if o.RetryFailed != nil {
		base.RetryFailed = *o.RetryFailed
	}
	if o.DisableFallbackRetry != nil {
		base.DisableFallbackRetry = *o.DisableFallbackRetry
	}
	if o.DynamicBatching != nil {
		base.DynamicBatching = *o.DynamicBatching
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.MaxInstructions != nil {
		base.MaxInstructions = *o.MaxInstructions
	}
	return base
}

// resolveRef looks ref up in the keyring, falling back to a bare public key
// so that unknown signers are reported per operation rather than failing
// the whole document.
func resolveRef(keys KeyResolver, ref string) (SignerRef, error) {
	if keys != nil {
		if key, err := keys.Lookup(ref); err == nil {
			return Explicit(key.PublicKey()), nil
		}
	}
	pub, err := solanago.PublicKeyFromBase58(ref)
	if err != nil {
		return SignerRef{}, fmt.Errorf("unknown key %q", ref)
	}
	return Explicit(pub), nil
}
