package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/batchtx/service/instructions"
	solanago "github.com/gagliardetto/solana-go"
)

// Ledger limits.
const (
	MaxTransactionSize     = 1232
	DefaultMaxInstructions = 64
)

// Configuration errors. These are the only errors Execute returns directly;
// everything else is reported per operation.
var (
	ErrNoDefaultSigner = errors.New("no default signer configured")
	ErrDuplicateID     = errors.New("duplicate operation id")
	ErrInvalidOptions  = errors.New("invalid batch options")
	ErrUnknownSigner   = errors.New("no key for signer")
	ErrMissingID       = errors.New("operation has no id")
)

// SignerRef names who signs for an operation: an explicit key or the
// batch default signer.
type SignerRef struct {
	key      solanago.PublicKey
	explicit bool
}

// Explicit refers to a specific key.
func Explicit(key solanago.PublicKey) SignerRef {
	return SignerRef{key: key, explicit: true}
}

// DefaultSigner refers to the batch default signer.
func DefaultSigner() SignerRef {
	return SignerRef{}
}

// IsDefault reports whether r defers to the batch default signer.
func (r SignerRef) IsDefault() bool {
	return !r.explicit
}

// Resolve returns the concrete key, substituting def for a default ref.
func (r SignerRef) Resolve(def solanago.PublicKey) solanago.PublicKey {
	if r.explicit {
		return r.key
	}
	return def
}

func (r SignerRef) String() string {
	if r.explicit {
		return r.key.String()
	}
	return "default"
}

// Operation is one requested ledger operation. Operations are never mutated.
type Operation struct {
	ID     string
	Type   instructions.OperationType
	Sender SignerRef
	Params any
}

// Options configures packing and execution of one batch.
type Options struct {
	// BatchID identifies the batch in logs, events and the audit store.
	// A random id is assigned when empty.
	BatchID string

	// MaxParallel bounds the number of transactions in flight per round.
	MaxParallel int
	// DelayBetween separates consecutive rounds.
	DelayBetween time.Duration
	// RetryFailed enables transient retries and, unless
	// DisableFallbackRetry is set, per-operation decomposition.
	RetryFailed          bool
	DisableFallbackRetry bool
	// DynamicBatching packs by exact serialized size instead of the
	// conservative estimate.
	DynamicBatching bool

	MaxRetries      int
	RetryBackoff    time.Duration
	MaxInstructions int

	// FeePayer pays for every transaction when set. Otherwise each
	// transaction is paid by its first sender.
	FeePayer      *SignerRef
	DefaultSigner solanago.PublicKey
}

// DefaultOptions returns the default batch configuration.
func DefaultOptions() Options {
	return Options{
		MaxParallel:     3,
		DelayBetween:    time.Second,
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
		MaxInstructions: DefaultMaxInstructions,
	}
}

// validate checks options and fills zero-valued limits.
func (o *Options) validate() error {
	if o.MaxParallel < 1 {
		return fmt.Errorf("%w: max parallel must be at least 1, got %d", ErrInvalidOptions, o.MaxParallel)
	}
	if o.DelayBetween < 0 || o.RetryBackoff < 0 || o.MaxRetries < 0 {
		return fmt.Errorf("%w: negative delay, backoff or retry count", ErrInvalidOptions)
	}
	if o.DefaultSigner.IsZero() {
		return ErrNoDefaultSigner
	}
	if o.MaxInstructions <= 0 {
		o.MaxInstructions = DefaultMaxInstructions
	}
	return nil
}

// feePayer resolves the dedicated fee payer, if any.
func (o Options) feePayer() (solanago.PublicKey, bool) {
	if o.FeePayer == nil {
		return solanago.PublicKey{}, false
	}
	return o.FeePayer.Resolve(o.DefaultSigner), true
}

// fallbackEnabled reports whether a failed multi-operation transaction may
// be split into one transaction per operation.
func (o Options) fallbackEnabled() bool {
	return o.RetryFailed && !o.DisableFallbackRetry
}
