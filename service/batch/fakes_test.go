package batch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/batchtx/service/address"
	"github.com/brojonat/batchtx/service/instructions"
	"github.com/brojonat/batchtx/service/keys"
	"github.com/brojonat/batchtx/service/solana"
	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// submission is what the fake ledger saw for one Submit call.
type submission struct {
	at           time.Time
	blockhash    solanago.Hash
	instructions int
	signature    solanago.Signature
}

// fakeLedger hands out increasing checkpoints and confirms everything
// unless told otherwise.
type fakeLedger struct {
	mu sync.Mutex

	height      uint64
	lastValid   map[solanago.Hash]uint64
	checkpoints int

	submits     []submission
	inflight    int
	maxInflight int

	submitFn     func(n int, tx *solanago.Transaction) error
	confirmFn    func(sig solanago.Signature) (solana.Confirmation, error)
	confirmDelay time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{lastValid: make(map[solanago.Hash]uint64)}
}

func (f *fakeLedger) LatestCheckpoint(ctx context.Context) (solana.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height++
	f.checkpoints++
	var h solanago.Hash
	binary.LittleEndian.PutUint64(h[:], f.height)
	f.lastValid[h] = f.height + 150
	return solana.Checkpoint{Blockhash: h, LastValidBlockHeight: f.height + 150, FetchedAt: time.Now()}, nil
}

func (f *fakeLedger) Submit(ctx context.Context, raw []byte) (solanago.Signature, error) {
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solanago.Signature{}, err
	}

	f.mu.Lock()
	n := len(f.submits)
	f.submits = append(f.submits, submission{
		at:           time.Now(),
		blockhash:    tx.Message.RecentBlockhash,
		instructions: len(tx.Message.Instructions),
		signature:    tx.Signatures[0],
	})
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	fn := f.submitFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(n, tx); err != nil {
			f.mu.Lock()
			f.inflight--
			f.mu.Unlock()
			return solanago.Signature{}, err
		}
	}
	return tx.Signatures[0], nil
}

func (f *fakeLedger) Confirm(ctx context.Context, sig solanago.Signature, cp solana.Checkpoint) (solana.Confirmation, error) {
	if f.confirmDelay > 0 {
		time.Sleep(f.confirmDelay)
	}
	f.mu.Lock()
	f.inflight--
	fn := f.confirmFn
	f.mu.Unlock()

	if fn != nil {
		return fn(sig)
	}
	return solana.Confirmation{Status: solana.StatusConfirmed, Slot: 1}, nil
}

func (f *fakeLedger) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submits...)
}

// fakeReader serves account data from a map.
type fakeReader map[solanago.PublicKey][]byte

func (r fakeReader) GetAccountData(ctx context.Context, addr solanago.PublicKey) ([]byte, error) {
	data, ok := r[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", solana.ErrAccountNotFound, addr)
	}
	return data, nil
}

func mintAccount(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

// syntheticBuilder produces one instruction per operation with the
// configured data length and number of extra accounts. Keys are derived
// from the operation id so repeated builds are identical.
type syntheticBuilder map[string]synthSpec

type synthSpec struct {
	dataLen  int
	accounts int
}

var syntheticProgram = derivedKey("synthetic-program")

func derivedKey(seed string) solanago.PublicKey {
	h := sha256.Sum256([]byte(seed))
	return solanago.PublicKeyFromBytes(h[:])
}

func (s syntheticBuilder) Build(ctx context.Context, req instructions.Request) (instructions.Output, error) {
	shape := s[req.OperationID]
	metas := solanago.AccountMetaSlice{solanago.NewAccountMeta(req.Sender, true, true)}
	for i := 0; i < shape.accounts; i++ {
		metas = append(metas, solanago.NewAccountMeta(derivedKey(fmt.Sprintf("%s/%d", req.OperationID, i)), true, false))
	}
	ix := solanago.NewInstruction(syntheticProgram, metas, make([]byte, shape.dataLen))
	return instructions.Output{Units: []instructions.Unit{{
		OperationIDs: []string{req.OperationID},
		Kind:         instructions.KindConsume,
		Instructions: []solanago.Instruction{ix},
		Signers:      []solanago.PublicKey{req.Sender},
	}}}, nil
}

// fixture wires a Batcher to fakes.
type fixture struct {
	keyring *keys.Keyring
	ledger  *fakeLedger
	reader  fakeReader
	batcher *Batcher
	signer  solanago.PublicKey
	mint    solanago.PublicKey
}

func newFixture(t *testing.T, builder InstructionBuilder) *fixture {
	t.Helper()
	kr := keys.NewKeyring()
	def := solanago.NewWallet().PrivateKey
	kr.Add("default", def)

	mint := solanago.NewWallet().PublicKey()
	reader := fakeReader{mint: mintAccount(6)}
	resolver := address.NewResolver(solanago.PublicKey{}, solanago.PublicKey{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if builder == nil {
		builder = instructions.NewBuilder(resolver, reader, logger)
	}

	ledger := newFakeLedger()
	b := NewBatcher(builder, resolver, ledger, kr, nil, logger)
	return &fixture{
		keyring: kr,
		ledger:  ledger,
		reader:  reader,
		batcher: b,
		signer:  def.PublicKey(),
		mint:    mint,
	}
}

// addSigner registers a new named key and returns its public key.
func (f *fixture) addSigner(name string) solanago.PublicKey {
	key := solanago.NewWallet().PrivateKey
	f.keyring.Add(name, key)
	return key.PublicKey()
}

func (f *fixture) options() Options {
	opts := DefaultOptions()
	opts.DefaultSigner = f.signer
	opts.DelayBetween = 0
	opts.RetryBackoff = time.Millisecond
	return opts
}

func valueTransfer(id string, sender SignerRef) Operation {
	return Operation{
		ID:     id,
		Type:   instructions.TypeValueTransfer,
		Sender: sender,
		Params: instructions.ValueTransferParams{Recipient: solanago.NewWallet().PublicKey().String(), Amount: 1000},
	}
}

func tokenTransfer(id string, mint, recipient solanago.PublicKey) Operation {
	return Operation{
		ID:     id,
		Type:   instructions.TypeTokenTransfer,
		Sender: DefaultSigner(),
		Params: instructions.TokenTransferParams{Recipient: recipient.String(), Mint: mint.String(), Amount: 5},
	}
}

func resultIDs(results []SubmissionResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.OperationID
	}
	return ids
}

func requireAllSucceeded(t *testing.T, results []SubmissionResult) {
	t.Helper()
	for _, r := range results {
		require.Truef(t, r.Success, "operation %s failed: %s", r.OperationID, r.Error)
	}
}
