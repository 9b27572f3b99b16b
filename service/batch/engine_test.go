package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/brojonat/batchtx/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProgram = errors.New("Transaction simulation failed: Error processing Instruction 1: custom program error: 0x1")

// failMultiInstruction rejects any transaction carrying more than one instruction.
func failMultiInstruction(n int, tx *solanago.Transaction) error {
	if len(tx.Message.Instructions) > 1 {
		return errProgram
	}
	return nil
}

func threeTransfers() []Operation {
	return []Operation{
		valueTransfer("a", DefaultSigner()),
		valueTransfer("b", DefaultSigner()),
		valueTransfer("c", DefaultSigner()),
	}
}

func TestExecute_FallbackDisabledNeverSplits(t *testing.T) {
	tests := []struct {
		name    string
		retry   bool
		disable bool
	}{
		{"retry off", false, false},
		{"retry on, fallback disabled", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ledger.submitFn = failMultiInstruction
			opts := f.options()
			opts.RetryFailed = tt.retry
			opts.DisableFallbackRetry = tt.disable

			results, err := f.batcher.Execute(context.Background(), threeTransfers(), opts)
			require.NoError(t, err)
			require.Len(t, results, 3)

			assert.Len(t, f.ledger.submissions(), 1)
			for _, r := range results {
				assert.False(t, r.Success)
				assert.Equal(t, CodeLedger, r.Code)
				assert.Equal(t, results[0].Error, r.Error)
				assert.Equal(t, 1, r.Attempts)
			}
		})
	}
}

func TestExecute_FallbackSplitsIntoOneTransactionPerOperation(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.submitFn = failMultiInstruction
	opts := f.options()
	opts.RetryFailed = true

	results, err := f.batcher.Execute(context.Background(), threeTransfers(), opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs(results))
	requireAllSucceeded(t, results)

	subs := f.ledger.submissions()
	require.Len(t, subs, 4)
	assert.Equal(t, 3, subs[0].instructions)
	for _, s := range subs[1:] {
		assert.Equal(t, 1, s.instructions)
	}

	sigs := map[string]bool{}
	for _, r := range results {
		sigs[r.Signature] = true
		assert.Equal(t, 2, r.Attempts)
	}
	assert.Len(t, sigs, 3)
}

func TestExecute_FallbackReportsPerOperationOutcome(t *testing.T) {
	f := newFixture(t, nil)
	opts := f.options()
	opts.RetryFailed = true

	ops := threeTransfers()
	bad := f.addSigner("bad")
	ops[1].Sender = Explicit(bad)
	payer := Explicit(f.signer)
	opts.FeePayer = &payer

	f.ledger.submitFn = func(n int, tx *solanago.Transaction) error {
		for _, key := range tx.Message.AccountKeys {
			if key.Equals(bad) {
				return errProgram
			}
		}
		return nil
	}

	results, err := f.batcher.Execute(context.Background(), ops, opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, CodeLedger, results[1].Code)
	assert.True(t, results[2].Success)
	assert.NotEqual(t, results[0].Signature, results[2].Signature)
}

func TestExecute_TransientRetryUsesNewerCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.submitFn = func(n int, tx *solanago.Transaction) error {
		if n == 0 {
			return errors.New("Transaction simulation failed: Blockhash not found")
		}
		return nil
	}
	opts := f.options()
	opts.RetryFailed = true

	results, err := f.batcher.Execute(context.Background(), threeTransfers(), opts)
	require.NoError(t, err)
	requireAllSucceeded(t, results)

	subs := f.ledger.submissions()
	require.Len(t, subs, 2, "exactly one retry")
	assert.NotEqual(t, subs[0].blockhash, subs[1].blockhash)
	assert.Greater(t, f.ledger.lastValid[subs[1].blockhash], f.ledger.lastValid[subs[0].blockhash])
	assert.Equal(t, 2, f.ledger.checkpoints)
	for _, r := range results {
		assert.Equal(t, 2, r.Attempts)
		assert.Equal(t, subs[1].signature.String(), r.Signature)
	}
}

func TestExecute_TransientWithoutRetryFails(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.submitFn = func(n int, tx *solanago.Transaction) error {
		return errors.New("HTTP 429 Too Many Requests")
	}

	results, err := f.batcher.Execute(context.Background(), threeTransfers(), f.options())
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, CodeTransient, r.Code)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Len(t, f.ledger.submissions(), 1)
}

func TestExecute_RetriesBoundedByMaxRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.submitFn = func(n int, tx *solanago.Transaction) error {
		return errors.New("Blockhash not found")
	}
	opts := f.options()
	opts.RetryFailed = true
	opts.DisableFallbackRetry = true
	opts.MaxRetries = 2

	results, err := f.batcher.Execute(context.Background(), threeTransfers(), opts)
	require.NoError(t, err)
	assert.Len(t, f.ledger.submissions(), 3)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, CodeTransient, r.Code)
		assert.Equal(t, 3, r.Attempts)
	}
}

func TestExecute_ExpiredCheckpointIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	calls := 0
	f.ledger.confirmFn = func(sig solanago.Signature) (solana.Confirmation, error) {
		calls++
		if calls == 1 {
			return solana.Confirmation{Status: solana.StatusExpired}, nil
		}
		return solana.Confirmation{Status: solana.StatusConfirmed, Slot: 9}, nil
	}
	opts := f.options()
	opts.RetryFailed = true

	results, err := f.batcher.Execute(context.Background(), []Operation{valueTransfer("a", DefaultSigner())}, opts)
	require.NoError(t, err)
	requireAllSucceeded(t, results)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestExecute_UnsettledSignatureIsPolledUntilExpiry(t *testing.T) {
	f := newFixture(t, nil)
	polls := map[solanago.Signature]int{}
	f.ledger.confirmFn = func(sig solanago.Signature) (solana.Confirmation, error) {
		polls[sig]++
		if len(polls) > 1 {
			return solana.Confirmation{Status: solana.StatusConfirmed, Slot: 9}, nil
		}
		if polls[sig] < 3 {
			return solana.Confirmation{}, fmt.Errorf("%w: %s", solana.ErrConfirmationTimeout, sig)
		}
		return solana.Confirmation{Status: solana.StatusExpired}, nil
	}
	opts := f.options()
	opts.RetryFailed = true

	results, err := f.batcher.Execute(context.Background(), []Operation{valueTransfer("a", DefaultSigner())}, opts)
	require.NoError(t, err)
	requireAllSucceeded(t, results)

	subs := f.ledger.submissions()
	require.Len(t, subs, 2, "resubmitted only once the first signature expired")
	assert.Equal(t, 3, polls[subs[0].signature])
	assert.NotEqual(t, subs[0].blockhash, subs[1].blockhash)
	assert.Equal(t, subs[1].signature.String(), results[0].Signature)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestExecute_UnsettledSignatureIsNeverResubmitted(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.confirmFn = func(sig solanago.Signature) (solana.Confirmation, error) {
		return solana.Confirmation{}, fmt.Errorf("%w: %s", solana.ErrConfirmationTimeout, sig)
	}
	opts := f.options()
	opts.RetryFailed = true

	results, err := f.batcher.Execute(context.Background(), threeTransfers(), opts)
	require.NoError(t, err)
	require.Len(t, results, 3)

	subs := f.ledger.submissions()
	require.Len(t, subs, 1, "neither retried nor decomposed while the signature may land")
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, CodeTransient, r.Code)
		assert.Equal(t, subs[0].signature.String(), r.Signature)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestExecute_LedgerFailureCarriesSignature(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.confirmFn = func(sig solanago.Signature) (solana.Confirmation, error) {
		return solana.Confirmation{Status: solana.StatusFailed, Slot: 3, Err: `{"InstructionError":[0,"InvalidAccountData"]}`}, nil
	}

	results, err := f.batcher.Execute(context.Background(), []Operation{valueTransfer("a", DefaultSigner())}, f.options())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, CodeDependency, results[0].Code)
	assert.Equal(t, f.ledger.submissions()[0].signature.String(), results[0].Signature)
}

func TestExecute_RoundsBoundedByMaxParallel(t *testing.T) {
	f := newFixture(t, nil)
	var ops []Operation
	for i := 0; i < 5; i++ {
		sender := f.addSigner(fmt.Sprintf("sender-%d", i))
		ops = append(ops, valueTransfer(fmt.Sprintf("op-%d", i), Explicit(sender)))
	}
	f.ledger.confirmDelay = 20 * time.Millisecond

	opts := f.options()
	opts.MaxParallel = 2
	opts.DelayBetween = 100 * time.Millisecond

	results, err := f.batcher.Execute(context.Background(), ops, opts)
	require.NoError(t, err)
	requireAllSucceeded(t, results)
	assert.LessOrEqual(t, f.ledger.maxInflight, 2)

	subs := f.ledger.submissions()
	require.Len(t, subs, 5)
	times := make([]time.Time, len(subs))
	for i, s := range subs {
		times[i] = s.at
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	// Rounds are separated by at least the configured delay.
	var rounds []int
	size := 1
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) >= opts.DelayBetween {
			rounds = append(rounds, size)
			size = 1
			continue
		}
		size++
	}
	rounds = append(rounds, size)
	assert.Equal(t, []int{2, 2, 1}, rounds)
	assert.GreaterOrEqual(t, times[2].Sub(times[0]), opts.DelayBetween)
	assert.GreaterOrEqual(t, times[4].Sub(times[2]), opts.DelayBetween)
}

func TestExecute_CancelStopsRemainingRounds(t *testing.T) {
	f := newFixture(t, nil)
	var ops []Operation
	for i := 0; i < 3; i++ {
		sender := f.addSigner(fmt.Sprintf("sender-%d", i))
		ops = append(ops, valueTransfer(fmt.Sprintf("op-%d", i), Explicit(sender)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ledger.submitFn = func(n int, tx *solanago.Transaction) error {
		cancel()
		return nil
	}

	opts := f.options()
	opts.MaxParallel = 1
	opts.DelayBetween = time.Hour

	results, err := f.batcher.Execute(ctx, ops, opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.Equal(t, CodeTransient, r.Code)
		assert.Equal(t, 0, r.Attempts)
	}
	assert.Len(t, f.ledger.submissions(), 1)
}

func TestTxStateString(t *testing.T) {
	assert.Equal(t, "pending", statePending.String())
	assert.Equal(t, "decomposed", stateDecomposed.String())
	assert.Equal(t, "done", stateDone.String())
}
