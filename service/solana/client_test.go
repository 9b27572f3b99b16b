package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash   solana.Hash
	lastValid   uint64
	blockHeight uint64

	sendSig solana.Signature
	sendErr error
	sent    [][]byte

	// statuses are returned in order; the last one repeats.
	statuses  []*rpc.SignatureStatusesResult
	statusErr error
	polls     int

	accounts map[solana.PublicKey][]byte
	err      error
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            m.blockhash,
			LastValidBlockHeight: m.lastValid,
		},
	}, nil
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, raw []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, raw)
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	var st *rpc.SignatureStatusesResult
	if len(m.statuses) > 0 {
		idx := min(m.polls, len(m.statuses)-1)
		st = m.statuses[idx]
	}
	m.polls++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{st}}, nil
}

func (m *mockRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return m.blockHeight, nil
}

func (m *mockRPCClient) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
	}, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "test", nil, logger,
		WithConfirmPolling(time.Millisecond, 5*time.Millisecond, 500*time.Millisecond))
}

func TestLatestCheckpoint(t *testing.T) {
	hash := solana.Hash{1, 2, 3}
	client := newTestClient(&mockRPCClient{blockhash: hash, lastValid: 1500})

	cp, err := client.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, cp.Blockhash)
	assert.Equal(t, uint64(1500), cp.LastValidBlockHeight)
	assert.False(t, cp.FetchedAt.IsZero())
}

func TestLatestCheckpoint_RateLimited(t *testing.T) {
	client := newTestClient(&mockRPCClient{err: errors.New("HTTP 429 Too Many Requests")})

	_, err := client.LatestCheckpoint(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCheckpointNewerThan(t *testing.T) {
	now := time.Now()
	older := Checkpoint{Blockhash: solana.Hash{1}, LastValidBlockHeight: 100, FetchedAt: now}
	newer := Checkpoint{Blockhash: solana.Hash{2}, LastValidBlockHeight: 101, FetchedAt: now}
	later := Checkpoint{Blockhash: solana.Hash{3}, LastValidBlockHeight: 100, FetchedAt: now.Add(time.Second)}
	sameHash := Checkpoint{Blockhash: solana.Hash{1}, LastValidBlockHeight: 100, FetchedAt: now.Add(time.Second)}

	assert.True(t, newer.NewerThan(older))
	assert.False(t, older.NewerThan(newer))
	assert.True(t, later.NewerThan(older))
	assert.False(t, older.NewerThan(older))
	assert.False(t, sameHash.NewerThan(older), "refetching the same blockhash is not newer")
}

func TestSubmit(t *testing.T) {
	sig := solana.Signature{9}
	mock := &mockRPCClient{sendSig: sig}
	client := newTestClient(mock)

	got, err := client.Submit(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, sig, got)
	require.Len(t, mock.sent, 1)
	assert.Equal(t, []byte{1, 2, 3}, mock.sent[0])
}

func TestSubmit_Error(t *testing.T) {
	client := newTestClient(&mockRPCClient{sendErr: errors.New("Transaction simulation failed: Blockhash not found")})

	_, err := client.Submit(context.Background(), []byte{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Blockhash not found")
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestConfirm(t *testing.T) {
	sig := solana.Signature{7}
	cp := Checkpoint{LastValidBlockHeight: 200}

	t.Run("confirmed after pending polls", func(t *testing.T) {
		mock := &mockRPCClient{
			blockHeight: 150,
			statuses: []*rpc.SignatureStatusesResult{
				nil,
				{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
				{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			},
		}
		got, err := newTestClient(mock).Confirm(context.Background(), sig, cp)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, got.Status)
		assert.Equal(t, uint64(10), got.Slot)
		assert.Equal(t, 3, mock.polls)
	})

	t.Run("failed on ledger", func(t *testing.T) {
		mock := &mockRPCClient{
			statuses: []*rpc.SignatureStatusesResult{{
				Slot: 11,
				Err:  map[string]any{"InstructionError": []any{1, map[string]any{"Custom": 6001}}},
			}},
		}
		got, err := newTestClient(mock).Confirm(context.Background(), sig, cp)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Contains(t, got.Err, "InstructionError")
		assert.Contains(t, got.Err, "6001")
	})

	t.Run("expired past last valid height", func(t *testing.T) {
		mock := &mockRPCClient{blockHeight: 201}
		got, err := newTestClient(mock).Confirm(context.Background(), sig, cp)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	})

	t.Run("timeout while pending", func(t *testing.T) {
		mock := &mockRPCClient{blockHeight: 100}
		client := NewClient(mock, "test", nil, nil,
			WithConfirmPolling(time.Millisecond, 2*time.Millisecond, 20*time.Millisecond))
		_, err := client.Confirm(context.Background(), sig, cp)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
	})

	t.Run("parent context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestClient(&mockRPCClient{blockHeight: 100}).Confirm(ctx, sig, cp)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetAccountData(t *testing.T) {
	addr := solana.NewWallet().PublicKey()
	mock := &mockRPCClient{accounts: map[solana.PublicKey][]byte{addr: {4, 5, 6}}}
	client := newTestClient(mock)

	data, err := client.GetAccountData(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, data)

	_, err = client.GetAccountData(context.Background(), solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestParseCommitment(t *testing.T) {
	assert.Equal(t, rpc.CommitmentFinalized, ParseCommitment("finalized"))
	assert.Equal(t, rpc.CommitmentProcessed, ParseCommitment("PROCESSED"))
	assert.Equal(t, rpc.CommitmentConfirmed, ParseCommitment(""))
}

func TestTransactionError(t *testing.T) {
	err := &TransactionError{Signature: solana.Signature{1}, Slot: 5, Message: "boom"}
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "boom")
}
