package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlabs/faucet/pkg/logger"
	"github.com/driftlabs/faucet/pkg/state"
)

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type transferCall struct {
	to     string
	token  string
	amount string
}

type fakeTransferClient struct {
	mu            sync.Mutex
	signingKeySet bool
	setKeyCalls   int
	transfers     []transferCall
	confirmed     []string
	// failTransferOn and failReceiptOn fail the matching token once set.
	failTransferOn string
	failReceiptOn  string
}

func (f *fakeTransferClient) IsSigningKeySet(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signingKeySet, nil
}

func (f *fakeTransferClient) SetSigningKey(ctx context.Context, feeToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setKeyCalls++
	f.signingKeySet = true
	return nil
}

func (f *fakeTransferClient) Transfer(ctx context.Context, to, token string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.failTransferOn {
		return "", errors.New("connection reset")
	}
	f.transfers = append(f.transfers, transferCall{to: to, token: token, amount: amount.String()})
	return fmt.Sprintf("sync-tx:%s-%d", token, len(f.transfers)), nil
}

func (f *fakeTransferClient) AwaitReceipt(ctx context.Context, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReceiptOn != "" && len(f.transfers) > 0 && f.transfers[len(f.transfers)-1].token == f.failReceiptOn {
		return errors.New("timeout awaiting receipt")
	}
	f.confirmed = append(f.confirmed, txHash)
	return nil
}

func (f *fakeTransferClient) Balance(ctx context.Context, token string) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeTransferClient) calls() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall(nil), f.transfers...)
}

func testWorkerState(t *testing.T, mode state.Mode) *state.State {
	t.Helper()
	s, err := state.New(state.Config{Logger: logger.NewTest(), Mode: mode})
	require.NoError(t, err)
	return s
}

func testWorker(t *testing.T, s *state.State, client *fakeTransferClient, snapshotPath string) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Logger: logger.NewTest(),
		State:  s,
		Client: client,
		Amounts: []TokenAmount{
			{Token: "DAI", Amount: big.NewInt(100)},
			{Token: "BAT", Amount: big.NewInt(50)},
		},
		FeeToken:     "MLTT",
		PollInterval: time.Millisecond,
		SnapshotPath: snapshotPath,
	})
	require.NoError(t, err)
	return w
}

func TestFaucet_Worker_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("transfer mode requires client and amounts", func(t *testing.T) {
		t.Parallel()
		s := testWorkerState(t, state.ModeTransfer)
		_, err := NewWorker(WorkerConfig{Logger: logger.NewTest(), State: s})
		require.Error(t, err)
	})

	t.Run("rejects zero amounts", func(t *testing.T) {
		t.Parallel()
		s := testWorkerState(t, state.ModeTransfer)
		_, err := NewWorker(WorkerConfig{
			Logger:   logger.NewTest(),
			State:    s,
			Client:   &fakeTransferClient{},
			Amounts:  []TokenAmount{{Token: "DAI", Amount: big.NewInt(0)}},
			FeeToken: "MLTT",
		})
		require.Error(t, err)
	})

	t.Run("allow mode needs no client", func(t *testing.T) {
		t.Parallel()
		s := testWorkerState(t, state.ModeAllow)
		_, err := NewWorker(WorkerConfig{Logger: logger.NewTest(), State: s})
		require.NoError(t, err)
	})
}

func TestFaucet_Worker_Disburse_TransfersSequentiallyThenCommits(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, "")

	require.NoError(t, w.disburse(context.Background(), "t1"))

	calls := client.calls()
	require.Equal(t, []transferCall{
		{to: addrA, token: "DAI", amount: "100"},
		{to: addrA, token: "BAT", amount: "50"},
	}, calls, "transfers issue in configured order")

	require.Equal(t, 0, s.QueueLen())
	require.True(t, s.AddressUsed(addrA))
	c, _ := s.Claim("t1")
	require.True(t, c.Sent)
}

func TestFaucet_Worker_Disburse_FailureLeavesQueueIntact(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	client := &fakeTransferClient{signingKeySet: true, failTransferOn: "BAT"}
	w := testWorker(t, s, client, "")

	err := w.disburse(context.Background(), "t1")
	require.Error(t, err)

	// Partial sequences never advance the queue or the used set.
	require.Equal(t, 1, s.QueueLen())
	front, _ := s.PeekFront()
	require.Equal(t, "t1", front)
	require.False(t, s.AddressUsed(addrA))

	// After the fault clears, the whole sequence is retried from the
	// beginning.
	client.mu.Lock()
	client.failTransferOn = ""
	client.mu.Unlock()
	require.NoError(t, w.disburse(context.Background(), "t1"))
	require.Equal(t, []transferCall{
		{to: addrA, token: "DAI", amount: "100"},
		{to: addrA, token: "DAI", amount: "100"},
		{to: addrA, token: "BAT", amount: "50"},
	}, client.calls())
	require.True(t, s.AddressUsed(addrA))
}

func TestFaucet_Worker_Disburse_ReceiptFailureLeavesQueueIntact(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	client := &fakeTransferClient{signingKeySet: true, failReceiptOn: "DAI"}
	w := testWorker(t, s, client, "")

	require.Error(t, w.disburse(context.Background(), "t1"))
	require.Equal(t, 1, s.QueueLen())
	require.False(t, s.AddressUsed(addrA))
}

func TestFaucet_Worker_Disburse_NeverPaysUsedAddressTwice(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, "")

	// Two tickets, different salts, same address.
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))
	require.NoError(t, w.disburse(context.Background(), "t1"))
	require.Len(t, client.calls(), 2)

	s.UpsertClaim("t2", state.Claim{Address: addrA})
	require.True(t, s.EnqueueIfAbsent("t2"), "bypass promote to simulate a pre-used-set enqueue")
	require.NoError(t, w.disburse(context.Background(), "t2"))

	require.Len(t, client.calls(), 2, "no transfer for the second ticket")
	require.Equal(t, 0, s.QueueLen())
}

func TestFaucet_Worker_Disburse_DropsDanglingTicket(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	require.True(t, s.EnqueueIfAbsent("ghost"))

	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, "")

	require.NoError(t, w.disburse(context.Background(), "ghost"))
	require.Equal(t, 0, s.QueueLen())
	require.Empty(t, client.calls())
}

func TestFaucet_Worker_Disburse_AllowMode(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeAllow)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	w, err := NewWorker(WorkerConfig{Logger: logger.NewTest(), State: s})
	require.NoError(t, err)

	require.NoError(t, w.disburse(context.Background(), "t1"))
	require.True(t, s.WithdrawAllowed(addrA))
	require.False(t, s.WithdrawAllowed(addrB))
	require.Equal(t, 0, s.QueueLen())
}

func TestFaucet_Worker_Disburse_SnapshotsAfterCommit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, path)

	require.NoError(t, w.disburse(context.Background(), "t1"))

	restored, err := state.Load(state.Config{Logger: logger.NewTest()}, path)
	require.NoError(t, err)
	require.True(t, restored.AddressUsed(addrA))
	require.Equal(t, 0, restored.QueueLen())
}

func TestFaucet_Worker_Disburse_SnapshotFailureIsFatal(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	require.True(t, s.PromoteIfReady("t1"))

	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, filepath.Join(t.TempDir(), "no-such-dir", "state.json"))

	err := w.disburse(context.Background(), "t1")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFatal)
}

func TestFaucet_Worker_EnsureSigningKey(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	client := &fakeTransferClient{}
	w := testWorker(t, s, client, "")

	require.NoError(t, w.ensureSigningKey(context.Background()))
	require.Equal(t, 1, client.setKeyCalls)

	// Already set: no second ChangePubKey.
	require.NoError(t, w.ensureSigningKey(context.Background()))
	require.Equal(t, 1, client.setKeyCalls)
}

func TestFaucet_Worker_Run_DrainsQueueAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := testWorkerState(t, state.ModeTransfer)
	s.UpsertClaim("t1", state.Claim{Address: addrA})
	s.UpsertClaim("t2", state.Claim{Address: addrB})
	require.True(t, s.PromoteIfReady("t1"))
	require.True(t, s.PromoteIfReady("t2"))

	client := &fakeTransferClient{signingKeySet: true}
	w := testWorker(t, s, client, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.QueueLen() == 0
	}, 5*time.Second, time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	require.True(t, s.AddressUsed(addrA))
	require.True(t, s.AddressUsed(addrB))
	require.Len(t, client.calls(), 4)
}
