package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/stretchr/testify/require"
)

func init() {
	logging.SetOutput(nil)
}

func TestChain_Genesis(t *testing.T) {
	store, authority := newChainDeps(t)

	chain, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)
	require.Equal(t, 1, chain.Height())
	require.NoError(t, chain.Validate())

	reloaded, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)
	require.Equal(t, chain.Blocks()[0].Hash, reloaded.Blocks()[0].Hash)
}

func TestChain_SubmitVote(t *testing.T) {
	chain := newTestChain(t)
	ctx := context.Background()

	res, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(1))
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	require.True(t, strings.HasPrefix(res.TxRef, "0x"))

	status, err := chain.TxStatus(ctx, res.TxRef)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, status)

	voted, err := chain.HasVoted(ctx, "e1", testAddr(1))
	require.NoError(t, err)
	require.True(t, voted)

	record, found, err := chain.FindVote(ctx, "e1", testAddr(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, res.TxRef, record.TxRef)
	require.Equal(t, "c1", record.CandidateID)
	require.NotEmpty(t, record.BlockRef)

	voted, err = chain.HasVoted(ctx, "e2", testAddr(1))
	require.NoError(t, err)
	require.False(t, voted)

	status, err = chain.TxStatus(ctx, "0xunknown")
	require.NoError(t, err)
	require.Equal(t, models.TxUnknown, status)

	require.Equal(t, 2, chain.Height())
	require.NoError(t, chain.Validate())
}

func TestChain_DuplicateVote(t *testing.T) {
	chain := newTestChain(t)
	ctx := context.Background()

	_, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(1))
	require.NoError(t, err)

	// the same address in another case is the same voter
	_, err = chain.SubmitVote(ctx, "e1", "c2", strings.Replace(testAddr(1), "a", "A", -1))
	require.ErrorIs(t, err, apperr.ErrDuplicateVote)

	_, err = chain.SubmitVote(ctx, "e2", "c1", testAddr(1))
	require.NoError(t, err)
}

func TestChain_DuplicateInPool(t *testing.T) {
	chain := newTestChain(t, WithBatchSize(3))
	ctx := context.Background()

	res, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(1))
	require.NoError(t, err)
	require.False(t, res.Confirmed)

	status, err := chain.TxStatus(ctx, res.TxRef)
	require.NoError(t, err)
	require.Equal(t, models.TxPending, status)

	_, err = chain.SubmitVote(ctx, "e1", "c2", testAddr(1))
	require.ErrorIs(t, err, apperr.ErrDuplicateVote)

	require.Equal(t, 1, chain.PendingCount())
	require.NoError(t, chain.Seal())
	require.Equal(t, 0, chain.PendingCount())

	status, err = chain.TxStatus(ctx, res.TxRef)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, status)
}

func TestChain_BatchSeal(t *testing.T) {
	chain := newTestChain(t, WithBatchSize(2))
	ctx := context.Background()

	first, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(1))
	require.NoError(t, err)
	require.False(t, first.Confirmed)

	second, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(2))
	require.NoError(t, err)
	require.True(t, second.Confirmed)

	blocks := chain.Blocks()
	require.Len(t, blocks, 2)
	require.Len(t, blocks[1].Transactions, 2)
}

func TestChain_ConcurrentSameAddress(t *testing.T) {
	chain := newTestChain(t, WithBatchSize(100))

	var wg sync.WaitGroup
	errs := make([]error, 20)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = chain.SubmitVote(context.Background(), "e1", fmt.Sprintf("c%d", i), testAddr(7))
		}(i)
	}

	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrDuplicateVote)
	}
	require.Equal(t, 1, success)
}

func TestChain_InvalidInput(t *testing.T) {
	chain := newTestChain(t)
	ctx := context.Background()

	_, err := chain.SubmitVote(ctx, "e1", "c1", "not-an-address")
	require.ErrorIs(t, err, apperr.ErrEncoding)

	_, err = chain.SubmitVote(ctx, "", "c1", testAddr(1))
	require.ErrorIs(t, err, apperr.ErrEncoding)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = chain.SubmitVote(cancelled, "e1", "c1", testAddr(1))
	require.ErrorIs(t, err, apperr.ErrLedger)
}

func TestChain_AnchorKey(t *testing.T) {
	chain := newTestChain(t)
	ctx := context.Background()

	ref, err := chain.AnchorKey(ctx, "e1", "abcd")
	require.NoError(t, err)

	status, err := chain.TxStatus(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, status)

	fingerprint, found := chain.Anchor("e1")
	require.True(t, found)
	require.Equal(t, "abcd", fingerprint)

	again, err := chain.AnchorKey(ctx, "e1", "abcd")
	require.NoError(t, err)
	require.Equal(t, ref, again)

	again, err = chain.AnchorKey(ctx, "e1", "ffff")
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
	require.Equal(t, ref, again)

	_, found = chain.Anchor("e2")
	require.False(t, found)
}

func TestChain_Reload(t *testing.T) {
	store, authority := newChainDeps(t)
	ctx := context.Background()

	chain, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)

	res, err := chain.SubmitVote(ctx, "e1", "c1", testAddr(1))
	require.NoError(t, err)

	reloaded, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Height())

	status, err := reloaded.TxStatus(ctx, res.TxRef)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, status)

	_, err = reloaded.SubmitVote(ctx, "e1", "c2", testAddr(1))
	require.ErrorIs(t, err, apperr.ErrDuplicateVote)
}

func TestChain_TamperedStore(t *testing.T) {
	store, authority := newChainDeps(t)

	chain, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)

	_, err = chain.SubmitVote(context.Background(), "e1", "c1", testAddr(1))
	require.NoError(t, err)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var stored storage.Chain
	require.NoError(t, json.Unmarshal(data, &stored))
	stored.Blocks[1].Transactions[0].CandidateID = "c2"

	data, err = json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), data, 0644))

	_, err = NewChain(store, authority, WithDifficulty(0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "stored chain is invalid")
}

func TestChain_ForeignAuthority(t *testing.T) {
	store, authority := newChainDeps(t)

	_, err := NewChain(store, authority, WithDifficulty(0))
	require.NoError(t, err)

	other, err := encryption.NewAuthority()
	require.NoError(t, err)

	_, err = NewChain(store, other, WithDifficulty(0))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid signature")
}

func TestChain_StartStop(t *testing.T) {
	chain := newTestChain(t, WithBatchSize(10), WithSealInterval(10*time.Millisecond))
	chain.Start()
	chain.Start()

	res, err := chain.SubmitVote(context.Background(), "e1", "c1", testAddr(1))
	require.NoError(t, err)
	require.False(t, res.Confirmed)

	require.Eventually(t, func() bool {
		status, _ := chain.TxStatus(context.Background(), res.TxRef)
		return status == models.TxConfirmed
	}, time.Second, 5*time.Millisecond)

	_, err = chain.SubmitVote(context.Background(), "e1", "c1", testAddr(2))
	require.NoError(t, err)

	require.NoError(t, chain.Stop())
	require.Equal(t, 0, chain.PendingCount())
	require.NoError(t, chain.Validate())
}

func TestChain_MonotonicTimestamps(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	chain := newTestChain(t, WithClock(func() time.Time { return fixed }))

	for i := 1; i <= 3; i++ {
		_, err := chain.SubmitVote(context.Background(), "e1", "c1", testAddr(i))
		require.NoError(t, err)
	}

	require.NoError(t, chain.Validate())
}

// -----------------------------------------------------------------------------
// Utility functions

func testAddr(i int) string {
	return fmt.Sprintf("0x%040x", 0xa0+i)
}

func newChainDeps(t *testing.T) (*storage.ChainStore, *encryption.Authority) {
	store, err := storage.NewChainStore(t.TempDir(), "ledger")
	require.NoError(t, err)

	authority, err := encryption.NewAuthority()
	require.NoError(t, err)

	return store, authority
}

func newTestChain(t *testing.T, opts ...ChainOption) *Chain {
	store, authority := newChainDeps(t)

	chain, err := NewChain(store, authority, append([]ChainOption{WithDifficulty(0)}, opts...)...)
	require.NoError(t, err)

	return chain
}
