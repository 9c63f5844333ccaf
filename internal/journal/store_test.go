package journal

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/Brahma-fi/brahma-connect/internal/simulate"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var console = common.HexToAddress("0x5555555555555555555555555555555555555555")

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal", "connect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndMarkSent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	tx := simulate.MetaTransaction{
		To:    common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		Value: big.NewInt(1_000_000_000_000_000_000),
		Data:  []byte{0xde, 0xad},
	}
	require.NoError(t, s.Record(ctx, 4, console, "cp-1", tx))

	entry, err := s.Get(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "1000000000000000000", entry.Value)
	assert.Equal(t, "0xdead", entry.Data)
	assert.Equal(t, 4, entry.ContextID)

	require.NoError(t, s.MarkSent(ctx, "cp-1", "0xfeed"))
	entry, err = s.Get(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, entry.Status)
	assert.Equal(t, "0xfeed", entry.TxHash)

	assert.ErrorIs(t, s.MarkSent(ctx, "missing", "0x"), ErrNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Record(ctx, 4, console, "cp-1", tx), "checkpoint ids are unique")
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(ctx, i%2, console, id, simulate.MetaTransaction{}))
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].CheckpointID)

	contextID := 0
	scoped, err := s.List(ctx, ListOptions{ContextID: &contextID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "c", scoped[0].CheckpointID)
}

func TestHooksJournalTransactions(t *testing.T) {
	s := openStore(t)
	hooks := s.Hooks(9, console)

	require.NoError(t, hooks.OnBeforeTransactionSend("cp-9", simulate.MetaTransaction{}))
	hooks.OnTransactionSent("cp-9", "0xabc")
	hooks.OnTransactionSent("unknown", "0xdef")

	entry, err := s.Get(context.Background(), "cp-9")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, entry.Status)
	assert.Equal(t, "0xabc", entry.TxHash)
	assert.Equal(t, "0x0000000000000000000000000000000000000000", entry.To)
}
