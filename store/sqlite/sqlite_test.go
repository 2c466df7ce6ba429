package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: a file-backed store with a source and a debt
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "finance.db")
	store, err := New(path)
	require.NoError(t, err)

	require.NoError(t, store.CreateSource(ctx, ledger.Source{
		ID: "s1", UserID: "alice", Name: "Checking",
		OpeningBalance: parseDecimal("10.10"), Balance: parseDecimal("10.10"),
		CreatedAt: time.Date(2025, 2, 3, 4, 5, 6, 7, time.UTC),
	}))
	require.NoError(t, store.IncrementSource(ctx, "s1", ledger.SourceDelta{Balance: parseDecimal("0.01")}))
	require.NoError(t, store.Close())

	// WHEN: reopening it (migrate runs again)
	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: the exact decimal and timestamp come back
	src, err := store.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "10.11", src.Balance.String())
	assert.Equal(t, "Checking", src.Name)
	assert.True(t, time.Date(2025, 2, 3, 4, 5, 6, 7, time.UTC).Equal(src.CreatedAt))
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateSource(ctx, ledger.Source{ID: "s1", UserID: "alice"}))
	require.NoError(t, store.Ping(ctx))

	require.NoError(t, store.Reset(ctx))

	ids, err := store.UserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Nanosecond * 10)
	c := a.Add(time.Second)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.Less(t, formatTime(b), formatTime(c))
	assert.True(t, parseTime(formatTime(b)).Equal(b))
}
