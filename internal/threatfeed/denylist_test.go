package threatfeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDenylist_AddGetRemove(t *testing.T) {
	store := NewMemoryDenylist()
	ctx := context.Background()

	entry := &Entry{
		Address:   "0xabc",
		Network:   "mainnet",
		Reason:    "phishing",
		AddedBy:   "admin",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Add(ctx, entry))

	got, err := store.Get(ctx, "mainnet", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "phishing", got.Reason)
	assert.Equal(t, "admin", got.AddedBy)

	// Lookup is case-insensitive.
	got, err = store.Get(ctx, "MAINNET", "0xABC")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.Address)

	require.NoError(t, store.Remove(ctx, "mainnet", "0xabc"))
	_, err = store.Get(ctx, "mainnet", "0xabc")
	assert.ErrorIs(t, err, ErrNotDenylisted)
}

func TestMemoryDenylist_RemoveMissing(t *testing.T) {
	store := NewMemoryDenylist()
	err := store.Remove(context.Background(), "mainnet", "0xmissing")
	assert.ErrorIs(t, err, ErrNotDenylisted)
}

func TestMemoryDenylist_AddOverwrites(t *testing.T) {
	store := NewMemoryDenylist()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Entry{Address: "0xabc", Network: "mainnet", Reason: "old"}))
	require.NoError(t, store.Add(ctx, &Entry{Address: "0xabc", Network: "mainnet", Reason: "new"}))

	got, err := store.Get(ctx, "mainnet", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Reason)

	entries, err := store.List(ctx, "mainnet", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryDenylist_ListNewestFirstWithLimit(t *testing.T) {
	store := NewMemoryDenylist()
	ctx := context.Background()
	base := time.Now()

	for i, addr := range []string{"0x1", "0x2", "0x3"} {
		require.NoError(t, store.Add(ctx, &Entry{
			Address:   addr,
			Network:   "mainnet",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Add(ctx, &Entry{Address: "0x9", Network: "testnet", CreatedAt: base}))

	entries, err := store.List(ctx, "mainnet", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0x3", entries[0].Address)
	assert.Equal(t, "0x2", entries[1].Address)
}

func TestMemoryDenylist_CopiesAreIndependent(t *testing.T) {
	store := NewMemoryDenylist()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, &Entry{Address: "0xabc", Network: "mainnet", Reason: "scam"}))

	got, err := store.Get(ctx, "mainnet", "0xabc")
	require.NoError(t, err)
	got.Reason = "mutated"

	again, err := store.Get(ctx, "mainnet", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "scam", again.Reason)
}
