package history

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movesentry/movesentry/internal/pagination"
)

func sampleRecord(shareID string, createdAt time.Time) *Record {
	return &Record{
		ShareID:   shareID,
		Network:   "mainnet",
		Function:  "0x1::coin::transfer",
		Sender:    "0xa11ce",
		Rating:    "low",
		Score:     12.5,
		Result:    json.RawMessage(`{"rating":"low"}`),
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Save(ctx, sampleRecord("scan_abc", now)))

	got, err := store.Get(ctx, "scan_abc")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", got.Network)
	assert.Equal(t, 12.5, got.Score)
	assert.JSONEq(t, `{"rating":"low"}`, string(got.Result))

	// Returned records are copies; mutating one must not leak back.
	got.Rating = "critical"
	again, err := store.Get(ctx, "scan_abc")
	require.NoError(t, err)
	assert.Equal(t, "low", again.Rating)

	_, err = store.Get(ctx, "scan_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Save(ctx, sampleRecord("scan_abc", now)))

	updated := sampleRecord("scan_abc", now)
	updated.Rating = "high"
	require.NoError(t, store.Save(ctx, updated))

	got, err := store.Get(ctx, "scan_abc")
	require.NoError(t, err)
	assert.Equal(t, "high", got.Rating)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleRecord("scan_1", base)))
	require.NoError(t, store.Save(ctx, sampleRecord("scan_2", base.Add(time.Minute))))
	require.NoError(t, store.Save(ctx, sampleRecord("scan_3", base.Add(2*time.Minute))))

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "scan_3", recent[0].ShareID)
	assert.Equal(t, "scan_2", recent[1].ShareID)
}

func TestMemoryStore_RecentCursorPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		rec := sampleRecord(fmt.Sprintf("scan_%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Save(ctx, rec))
	}

	first, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "scan_5", first[0].ShareID)
	assert.Equal(t, "scan_4", first[1].ShareID)

	cursor := pagination.Encode(first[1].CreatedAt, first[1].ShareID)
	second, err := store.Recent(ctx, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "scan_3", second[0].ShareID)
	assert.Equal(t, "scan_2", second[1].ShareID)

	cursor = pagination.Encode(second[1].CreatedAt, second[1].ShareID)
	third, err := store.Recent(ctx, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "scan_1", third[0].ShareID)
}

func TestMemoryStore_RecentCursorBreaksTimestampTies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"scan_a", "scan_b", "scan_c"} {
		require.NoError(t, store.Save(ctx, sampleRecord(id, at)))
	}

	first, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "scan_a", first[0].ShareID)
	assert.Equal(t, "scan_b", first[1].ShareID)

	rest, err := store.Recent(ctx, 2, WithCursor(pagination.Encode(at, "scan_b")))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "scan_c", rest[0].ShareID)
}

func TestMemoryStore_RecentIgnoresBadCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, sampleRecord("scan_abc", time.Now())))

	recent, err := store.Recent(ctx, 10, WithCursor("!!not-a-cursor!!"))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMemoryStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleRecord("scan_old1", base)))
	require.NoError(t, store.Save(ctx, sampleRecord("scan_old2", base.Add(time.Hour))))
	require.NoError(t, store.Save(ctx, sampleRecord("scan_new", base.Add(48*time.Hour))))

	removed, err := store.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.Get(ctx, "scan_old1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "scan_new")
	assert.NoError(t, err)
}

func TestMemoryStore_EvictsOldestPastCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i <= maxMemoryRecords; i++ {
		rec := sampleRecord(shareID(i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Save(ctx, rec))
	}

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, maxMemoryRecords)

	_, err = store.Get(ctx, shareID(0))
	assert.ErrorIs(t, err, ErrNotFound, "oldest record should be evicted")
	_, err = store.Get(ctx, shareID(maxMemoryRecords))
	assert.NoError(t, err)
}

func shareID(i int) string {
	return "scan_" + time.Date(2025, 6, 1, 0, 0, i, 0, time.UTC).Format("150405")
}
