//go:build integration

package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movesentry/movesentry/internal/testutil"
	"github.com/movesentry/movesentry/internal/verdict"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	sub := &Subscription{
		ID:        "sub_pg1",
		URL:       "https://hooks.example.com/movesentry",
		Secret:    "s3cret",
		MinRating: verdict.RatingMedium,
		Networks:  []string{"mainnet", "testnet"},
		Active:    true,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "sub_pg1")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, verdict.RatingMedium, got.MinRating)
	assert.Equal(t, []string{"mainnet", "testnet"}, got.Networks)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastSuccess)
	assert.Empty(t, got.LastError)

	_, err = store.Get(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateDeliveryState(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	sub := &Subscription{
		ID:        "sub_pg2",
		URL:       "https://hooks.example.com/a",
		MinRating: verdict.RatingHigh,
		Active:    true,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, sub))

	now := time.Now().Truncate(time.Microsecond)
	sub.LastSuccess = &now
	sub.LastError = ""
	require.NoError(t, store.Update(ctx, sub))

	got, err := store.Get(ctx, "sub_pg2")
	require.NoError(t, err)
	require.NotNil(t, got.LastSuccess)
	assert.WithinDuration(t, now, *got.LastSuccess, time.Second)

	sub.LastError = "status 500"
	require.NoError(t, store.Update(ctx, sub))
	got, err = store.Get(ctx, "sub_pg2")
	require.NoError(t, err)
	assert.Equal(t, "status 500", got.LastError)

	missing := &Subscription{ID: "sub_missing"}
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}

func TestPostgresStore_ListActiveAndDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	for _, s := range []*Subscription{
		{ID: "sub_a", URL: "https://hooks.example.com/a", Active: true, CreatedAt: time.Now()},
		{ID: "sub_b", URL: "https://hooks.example.com/b", Active: false, CreatedAt: time.Now()},
		{ID: "sub_c", URL: "https://hooks.example.com/c", Active: true, CreatedAt: time.Now()},
	} {
		require.NoError(t, store.Create(ctx, s))
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sub_a", active[0].ID)
	assert.Equal(t, "sub_c", active[1].ID)

	require.NoError(t, store.Delete(ctx, "sub_a"))
	assert.ErrorIs(t, store.Delete(ctx, "sub_a"), ErrNotFound)

	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sub_c", active[0].ID)
}
