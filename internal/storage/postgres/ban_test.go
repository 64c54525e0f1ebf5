package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/playersync/internal/bans"
	"github.com/cory-johannsen/playersync/internal/storage/postgres"
	"github.com/cory-johannsen/playersync/internal/testutil"
)

var _ bans.List = (*postgres.BanStore)(nil)

func TestBanStore_Integration(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	ctx := context.Background()

	store, err := postgres.NewBanStore(ctx, pc.RawPool, 0)
	require.NoError(t, err)
	assert.Empty(t, store.Addresses())

	added, err := store.Add("10.0.0.2:5923")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.Add("10.0.0.2")
	require.NoError(t, err)
	assert.False(t, added)
	_, err = store.Add("::ffff:10.0.0.3")
	require.NoError(t, err)

	assert.True(t, store.Contains("10.0.0.2"))
	assert.False(t, store.Contains("10.0.0.4"))

	var n int
	require.NoError(t, pc.RawPool.QueryRow(ctx, `SELECT count(*) FROM bans`).Scan(&n))
	assert.Equal(t, 2, n)

	t.Run("reload sees persisted bans", func(t *testing.T) {
		again, err := postgres.NewBanStore(ctx, pc.RawPool, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, again.Addresses())
	})

	t.Run("remove deletes the row", func(t *testing.T) {
		removed, err := store.Remove("10.0.0.2")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = store.Remove("10.0.0.2")
		require.NoError(t, err)
		assert.False(t, removed)

		require.NoError(t, store.Reload(ctx))
		assert.Equal(t, []string{"10.0.0.3"}, store.Addresses())
	})

	t.Run("invalid address", func(t *testing.T) {
		_, err := store.Add("not-an-ip")
		assert.ErrorIs(t, err, bans.ErrInvalidAddress)
		assert.False(t, store.Contains("not-an-ip"))
	})
}

func TestOpenBans_Integration(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)

	store, closeFn, err := postgres.OpenBans(context.Background(), pc.Config, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer closeFn()

	_, err = store.Add("10.1.1.1")
	require.NoError(t, err)
	assert.True(t, store.Contains("10.1.1.1"))
}

func TestNewBanStore_MissingTable(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)

	_, err := postgres.NewBanStore(context.Background(), pc.RawPool, 0)
	assert.Error(t, err)
}
