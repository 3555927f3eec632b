package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reprice.db")
	store, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	seed(t, store)

	snapshot, err := store.Checkpoint(ctx, "before-apply")
	require.NoError(t, err)
	assert.FileExists(t, snapshot)

	restored, err := NewSQLiteStorage(snapshot)
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()
	count, err := restored.CountVariants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	t.Run("older snapshots are pruned", func(t *testing.T) {
		for i := 0; i < MaxAutoCheckpoints+2; i++ {
			_, err := store.Checkpoint(ctx, "prune")
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
		}
		matches, err := filepath.Glob(filepath.Join(filepath.Dir(snapshot), "prune-*.db"))
		require.NoError(t, err)
		assert.Len(t, matches, MaxAutoCheckpoints)
		_, err = os.Stat(snapshot)
		assert.NoError(t, err, "other prefixes are untouched")
	})

	t.Run("in-memory databases are refused", func(t *testing.T) {
		_, err := createTestStorage(t).Checkpoint(ctx, "x")
		assert.ErrorIs(t, err, ErrNoCheckpoint)
	})
}
