package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "xpoll_active_tab_a@x.com", `{"tabId":"t1"}`))

		value, err := store.Get(ctx, "xpoll_active_tab_a@x.com")
		require.NoError(t, err)
		assert.Equal(t, `{"tabId":"t1"}`, value)
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k", "one"))
		require.NoError(t, store.Set(ctx, "k", "two"))

		value, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", value)
	})

	t.Run("delete removes key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", "v"))
		require.NoError(t, store.Delete(ctx, "gone"))

		_, err := store.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete missing key is not an error", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "never-set"))
	})
}

func waitForChange(t *testing.T, ch <-chan Change, key string) Change {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case change, ok := <-ch:
			require.True(t, ok, "watch channel closed")
			if change.Key == key {
				return change
			}
		case <-timeout:
			t.Fatalf("timed out waiting for change to %q", key)
		}
	}
}

func TestMemory(t *testing.T) {
	testStoreContract(t, NewMemory())

	t.Run("watch reports sets and deletes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := NewMemory()
		changes, err := store.Watch(ctx)
		require.NoError(t, err)

		require.NoError(t, store.Set(ctx, "lease", "v1"))
		change := waitForChange(t, changes, "lease")
		assert.Equal(t, "v1", change.Value)
		assert.False(t, change.Deleted)

		require.NoError(t, store.Delete(ctx, "lease"))
		change = waitForChange(t, changes, "lease")
		assert.True(t, change.Deleted)
	})

	t.Run("watch channel closes on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		store := NewMemory()
		changes, err := store.Watch(ctx)
		require.NoError(t, err)

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-changes:
				return !ok
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("close closes watchers", func(t *testing.T) {
		store := NewMemory()
		changes, err := store.Watch(context.Background())
		require.NoError(t, err)

		require.NoError(t, store.Close())
		_, ok := <-changes
		assert.False(t, ok)
	})
}

func TestFile(t *testing.T) {
	t.Run("contract", func(t *testing.T) {
		store, err := NewFile(t.TempDir())
		require.NoError(t, err)
		defer store.Close()

		testStoreContract(t, store)
	})

	t.Run("creates directory with correct permissions", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "profile")

		store, err := NewFile(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, store.Dir())

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFile(dir)
		require.NoError(t, err)

		require.NoError(t, store.Set(context.Background(), "xpoll_answers_ABC123_Alice", `{"q1":2}`))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.NotContains(t, entries[0].Name(), tempPrefix)
	})

	t.Run("two stores on one directory share values", func(t *testing.T) {
		dir := t.TempDir()
		first, err := NewFile(dir)
		require.NoError(t, err)
		second, err := NewFile(dir)
		require.NoError(t, err)

		require.NoError(t, first.Set(context.Background(), "shared", "yes"))

		value, err := second.Get(context.Background(), "shared")
		require.NoError(t, err)
		assert.Equal(t, "yes", value)
	})

	t.Run("watch reports writes from another store", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dir := t.TempDir()
		watcher, err := NewFile(dir)
		require.NoError(t, err)
		defer watcher.Close()
		writer, err := NewFile(dir)
		require.NoError(t, err)

		changes, err := watcher.Watch(ctx)
		require.NoError(t, err)

		require.NoError(t, writer.Set(ctx, "xpoll_active_tab_a@x.com", "lease"))
		change := waitForChange(t, changes, "xpoll_active_tab_a@x.com")
		assert.Equal(t, "lease", change.Value)

		require.NoError(t, writer.Delete(ctx, "xpoll_active_tab_a@x.com"))
		change = waitForChange(t, changes, "xpoll_active_tab_a@x.com")
		assert.True(t, change.Deleted)
	})
}
