package offliner

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReadThrough(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutOffliner(&types.Offliner{ID: "mwoffliner", DockerImage: "ghcr.io/openzim/mwoffliner"})
	}))

	cache := NewCache(0)
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		o, err := cache.Get(tx, "mwoffliner")
		require.NoError(t, err)
		assert.Equal(t, "ghcr.io/openzim/mwoffliner", o.DockerImage)
		return nil
	}))
	assert.Equal(t, 1, cache.Len())

	// the cached copy is served even after the row changes
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutOffliner(&types.Offliner{ID: "mwoffliner", DockerImage: "other"})
	}))
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		o, err := cache.Get(tx, "mwoffliner")
		require.NoError(t, err)
		assert.Equal(t, "ghcr.io/openzim/mwoffliner", o.DockerImage)
		return nil
	}))

	cache.Invalidate("mwoffliner")
	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		o, err := cache.Get(tx, "mwoffliner")
		require.NoError(t, err)
		assert.Equal(t, "other", o.DockerImage)
		return nil
	}))

	cache.Reset()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheMissingOffliner(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cache := NewCache(0)
	err = store.View(context.Background(), func(tx storage.Tx) error {
		_, err := cache.Get(tx, "nope")
		return err
	})
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, 0, cache.Len())
}

func TestCacheEntriesExpire(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	server, err := storage.Open("sqlite", dir)
	require.NoError(t, err)
	defer server.Close()
	cli, err := storage.Open("sqlite", dir)
	require.NoError(t, err)
	defer cli.Close()

	publish := func(image string) {
		require.NoError(t, cli.Update(ctx, func(tx storage.Tx) error {
			return tx.PutOffliner(&types.Offliner{ID: "mwoffliner", DockerImage: image})
		}))
	}
	image := func(cache *Cache) string {
		var got string
		require.NoError(t, server.View(ctx, func(tx storage.Tx) error {
			o, err := cache.Get(tx, "mwoffliner")
			if err != nil {
				return err
			}
			got = o.DockerImage
			return nil
		}))
		return got
	}

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	cache := NewCache(time.Minute)
	cache.now = func() time.Time { return now }

	publish("mwoffliner:1")
	assert.Equal(t, "mwoffliner:1", image(cache))

	// another process publishes a new image
	publish("mwoffliner:2")
	now = now.Add(30 * time.Second)
	assert.Equal(t, "mwoffliner:1", image(cache))

	now = now.Add(30 * time.Second)
	assert.Equal(t, "mwoffliner:2", image(cache))
	assert.Equal(t, 1, cache.Len())
}
