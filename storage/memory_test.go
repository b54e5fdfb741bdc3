package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeObjectID([]byte("payload")), id)

	data, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	stat, err := store.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stat.Size)
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := interfaces.ComputeObjectID([]byte("missing"))

	_, err := store.Get(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = store.Stat(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	err = store.Pin(ctx, id, "us-east")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestMemoryStorePinLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Put(ctx, []byte("pinned"))
	require.NoError(t, err)

	require.NoError(t, store.Pin(ctx, id, "us-east"))
	require.NoError(t, store.Pin(ctx, id, "eu-west"))
	assert.Len(t, store.Pins(id), 2)

	require.NoError(t, store.Unpin(ctx, id, "us-east"))
	assert.Len(t, store.Pins(id), 1)

	// Unpinned objects survive until the store's own GC pass.
	require.NoError(t, store.Unpin(ctx, id, "eu-west"))
	_, err = store.Get(ctx, id)
	assert.NoError(t, err)

	removed := store.RemoveUnpinned()
	assert.Equal(t, 1, removed)
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
