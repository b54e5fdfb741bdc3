package dedup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-storage/pinwheel/interfaces"
	"github.com/pinwheel-storage/pinwheel/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndex(t *testing.T, store interfaces.ObjectStore, cfg Config) *Index {
	t.Helper()
	ix, err := NewIndex(cfg, store, clock.NewMock(), testLogger())
	require.NoError(t, err)
	return ix
}

func TestNewIndexRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewIndex(Config{Algorithm: "md5"}, storage.NewMemoryStore(), clock.NewMock(), testLogger())
	assert.ErrorContains(t, err, "unsupported dedup hash algorithm")
}

func TestSmallPayloadsAreNeverDeduplicated(t *testing.T) {
	ix := newTestIndex(t, storage.NewMemoryStore(), Config{MinSize: 1024})

	res, err := ix.CheckDuplicate(context.Background(), []byte("tiny"))
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.ContentHash)
}

func TestDuplicateDetectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ix := newTestIndex(t, store, Config{MinSize: 1})

	payload := bytes.Repeat([]byte("content"), 200)
	res, err := ix.CheckDuplicate(ctx, payload)
	require.NoError(t, err)
	require.True(t, res.Eligible)
	assert.False(t, res.IsDuplicate)

	id, err := store.Put(ctx, payload)
	require.NoError(t, err)
	canonical, won := ix.RegisterContent(id, res.ContentHash, int64(len(payload)))
	require.True(t, won)
	assert.Equal(t, id, canonical)

	res, err = ix.CheckDuplicate(ctx, payload)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, id, res.CanonicalID)
}

func TestStaleMappingIsPurged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ix := newTestIndex(t, store, Config{MinSize: 1})

	payload := bytes.Repeat([]byte("stale"), 100)
	id, err := store.Put(ctx, payload)
	require.NoError(t, err)
	hash := ix.HashContent(payload)
	ix.RegisterContent(id, hash, int64(len(payload)))

	// Canonical object vanishes from the store.
	store.Remove(id)

	res, err := ix.CheckDuplicate(ctx, payload)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate, "mapping to a tombstoned object must not count as duplicate")
	_, found := ix.Lookup(hash)
	assert.False(t, found, "stale mapping must be purged")
}

type flakyStore struct {
	mock.Mock
	*storage.MemoryStore
}

func (f *flakyStore) Stat(ctx context.Context, id interfaces.ObjectID) (interfaces.ObjectStat, error) {
	args := f.Called(ctx, id)
	return args.Get(0).(interfaces.ObjectStat), args.Error(1)
}

func TestUnreachableStoreFallsBackToNewContent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem}
	ix := newTestIndex(t, store, Config{MinSize: 1})

	payload := bytes.Repeat([]byte("flaky"), 100)
	id, err := mem.Put(ctx, payload)
	require.NoError(t, err)
	hash := ix.HashContent(payload)
	ix.RegisterContent(id, hash, int64(len(payload)))

	store.On("Stat", mock.Anything, id).Return(interfaces.ObjectStat{}, interfaces.ErrDependencyUnavailable)

	res, err := ix.CheckDuplicate(ctx, payload)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	_, found := ix.Lookup(hash)
	assert.True(t, found, "mapping survives a transient verification failure")
}

func TestConcurrentRegistrationFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ix := newTestIndex(t, store, Config{MinSize: 1})

	payload := bytes.Repeat([]byte("race"), 100)
	hash := ix.HashContent(payload)
	id, err := store.Put(ctx, payload)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, wins[i] = ix.RegisterContent(id, hash, int64(len(payload)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one registration wins")
	assert.Equal(t, 1, ix.Len())
}

func TestRemoveByCanonical(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ix := newTestIndex(t, store, Config{MinSize: 1})

	payload := bytes.Repeat([]byte("gone"), 100)
	id, err := store.Put(ctx, payload)
	require.NoError(t, err)
	hash := ix.HashContent(payload)
	ix.RegisterContent(id, hash, int64(len(payload)))

	ix.RemoveByCanonical(id)
	_, found := ix.Lookup(hash)
	assert.False(t, found)
	assert.Zero(t, ix.Len())
}

func TestBlake2bAlgorithm(t *testing.T) {
	ix := newTestIndex(t, storage.NewMemoryStore(), Config{MinSize: 1, Algorithm: AlgoBLAKE2b})
	h1 := ix.HashContent([]byte("payload"))
	h2 := ix.HashContent([]byte("payload"))
	h3 := ix.HashContent([]byte("other"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
