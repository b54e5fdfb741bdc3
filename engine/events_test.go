package engine

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPoolPreservesPerKeyOrder(t *testing.T) {
	pool := newWorkerPool(4, 256, discardLogger())

	const perKey = 50
	var mu sync.Mutex
	seen := map[string][]int{}

	for i := 0; i < perKey; i++ {
		for k := 0; k < 3; k++ {
			key := fmt.Sprintf("object-%d", k)
			i := i
			ok := pool.dispatch(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			})
			require.True(t, ok)
		}
	}
	pool.stop()

	for key, order := range seen {
		require.Len(t, order, perKey)
		for i, v := range order {
			assert.Equal(t, i, v, "events for %s executed out of order", key)
		}
	}
}

func TestWorkerPoolDropsWhenQueueFull(t *testing.T) {
	pool := newWorkerPool(1, 1, discardLogger())
	defer pool.stop()

	block := make(chan struct{})
	// First dispatch occupies the worker, second fills the queue.
	require.True(t, pool.dispatch("k", func() { <-block }))
	require.True(t, pool.dispatch("k", func() {}))

	dropped := false
	for i := 0; i < 10; i++ {
		if !pool.dispatch("k", func() {}) {
			dropped = true
			break
		}
	}
	close(block)
	assert.True(t, dropped, "a full queue rejects instead of blocking")
}

func TestWorkerPoolRecoversHandlerPanic(t *testing.T) {
	pool := newWorkerPool(1, 8, discardLogger())

	done := make(chan struct{})
	require.True(t, pool.dispatch("k", func() { panic("handler bug") }))
	require.True(t, pool.dispatch("k", func() { close(done) }))
	pool.stop()

	select {
	case <-done:
	default:
		t.Fatal("worker died after a handler panic")
	}
}
