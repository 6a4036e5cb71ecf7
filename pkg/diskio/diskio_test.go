package diskio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func TestQueueRunsOps(t *testing.T) {
	q := NewQueue(t.TempDir(), 2, 16, zaptest.NewLogger(t))
	defer q.Close()

	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := q.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, 10, seen)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(t.TempDir(), 1, 1, zaptest.NewLogger(t))
	defer q.Close()

	block := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, q.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	// Worker is busy; one slot in the channel.
	require.NoError(t, q.Submit(func() {}))
	assert.ErrorIs(t, q.Submit(func() {}), ErrQueueFull)

	close(block)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(t.TempDir(), 1, 4, zaptest.NewLogger(t))
	q.Close()

	assert.ErrorIs(t, q.Submit(func() {}), ErrQueueClosed)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	q := NewQueue(t.TempDir(), 1, 4, zaptest.NewLogger(t))

	done := false
	require.NoError(t, q.Submit(func() { done = true }))

	q.Close()
	assert.True(t, done)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(unix.EAGAIN))
	assert.True(t, IsTransient(unix.ENOMEM))
	assert.True(t, IsTransient(unix.ETIMEDOUT))
	assert.False(t, IsTransient(unix.EIO))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsTimeout(unix.ETIMEDOUT))
	assert.False(t, IsTimeout(unix.EAGAIN))
}

func TestStatFs(t *testing.T) {
	total, avail, err := StatFs(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, total, avail)
}
