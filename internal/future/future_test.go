package future

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOnce(t *testing.T) {
	c := New[string]()

	assert.True(t, c.Resolve("first"))
	assert.False(t, c.Resolve("second"))
	assert.Equal(t, "first", c.Value())
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	c := New[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if c.Resolve(v) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestWait(t *testing.T) {
	c := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve(42)
	}()
	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWaitContextDone(t *testing.T) {
	c := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Resolve(1), "a timed-out wait leaves the cell unresolved")
}
