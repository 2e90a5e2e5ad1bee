package climit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSynchronizer struct {
	mu   sync.Mutex
	seen []StreamHandle
	fail map[uintptr]error
}

func (f *fakeSynchronizer) Synchronize(h StreamHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, h)
	return f.fail[h.Stream]
}

func TestStreamCachePushThenDrain(t *testing.T) {
	synchr := &fakeSynchronizer{}
	c := NewStreamCache(4, synchr)

	require.True(t, c.Push(StreamHandle{Stream: 1}))
	require.True(t, c.Push(StreamHandle{Stream: 2}))

	require.NoError(t, c.Drain())
	require.Len(t, synchr.seen, 2)

	// Drain resets the cursor; a second drain with nothing pushed since
	// synchronizes nothing.
	require.NoError(t, c.Drain())
	require.Len(t, synchr.seen, 2)
}

func TestStreamCachePushRejectsOverCapacity(t *testing.T) {
	c := NewStreamCache(1, &fakeSynchronizer{})
	require.True(t, c.Push(StreamHandle{Stream: 1}))
	require.False(t, c.Push(StreamHandle{Stream: 2}))
}

func TestStreamCacheDrainAggregatesAllErrors(t *testing.T) {
	synchr := &fakeSynchronizer{fail: map[uintptr]error{
		1: errors.New("stream 1 failed"),
		3: errors.New("stream 3 failed"),
	}}
	c := NewStreamCache(4, synchr)
	c.Push(StreamHandle{Stream: 1})
	c.Push(StreamHandle{Stream: 2})
	c.Push(StreamHandle{Stream: 3})

	err := c.Drain()
	require.Error(t, err)
	require.Contains(t, err.Error(), "stream 1 failed")
	require.Contains(t, err.Error(), "stream 3 failed")
}
