package climit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSynchronizer struct {
	n atomic.Int64
}

func (s *countingSynchronizer) Synchronize(StreamHandle) error {
	s.n.Add(1)
	return nil
}

func TestBeginLaunchDisabledIsNoop(t *testing.T) {
	l := New(Options{Enabled: false})
	g := l.BeginLaunch(StreamHandle{})
	require.NotNil(t, g)
	g.Close() // must not panic or block
}

func TestAdmitZeroWhenNothingPending(t *testing.T) {
	l := New(Options{Enabled: true})
	n, err := l.Admit()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestAdmitReleasesExactlyWaitingCount exercises P5: every
// completed RequestGuard/ReleaseGuard pairing returns sem_req and
// sem_ack to their pre-slice counts, via the DrainAll-based resolution
// of the otherwise deadlock-prone literal drain_all handshake.
func TestAdmitReleasesExactlyWaitingCount(t *testing.T) {
	synchr := &countingSynchronizer{}
	l := New(Options{Enabled: true, BatchSize: 10, Synchronizer: synchr})

	const launches = 5
	var wg sync.WaitGroup
	wg.Add(launches)
	for i := 0; i < launches; i++ {
		go func() {
			defer wg.Done()
			g := l.BeginLaunch(StreamHandle{})
			g.Close()
		}()
	}

	// Give every goroutine a chance to block in Acquire before Admit
	// drains semWaiting.
	deadline := time.Now().Add(2 * time.Second)
	for l.semWaiting.Count() < launches && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, launches, l.semWaiting.Count())

	n, err := l.Admit()
	require.NoError(t, err)
	require.Equal(t, launches, n)

	wg.Wait()
	require.Equal(t, int64(launches), synchr.n.Load())
}

func TestAdmitCapsAtBatchSize(t *testing.T) {
	synchr := &countingSynchronizer{}
	l := New(Options{Enabled: true, BatchSize: 2, Synchronizer: synchr})

	const launches = 5
	done := make(chan struct{}, launches)
	for i := 0; i < launches; i++ {
		go func() {
			g := l.BeginLaunch(StreamHandle{})
			g.Close()
			done <- struct{}{}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.semWaiting.Count() < launches && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	n, err := l.Admit()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Drain the remaining launches across further Admit calls so the
	// goroutines don't leak past the test.
	remaining := launches - n
	for remaining > 0 {
		m, err := l.Admit()
		require.NoError(t, err)
		if m == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		remaining -= m
	}
	for i := 0; i < launches; i++ {
		<-done
	}
}
