package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMaxNodesElectionMutualExclusionFairnessAndCrashRecovery runs
// MaxNodes goroutines against one shared in-memory region, each driving
// the take-current/release-current protocol directly rather than
// Run/Admit (internal/climit already covers the gate side on its own),
// and checks mutual exclusion, fair-share convergence, and crash
// recovery across the whole ring.
func TestMaxNodesElectionMutualExclusionFairnessAndCrashRecovery(t *testing.T) {
	ctx := newTestContext(t)
	timeUnit := 2 * time.Millisecond
	require.NoError(t, attach(ctx, timeUnit))

	// Every node shares the minimum viable 5% quota; MaxNodes*5 == 100,
	// so the whole ring's shares sum exactly to 100.
	const quotaPercent = 100 / MaxNodes
	require.Equal(t, 5, quotaPercent)
	require.Equal(t, 100, quotaPercent*MaxNodes)

	scheds := make([]*Scheduler, MaxNodes)
	for i := range scheds {
		s, err := New(ctx, Config{Idx: i, QuotaPercent: quotaPercent, TimeUnit: timeUnit, Gate: &fakeGate{}})
		require.NoError(t, err)
		scheds[i] = s
	}

	var holders atomic.Int32
	var violations atomic.Int32
	var elected [MaxNodes]atomic.Int64

	const runFor = 2 * time.Second
	const crashAfter = 300 * time.Millisecond
	const crashIdx = 7

	deadline := time.Now().Add(runFor)

	var wg sync.WaitGroup
	for i, s := range scheds {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			for time.Now().Before(deadline) {
				if i == crashIdx && time.Since(start) > crashAfter {
					// Simulate a killed process: stop updating the
					// heartbeat entirely and exit, instead of writing
					// heartbeat 0 the way a clean shutdown would.
					return
				}

				nowNanos := s.UpdateHeartbeat()
				if !s.TryTakeCurrent(nowNanos) {
					time.Sleep(time.Millisecond)
					continue
				}

				if holders.Add(1) != 1 {
					violations.Add(1)
				}
				held := now()
				time.Sleep(timeUnit * time.Duration(quotaPercent) / 10)
				elected[i].Add(now() - held)
				holders.Add(-1)

				s.ReleaseCurrent()
			}
		}()
	}
	wg.Wait()

	// P1: at most one node ever believed it held current at once.
	require.Equal(t, int32(0), violations.Load())
	require.Equal(t, int32(0), holders.Load())

	// P3: the crashed node's heartbeat is stale enough that nothing
	// elects it current again, and it no longer holds current.
	require.Less(t, ctx.LoadHeartbeat(crashIdx), now()-int64(AliveTimeout))
	require.NotEqual(t, int32(crashIdx), ctx.LoadCurrent())

	// B1: the full ring (MaxNodes nodes, minimum-viable 5% quota each)
	// rotates without starving any surviving node.
	for i := 0; i < MaxNodes; i++ {
		if i == crashIdx {
			continue
		}
		require.Greater(t, elected[i].Load(), int64(0), "node %d never got elected", i)
	}

	// P2/B3: every surviving node's share of the total elected time
	// across the ring converges to its 1/(MaxNodes-1) quota share
	// (quota shares sum to 100 across the original ring, so with one
	// node gone the survivors' relative shares are still equal).
	var total int64
	for i := 0; i < MaxNodes; i++ {
		if i != crashIdx {
			total += elected[i].Load()
		}
	}
	require.Greater(t, total, int64(0))

	wantShare := 1.0 / float64(MaxNodes-1)
	for i := 0; i < MaxNodes; i++ {
		if i == crashIdx {
			continue
		}
		share := float64(elected[i].Load()) / float64(total)
		require.InDelta(t, wantShare, share, wantShare*0.6, "node %d elected-time share", i)
	}
}
