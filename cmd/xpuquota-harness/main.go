// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xpuquota-harness runs N synthetic sibling nodes against one
// shared-memory region in a single process, to exercise and demonstrate
// the election/rotation protocol and its crash-recovery path without
// needing real accelerator hardware or real containers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/pflag"

	"github.com/aclements/xpu-quotad/internal/climit"
	"github.com/aclements/xpu-quotad/internal/metrics"
	"github.com/aclements/xpu-quotad/internal/sched"
	"github.com/aclements/xpu-quotad/internal/shm"
	"github.com/aclements/xpu-quotad/internal/xpulog"
)

var (
	nodes      = pflag.Int("nodes", 3, "number of synthetic sibling nodes (1..sched.MaxNodes)")
	quotaCSV   = pflag.String("quota", "", "comma-separated quota_percent per node, must sum to 100; default splits evenly")
	dieID      = pflag.String("die-id", "harness", "die identifier naming the shared-memory region")
	shmDir     = pflag.String("shm-dir", "", "directory for the shared-memory file; default is a fresh temp dir")
	duration   = pflag.Duration("duration", 5*time.Second, "how long to run before reporting and exiting")
	crashNode  = pflag.Int("crash-node", -1, "index of a node to freeze mid-run, simulating a crash; -1 disables")
	crashAfter = pflag.Duration("crash-after", 0, "delay before crash-node freezes; default duration/2")
	timeUnit   = pflag.Duration("time-unit", 20*time.Millisecond, "scheduler slice granularity")
)

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xpuquota-harness:", err)
		os.Exit(1)
	}
}

func run() error {
	log := xpulog.New(xpulog.Options{Level: slog.LevelInfo})

	quotas, err := parseQuotas(*quotaCSV, *nodes)
	if err != nil {
		return err
	}

	dir := *shmDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "xpuquota-harness-")
		if err != nil {
			return fmt.Errorf("create temp shm dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	region, err := shm.Open(dir, *dieID, sched.ContextSize)
	if err != nil {
		return fmt.Errorf("open shared region: %w", err)
	}
	defer region.Close()
	shmCtx := sched.NewContext(region.Bytes())

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors()
	collectors.MustRegister(registry)
	obs := metrics.NewObserver(collectors)

	crashCh := make(chan struct{})
	if *crashAfter == 0 {
		*crashAfter = *duration / 2
	}

	var wg sync.WaitGroup
	dones := make([]chan struct{}, *nodes)

	for i := 0; i < *nodes; i++ {
		i := i
		dones[i] = make(chan struct{})

		clim := climit.New(climit.Options{
			Enabled:      true,
			Synchronizer: noopSynchronizer{},
			Log:          log,
		})

		var gate sched.Gate = clim
		if i == *crashNode {
			gate = &crashableGate{inner: clim, crash: crashCh}
		}

		s, err := sched.New(shmCtx, sched.Config{
			Idx:          i,
			QuotaPercent: quotas[i],
			TimeUnit:     *timeUnit,
			Gate:         gate,
			Log:          log,
			Observer:     obs,
		})
		if err != nil {
			return fmt.Errorf("node %d: attach scheduler: %w", i, err)
		}

		if i == *crashNode {
			// Not tracked by wg: see the shutdown loop below.
			go clim.RunScheduler(s, dones[i])
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				clim.RunScheduler(s, dones[i])
			}()
		}

		log.Info("node started", "idx", i, "quota_percent", quotas[i])
	}

	if *crashNode >= 0 {
		time.AfterFunc(*crashAfter, func() {
			log.Warn("simulating crash", "node", *crashNode)
			close(crashCh)
		})
	}

	time.Sleep(*duration)

	for i, d := range dones {
		if i == *crashNode {
			// The crashed node's goroutine is permanently blocked
			// inside Admit; closing its done channel would only be
			// observed once it returns to the top of Run's loop,
			// which a true crash never does. Leave it running; the
			// process exit below reclaims it.
			continue
		}
		close(d)
	}
	wg.Wait()

	log.Info("run complete",
		"elected_seconds_total", testutil.ToFloat64(collectors.ElectedSeconds),
		"idle_sleep_seconds_total", testutil.ToFloat64(collectors.IdleSleepSeconds),
		"used_units", testutil.ToFloat64(collectors.UsedUnits),
		"overdraft_clamped_total", testutil.ToFloat64(collectors.OverdraftClamped),
	)
	return nil
}

func parseQuotas(csv string, n int) ([]int, error) {
	if n <= 0 || n > sched.MaxNodes {
		return nil, fmt.Errorf("--nodes must be in [1, %d]", sched.MaxNodes)
	}
	if csv == "" {
		return evenQuotas(n), nil
	}

	parts := splitCSV(csv)
	if len(parts) != n {
		return nil, fmt.Errorf("--quota has %d entries, want %d (one per node)", len(parts), n)
	}
	quotas := make([]int, n)
	sum := 0
	for i, p := range parts {
		var v int
		if _, err := fmt.Sscanf(p, "%d", &v); err != nil {
			return nil, fmt.Errorf("--quota entry %q: %w", p, err)
		}
		if v < 5 || v > 100 || v%5 != 0 {
			return nil, fmt.Errorf("--quota entry %d: must be in [5,100] and a multiple of 5", v)
		}
		quotas[i] = v
		sum += v
	}
	if sum != 100 {
		return nil, fmt.Errorf("--quota entries sum to %d, want 100", sum)
	}
	return quotas, nil
}

// evenQuotas splits 100 into n shares, each a multiple of 5, as evenly
// as that constraint allows: a base share for every node and the
// remainder (itself a multiple of 5, since 100 and 5 both are) added to
// the first nodes.
func evenQuotas(n int) []int {
	units := 100 / 5 // 20 five-percent units to distribute
	base := units / n
	extra := units % n
	quotas := make([]int, n)
	for i := range quotas {
		share := base
		if i < extra {
			share++
		}
		quotas[i] = share * 5
	}
	return quotas
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

type noopSynchronizer struct{}

func (noopSynchronizer) Synchronize(climit.StreamHandle) error { return nil }

// crashableGate wraps a real sched.Gate and, once crash is closed,
// blocks every subsequent Admit call forever — freezing the owning
// scheduler goroutine mid-slice without ever reaching the top of its
// loop to update its heartbeat again. This is the closest in-process
// analog to a sibling container being SIGKILLed mid-hold, since nothing
// outside the scheduler's own loop can stop it from updating its
// heartbeat except by never letting that loop iterate again.
type crashableGate struct {
	inner sched.Gate
	crash <-chan struct{}
}

func (g *crashableGate) Admit() (int, error) {
	select {
	case <-g.crash:
		select {} // frozen: simulates a killed process
	default:
	}
	return g.inner.Admit()
}
