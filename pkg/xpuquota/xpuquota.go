// Package xpuquota wires the component packages (config, shm, sched,
// climit, mlimit, pids) into the single object the interposed driver-ABI
// trampolines call through. It is exposed as a process-global singleton
// installed by Init, which stands in for a shared-library constructor;
// Instance preserves that usage while New/SetInstance let a caller (or a
// test) inject an explicitly constructed Limiter instead.
package xpuquota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aclements/xpu-quotad/internal/climit"
	"github.com/aclements/xpu-quotad/internal/config"
	"github.com/aclements/xpu-quotad/internal/metrics"
	"github.com/aclements/xpu-quotad/internal/mlimit"
	"github.com/aclements/xpu-quotad/internal/pids"
	"github.com/aclements/xpu-quotad/internal/sched"
	"github.com/aclements/xpu-quotad/internal/shm"
	"github.com/aclements/xpu-quotad/internal/xerrors"
	"github.com/aclements/xpu-quotad/internal/xpu"
)

// DefaultTimeUnit is the slice granularity used when Options.TimeUnit is
// zero. The exact value is not load-bearing for any invariant — only
// its ratio to ALIVE_TIMEOUT and ROTATION_TIMEOUT matters — so a round
// number in the tens-of-milliseconds range is a reasonable default
// die-time-unit for a 100-unit period.
const DefaultTimeUnit = 20 * time.Millisecond

// Options configures a Limiter. Fields left zero take the documented
// default.
type Options struct {
	// ConfigBase is the directory holding vnpu.config/vgpu.config,
	// vnpu-ids.config, and pids.config.
	ConfigBase string

	// ShmDir overrides shm.DefaultDir.
	ShmDir string

	// LockDir overrides mlimit.DefaultLockDir.
	LockDir string

	// TimeUnit overrides DefaultTimeUnit. Only the node that wins
	// shared-region initialization has its value actually stored.
	TimeUnit time.Duration

	// BatchSize overrides climit.DefaultBatchSize.
	BatchSize int

	// CgroupPath is this container's memory cgroup path, passed to the
	// device-plugin registration subprocess.
	CgroupPath string

	// XPU is the accelerator driver binding. A real build supplies a
	// cgo-backed xpu.Manager; this module ships only xpu.Simulator. Nil
	// is rejected by New.
	XPU xpu.Manager

	// Synchronizer drains a recorded kernel-launch stream at slice end.
	// Nil defaults to a no-op, appropriate only when XPU is also a
	// non-real binding (e.g. xpu.Simulator in tests).
	Synchronizer climit.Synchronizer

	// Metrics, when non-nil, receives scheduler telemetry (elected time,
	// idle sleep, used_units, overdraft clamps) via internal/metrics.
	Metrics *metrics.Collectors

	Log *slog.Logger
}

// Limiter is one container's attachment to a die's quota governance:
// the memory guard, the compute guard/scheduler pair, and the PID
// translator, wired together.
type Limiter struct {
	cfg *config.Config
	log *slog.Logger

	region *shm.Region
	sched  *sched.Scheduler
	clim   *climit.ComputeLimiter
	mlim   *mlimit.Limiter
	pidsT  *pids.Translator
	xpuMgr xpu.Manager

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Limiter from opts. It loads the containerization
// config, optionally attaches the shared-memory region and starts the
// scheduler goroutine (only when config indicates containerized mode —
// if compute limiting is disabled, the scheduler thread is not
// started), and starts the PID-watcher goroutine unconditionally.
func New(opts Options) (*Limiter, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.XPU == nil {
		return nil, fmt.Errorf("%w: xpuquota.Options.XPU must not be nil", xerrors.ErrInitFatal)
	}

	cfg, err := config.Load(opts.ConfigBase)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var pidsObs pids.Observer
	var mlimObs mlimit.Observer
	if opts.Metrics != nil {
		m := metrics.NewObserver(opts.Metrics)
		pidsObs = m
		mlimObs = m
	}

	pidsT := pids.New(pids.Options{ConfigDir: opts.ConfigBase, Log: log, Observer: pidsObs})
	if err := pidsT.Initialize(ctx, opts.CgroupPath); err != nil {
		log.Error("device plugin registration failed permanently", "err", err)
	}

	mlim, err := mlimit.New(mlimit.Options{
		Enabled:  cfg.Containerized,
		QuotaMB:  cfg.UsedMemMB,
		LockDir:  opts.LockDir,
		XPU:      opts.XPU,
		PIDs:     pidsT,
		Observer: mlimObs,
		Log:      log,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	l := &Limiter{
		cfg:    cfg,
		log:    log,
		mlim:   mlim,
		pidsT:  pidsT,
		xpuMgr: opts.XPU,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	sync := opts.Synchronizer
	if sync == nil {
		sync = noopSynchronizer{}
	}
	l.clim = climit.New(climit.Options{
		Enabled:      cfg.Containerized,
		BatchSize:    opts.BatchSize,
		Synchronizer: sync,
		Log:          log,
	})

	if cfg.Containerized {
		shmDir := opts.ShmDir
		if shmDir == "" {
			shmDir = shm.DefaultDir
		}
		region, err := shm.Open(shmDir, cfg.DieID, sched.ContextSize)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: %v", xerrors.ErrInitFatal, err)
		}
		l.region = region

		timeUnit := opts.TimeUnit
		if timeUnit == 0 {
			timeUnit = DefaultTimeUnit
		}

		var obs sched.Observer
		if opts.Metrics != nil {
			obs = metrics.NewObserver(opts.Metrics)
		}

		shmCtx := sched.NewContext(region.Bytes())
		s, err := sched.New(shmCtx, sched.Config{
			Idx:          cfg.NodeIdx,
			QuotaPercent: cfg.QuotaPercent,
			TimeUnit:     timeUnit,
			Gate:         l.clim,
			Log:          log,
			Observer:     obs,
		})
		if err != nil {
			region.Close()
			cancel()
			return nil, err
		}
		l.sched = s

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.clim.RunScheduler(l.sched, l.done)
		}()
	}

	return l, nil
}

// CheckAlloc implements the Allocation-class interposition contract:
// acquire the memory guard, and on return either forward the
// allocation (nil error) or report which documented failure mode
// applies, via errors.Is against xerrors.ErrQuotaExceeded (map to the
// driver's OOM code) or xerrors.ErrInternalCheck (map to the driver's
// generic failure code).
func (l *Limiter) CheckAlloc(ctx context.Context, requestedBytes uint64) error {
	g := l.mlim.GuardedCheck(ctx, requestedBytes)
	defer g.Close()

	if g.Err != nil {
		return g.Err
	}
	if !g.Enough {
		return xerrors.ErrQuotaExceeded
	}
	return nil
}

// BeginLaunch implements the Launch-class interposition contract:
// construct and return a request guard, suspending the caller until the
// scheduler admits this launch (or returning immediately, as a no-op,
// when compute limiting is disabled). Callers must Close the guard once
// the underlying driver call returns.
func (l *Limiter) BeginLaunch(h climit.StreamHandle) *climit.RequestGuard {
	return l.clim.BeginLaunch(h)
}

// MemInfo implements the Info-class interposition contract for
// total_mem / mem_get_info.
func (l *Limiter) MemInfo(realTotal uint64) (total, free uint64, err error) {
	return l.mlim.MemInfo(realTotal)
}

// GetContainerPID translates a host PID into this container's PID
// namespace, or pids.InvalidPID if unmapped.
func (l *Limiter) GetContainerPID(hostPid int) int {
	return l.pidsT.GetContainerPID(hostPid)
}

// Config returns the containerization config this Limiter loaded.
func (l *Limiter) Config() *config.Config {
	return l.cfg
}

// Close stops the scheduler and PID-watcher goroutines, releases the
// shared-memory mapping (without unlinking it — other sibling
// containers may still be attached), and waits for the scheduler
// goroutine to write its heartbeat-zero and return.
func (l *Limiter) Close() error {
	close(l.done)
	l.cancel()
	l.wg.Wait()
	if l.region != nil {
		return l.region.Close()
	}
	return nil
}

// noopSynchronizer is the Synchronizer used when no real driver binding
// is wired in: every recorded stream is considered already complete.
// The real synchronization call belongs to the out-of-scope driver-ABI
// trampoline layer.
type noopSynchronizer struct{}

func (noopSynchronizer) Synchronize(climit.StreamHandle) error { return nil }

// roundUp rounds n up to the next multiple of unit. unit == 0 is
// treated as "no rounding."
func roundUp(n, unit uint64) uint64 {
	if unit == 0 || n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// DescriptorSize implements the allocation-size formula for
// 2D/3D/array/mipmapped descriptors:
// element_size(format) × channels × width × max(height,1) × max(depth,1).
func DescriptorSize(elementSize, channels, width, height, depth uint64) uint64 {
	if height == 0 {
		height = 1
	}
	if depth == 0 {
		depth = 1
	}
	return elementSize * channels * width * height * depth
}

// PitchedSize implements the pitched-allocation variant:
// RoundUp(width_in_bytes × height, element_size), then scaled by depth.
// width_in_bytes (channels × width) is not itself scaled by
// element_size, so the rounding is not a no-op — it pads the row×height
// span up to the device's element-size alignment, matching a pitched
// allocator's row-alignment padding.
func PitchedSize(elementSize, channels, width, height, depth uint64) uint64 {
	if height == 0 {
		height = 1
	}
	if depth == 0 {
		depth = 1
	}
	widthBytes := channels * width
	rowBytes := roundUp(widthBytes*height, elementSize)
	return rowBytes * depth
}
