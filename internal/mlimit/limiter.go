// Package mlimit implements the memory-quota guard: a file-locked
// read-modify-check against live accelerator memory usage.
package mlimit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/aclements/xpu-quotad/internal/xerrors"
	"github.com/aclements/xpu-quotad/internal/xpu"
)

// DefaultLockDir and DefaultLockName match the documented filesystem
// state for the host-wide memory-quota lock.
const (
	DefaultLockDir  = "/run/xpu"
	DefaultLockName = "memctl.lock"
)

// Guard is the result of GuardedCheck. The file lock it holds is
// released when Close is called; every call site must defer Close
// regardless of Enough or Err.
type Guard struct {
	fd     int
	Enough bool
	Err    error
}

// Close releases the file lock. Idempotent.
func (g *Guard) Close() error {
	if g.fd < 0 {
		return nil
	}
	err := unix.Close(g.fd)
	g.fd = -1
	return err
}

// Limiter compares a container's live accelerator memory usage against
// its configured quota, serialized host-wide by an exclusive file lock.
type Limiter struct {
	enabled  bool
	quota    uint64 // bytes
	lockPath string
	xpu      xpu.Manager
	pids     PIDAttributor
	obs      Observer
	log      *slog.Logger
}

// PIDAttributor resolves which host PIDs belong to this container, so
// per-process accelerator memory usage can be summed correctly. This is
// internal/pids.Translator's role, injected here rather than imported
// directly to keep mlimit independent of the PID-watching machinery.
type PIDAttributor interface {
	// OwnedHostPIDs returns every host PID currently mapped to this
	// container.
	OwnedHostPIDs() []int
}

// Observer receives the outcome of every GuardedCheck performed while
// memory limiting is enabled. A nil Observer is valid; internal/metrics
// supplies the real implementation.
type Observer interface {
	ObserveMemCheckOK()
	ObserveMemCheckDenied()
	ObserveMemCheckError()
}

// Options configures a Limiter.
type Options struct {
	Enabled  bool
	QuotaMB  uint64
	LockDir  string
	XPU      xpu.Manager
	PIDs     PIDAttributor
	Observer Observer
	Log      *slog.Logger
}

// New constructs a Limiter and ensures the lock directory exists.
func New(opts Options) (*Limiter, error) {
	dir := opts.LockDir
	if dir == "" {
		dir = DefaultLockDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create lock dir %s: %v", xerrors.ErrInitFatal, dir, err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Limiter{
		enabled:  opts.Enabled,
		quota:    opts.QuotaMB * 1024 * 1024,
		lockPath: filepath.Join(dir, DefaultLockName),
		xpu:      opts.XPU,
		pids:     opts.PIDs,
		obs:      opts.Observer,
		log:      log.With("component", "mlimit"),
	}, nil
}

// Quota returns the configured memory quota in bytes.
func (l *Limiter) Quota() uint64 { return l.quota }

// Enabled reports whether memory limiting is active.
func (l *Limiter) Enabled() bool { return l.enabled }

// GuardedCheck acquires the host-wide exclusive lock (blocking), then,
// if memory limiting is enabled, compares
// requested bytes plus this container's currently-used bytes against
// quota. Any error fetching used memory fails closed (enough=false) and
// sets Err to an error wrapping xerrors.ErrInternalCheck.
func (l *Limiter) GuardedCheck(ctx context.Context, requested uint64) *Guard {
	if err := ctx.Err(); err != nil {
		return &Guard{fd: -1, Err: err}
	}

	fd, err := unix.Open(l.lockPath, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return &Guard{fd: -1, Err: fmt.Errorf("%w: open lock file: %v", xerrors.ErrInternalCheck, err)}
	}

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return &Guard{fd: -1, Err: fmt.Errorf("%w: flock: %v", xerrors.ErrInternalCheck, err)}
	}

	g := &Guard{fd: fd}

	if !l.enabled {
		g.Enough = true
		return g
	}

	used, err := l.usedBytes()
	if err != nil {
		l.log.Error("querying used memory", "err", err)
		g.Enough = false
		g.Err = fmt.Errorf("%w: %v", xerrors.ErrInternalCheck, err)
		if l.obs != nil {
			l.obs.ObserveMemCheckError()
		}
		return g
	}

	g.Enough = used+requested <= l.quota
	if l.obs != nil {
		if g.Enough {
			l.obs.ObserveMemCheckOK()
		} else {
			l.obs.ObserveMemCheckDenied()
		}
	}
	return g
}

func (l *Limiter) usedBytes() (uint64, error) {
	var total uint64
	for _, pid := range l.pids.OwnedHostPIDs() {
		used, err := l.xpu.ProcessMemoryUsed(pid)
		if err != nil {
			return 0, fmt.Errorf("process %d memory used: %w", pid, err)
		}
		total += used
	}
	return total, nil
}

// MemInfo implements the info-class rule for total_mem / mem_get_info:
// when memory limiting is on, total is the quota and free is
// max(quota-used, 0).
func (l *Limiter) MemInfo(realTotal uint64) (total, free uint64, err error) {
	if !l.enabled {
		return realTotal, 0, nil
	}
	used, err := l.usedBytes()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", xerrors.ErrInternalCheck, err)
	}
	total = l.quota
	if used >= l.quota {
		free = 0
	} else {
		free = l.quota - used
	}
	return total, free, nil
}
