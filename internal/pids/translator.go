// Package pids implements the PID translator: host-pid to container-pid
// mapping, sourced from a config file the host-side device plugin
// maintains and kept current by a filesystem watch, plus the one-time
// subprocess registration that gets this container onto that plugin's
// radar in the first place.
package pids

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aclements/xpu-quotad/internal/xerrors"
)

const (
	// ConfigName is the file the host-side device plugin writes and
	// this package watches for changes.
	ConfigName = "pids.config"

	// valueWidth is the fixed field width of each decimal PID in a
	// pids.config line; shift accounts for the single separating
	// space, and lineLength is the total fixed line length (two
	// fields, one separator, no trailing newline counted here since
	// bufio.Scanner strips it).
	valueWidth = 11
	shift      = valueWidth + 1
	lineLength = shift*2 - 1

	registerRetries = 10
	registerDelay   = time.Second

	registerToolPath = "/opt/xpu/bin/xpu-client-tool"
	registerToolName = "xpu-client-tool"

	// argBlacklist is rejected wholesale from any subprocess argument
	// passed to the registration tool.
	argBlacklist = "!;&$><!\n\\*?{}()"
)

// InvalidPID is the sentinel returned for an unmapped host PID.
const InvalidPID = -1

// Observer receives the outcome of every Refresh. A nil Observer is
// valid; internal/metrics supplies the real implementation.
type Observer interface {
	ObservePIDRefresh()
	ObservePIDRefreshError()
}

// Translator watches a host-side device-plugin-maintained config file
// mapping host PIDs to this container's namespace PIDs, and registers
// this container with that plugin on startup.
type Translator struct {
	dir  string
	path string
	log  *slog.Logger
	obs  Observer

	mu  sync.RWMutex
	m   map[int]int // hostPid -> containerPid
}

// Options configures a Translator.
type Options struct {
	// ConfigDir holds pids.config; defaults to "/run/xpu/pids".
	ConfigDir string
	Observer  Observer
	Log       *slog.Logger
}

const defaultConfigDir = "/run/xpu/pids"

// New constructs a Translator. It does not read the config file or
// start the watcher; call Initialize for that.
func New(opts Options) *Translator {
	dir := opts.ConfigDir
	if dir == "" {
		dir = defaultConfigDir
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Translator{
		dir:  dir,
		path: filepath.Join(dir, ConfigName),
		log:  log.With("component", "pids"),
		obs:  opts.Observer,
		m:    make(map[int]int),
	}
}

// Initialize registers this container with the host-side device
// plugin, retrying registerRetries times, registerDelay apart, then
// starts the background config watcher. The watcher keeps running
// after Initialize returns regardless of registration's outcome — a
// registration failure is logged, not fatal, since the plugin may
// register this container out-of-band.
func (t *Translator) Initialize(ctx context.Context, cgroupPath string) error {
	go t.watch(ctx)

	if err := registerWithRetry(ctx, cgroupPath, t.log); err != nil {
		t.log.Error("device plugin registration did not succeed", "err", err)
	}
	return nil
}

// Refresh re-reads pids.config and atomically replaces the in-memory
// map. Lines that are not exactly lineLength bytes, or whose fields
// don't parse as positive ints no greater than math.MaxInt32, are
// skipped rather than treated as a fatal parse error — the plugin
// writes this file incrementally and a reader can race a partial
// write.
func (t *Translator) Refresh() error {
	f, err := os.Open(t.path)
	if err != nil {
		if t.obs != nil {
			t.obs.ObservePIDRefreshError()
		}
		return fmt.Errorf("%w: open %s: %v", xerrors.ErrInternalCheck, t.path, err)
	}
	defer f.Close()

	next := make(map[int]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if len(line) != lineLength {
			continue
		}
		hostPid, err := strconv.ParseInt(strings.TrimSpace(line[:valueWidth]), 10, 64)
		if err != nil || hostPid <= 0 || hostPid > math.MaxInt32 {
			continue
		}
		containerPid, err := strconv.ParseInt(strings.TrimSpace(line[shift:]), 10, 64)
		if err != nil || containerPid <= 0 || containerPid > math.MaxInt32 {
			continue
		}
		next[int(hostPid)] = int(containerPid)
	}
	if err := sc.Err(); err != nil {
		if t.obs != nil {
			t.obs.ObservePIDRefreshError()
		}
		return fmt.Errorf("%w: scan %s: %v", xerrors.ErrInternalCheck, t.path, err)
	}

	t.mu.Lock()
	t.m = next
	t.mu.Unlock()

	if t.obs != nil {
		t.obs.ObservePIDRefresh()
	}
	return nil
}

// GetContainerPID translates a host PID to this container's namespace,
// returning InvalidPID if hostPid is not currently mapped.
func (t *Translator) GetContainerPID(hostPid int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.m[hostPid]; ok {
		return p
	}
	return InvalidPID
}

// OwnedHostPIDs returns every host PID currently mapped to this
// container, in the map's (unspecified) iteration order. It implements
// mlimit.PIDAttributor.
func (t *Translator) OwnedHostPIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pids := make([]int, 0, len(t.m))
	for hostPid := range t.m {
		pids = append(pids, hostPid)
	}
	return pids
}

// watch runs the fsnotify loop for the config directory until ctx is
// canceled, calling Refresh on any create or write event that touches
// ConfigName. A failed initial watch setup is logged and the loop
// exits — the translator then just serves an empty map rather than
// retrying indefinitely.
func (t *Translator) watch(ctx context.Context) {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		t.log.Error("creating pids config dir", "err", err)
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Error("starting pids config watcher", "err", err)
		return
	}
	defer w.Close()

	if err := w.Add(t.dir); err != nil {
		t.log.Error("watching pids config dir", "dir", t.dir, "err", err)
		return
	}

	if _, err := os.Stat(t.path); err == nil {
		if err := t.Refresh(); err != nil {
			t.log.Error("initial pids config load", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != ConfigName {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if err := t.Refresh(); err != nil {
				t.log.Error("reloading pids config", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.log.Error("pids config watcher", "err", err)
		}
	}
}

// sanitizeArg rejects any subprocess argument containing a byte from
// argBlacklist (`!;&$><!\n\\*?{}()`), the shell-metacharacter set
// forbidden in arguments to the device-plugin registration tool.
func sanitizeArg(s string) error {
	if i := strings.IndexAny(s, argBlacklist); i >= 0 {
		return fmt.Errorf("%w: argument contains blacklisted byte %q", xerrors.ErrBlacklistedArgument, s[i])
	}
	return nil
}

func registerWithRetry(ctx context.Context, cgroupPath string, log *slog.Logger) error {
	if err := sanitizeArg(cgroupPath); err != nil {
		return err
	}

	if _, err := os.Stat(registerToolPath); err != nil {
		return fmt.Errorf("%w: %s not present: %v", xerrors.ErrSubprocessFailed, registerToolPath, err)
	}

	var lastErr error
	for attempt := 0; attempt < registerRetries; attempt++ {
		cmd := exec.CommandContext(ctx, registerToolPath, "--cgroup-path", cgroupPath)
		cmd.Args[0] = registerToolName
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%w: %v: %s", xerrors.ErrSubprocessFailed, err, strings.TrimSpace(string(out)))
		log.Info("device plugin registration attempt failed", "attempt", attempt+1, "err", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return lastErr
}
