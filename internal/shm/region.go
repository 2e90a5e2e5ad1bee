// Package shm backs a named, fixed-size, cross-process memory region with
// a byte-exact layout that every sibling container maps identically. It
// has no concurrency control of its own; callers coordinate through
// atomics in the mapped bytes (see internal/sched).
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDir is where named regions are created when no directory is
// given explicitly. /dev/shm is the conventional POSIX shared-memory
// mount; falling back to it (rather than requiring shm_open) keeps the
// region a plain mmap'd file, which is sufficient since nothing in this
// system unlinks or relies on POSIX shm semantics beyond shared mmap.
const DefaultDir = "/dev/shm/xpu"

// Region is a named, fixed-size, memory-mapped file shared across
// processes. One Region exists per die; every container attached to that
// die maps the same Region.
type Region struct {
	path string
	size int
	data []byte
	fd   int
}

// Open opens or creates the named region under dir, truncates it to
// size, and maps it read-write shared. On any failure after partial
// progress the partially acquired resource is released.
func Open(dir, name string, size int) (*Region, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("shm: create base dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{path: path, size: size, data: data, fd: fd}, nil
}

// Bytes returns the raw mapped window. Callers build typed atomic views
// on top of it (see internal/sched.Context); the mapping remains valid
// even if the backing file is later unlinked.
func (r *Region) Bytes() []byte {
	return r.data
}

// Path returns the filesystem path backing the region.
func (r *Region) Path() string {
	return r.path
}

// Close unmaps then closes the region. Idempotent; the backing file is
// never unlinked — the next process to open the same name reuses it.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if closeErr := unix.Close(r.fd); closeErr != nil && err == nil {
		err = closeErr
	}
	r.fd = -1
	return err
}
