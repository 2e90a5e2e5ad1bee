package climit

import (
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// StreamHandle identifies one kernel-launch's device context and stream,
// as recorded by a RequestGuard for later synchronization at slice end.
// The concrete values are whatever opaque handles the driver ABI (out of
// scope here) hands the trampoline; this package never dereferences
// them, only threads them through to Synchronizer.
type StreamHandle struct {
	Context uintptr
	Stream  uintptr
}

// Synchronizer blocks until a given stream's queued work has completed
// on the device. The real implementation belongs to the out-of-scope
// driver-ABI layer; tests use a fake.
type Synchronizer interface {
	Synchronize(h StreamHandle) error
}

// StreamCache is a fixed-capacity, append-only vector of stream handles
// recorded during one slice, with an atomic cursor. Push may be called
// from any number of goroutines; Drain must not be called concurrently
// with Push or with another Drain.
type StreamCache struct {
	sync   Synchronizer
	max    int
	cursor atomic.Int64
	slots  []StreamHandle
}

// NewStreamCache allocates a cache with room for capacity entries.
func NewStreamCache(capacity int, sync Synchronizer) *StreamCache {
	return &StreamCache{
		sync:  sync,
		max:   capacity,
		slots: make([]StreamHandle, capacity),
	}
}

// Push records a handle. Returns false if the cache is already full for
// this slice; the handle is then not recorded, and no Drain synchronizes
// it. The capacity is the batch size, and ComputeLimiter.Admit admits at
// most that many launches between drains.
func (c *StreamCache) Push(h StreamHandle) bool {
	idx := c.cursor.Add(1) - 1
	if idx >= int64(c.max) {
		return false
	}
	c.slots[idx] = h
	return true
}

// Drain synchronizes every recorded handle and resets the cursor,
// ensuring no cross-slice overlap. It aggregates every synchronization
// failure rather than stopping at the first, so a caller can see which
// of a batch of streams failed — go-multierror is the natural fit here
// since the driver-ABI collaborator this wraps has no notion of
// "the first error wins."
func (c *StreamCache) Drain() error {
	n := c.cursor.Load()
	if n > int64(c.max) {
		n = int64(c.max)
	}

	var errs *multierror.Error
	for i := int64(0); i < n; i++ {
		if err := c.sync.Synchronize(c.slots[i]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.cursor.Store(0)
	return errs.ErrorOrNil()
}
