package sched

import (
	"sync/atomic"
	"unsafe"
)

// MaxNodes is the floor of 100 / minimum-viable-quota-percent (5): with
// quotas expressed as an integer percent of 100 die-time-units, no more
// than 20 containers can hold a non-zero share simultaneously.
const MaxNodes = 20

// Magic values for the region's single-writer-wins initialization
// barrier. Any value other than these three is treated as
// "uninitialized" — including the zero value, which is what a freshly
// truncated file reads as.
const (
	magicUninit       uint32 = 0
	magicInitializing uint32 = 0xC0FFEE01
	magicReady        uint32 = 0xC0FFEE02
)

// schemaVersion guards against two builds of this module disagreeing
// about the region's field layout: an attacher that finds a mismatched
// version refuses to attach rather than misinterpret the bytes.
const schemaVersion uint32 = 1

// Field offsets into the mapped region. Defined explicitly, rather than
// derived from a Go struct's memory layout, because the struct's
// in-memory layout is a compiler implementation detail and the region's
// layout must be identical across every sibling process that maps it —
// including ones built by a different Go toolchain version.
const (
	offMagic     = 0
	offSchema    = 4
	offTimeUnit  = 8  // int64 nanoseconds, 8-byte aligned
	offUsedUnits = 16 // uint64
	offCurrent   = 24 // int32
	// 4 bytes of padding at 28 keep the nodes array 8-byte aligned.
	offNodes = 32 // [MaxNodes]int64 heartbeat, 8 bytes each
)

// ContextSize is the fixed byte size of the region. It is a named
// constant derived from the field-width arithmetic above, not
// unsafe.Sizeof(Context{}) — Context never holds the fields itself, only
// a pointer into the mapped bytes.
const ContextSize = offNodes + MaxNodes*8

// Context is a typed, atomic view over a mapped byte region whose layout
// matches ContextSize exactly. It performs every read and write via
// sync/atomic on a pointer into the region, so that concurrent mappings
// in sibling processes observe each other's writes without any lock
// beyond the compare-and-swap discipline the package implements.
type Context struct {
	data []byte
}

// NewContext wraps a mapped byte slice. Panics if the slice is smaller
// than ContextSize — this is a programmer error (the region was sized
// wrong at Open time), not a runtime condition to recover from.
func NewContext(data []byte) *Context {
	if len(data) < ContextSize {
		panic("sched: region too small for Context")
	}
	return &Context{data: data}
}

func (c *Context) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&c.data[off]))
}

func (c *Context) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&c.data[off]))
}

func (c *Context) i64(off int) *atomic.Int64 {
	return (*atomic.Int64)(unsafe.Pointer(&c.data[off]))
}

func (c *Context) i32(off int) *atomic.Int32 {
	return (*atomic.Int32)(unsafe.Pointer(&c.data[off]))
}

func (c *Context) magic() *atomic.Uint32    { return c.u32(offMagic) }
func (c *Context) schema() *atomic.Uint32   { return c.u32(offSchema) }
func (c *Context) timeUnit() *atomic.Int64  { return c.i64(offTimeUnit) }
func (c *Context) usedUnits() *atomic.Uint64 { return c.u64(offUsedUnits) }
func (c *Context) current() *atomic.Int32   { return c.i32(offCurrent) }

func (c *Context) heartbeat(idx int) *atomic.Int64 {
	if idx < 0 || idx >= MaxNodes {
		panic("sched: node index out of range")
	}
	return c.i64(offNodes + idx*8)
}

// LoadUsedUnits returns the current used_units counter.
func (c *Context) LoadUsedUnits() uint64 { return c.usedUnits().Load() }

// AddUsedUnits atomically increments used_units by delta, returning the
// new value. used_units is monotonically increasing.
func (c *Context) AddUsedUnits(delta uint64) uint64 {
	return c.usedUnits().Add(delta)
}

// LoadCurrent returns the index of the node currently permitted to
// submit kernels.
func (c *Context) LoadCurrent() int32 { return c.current().Load() }

// CompareAndSwapCurrent attempts to move "current" from old to newVal.
func (c *Context) CompareAndSwapCurrent(old, newVal int32) bool {
	return c.current().CompareAndSwap(old, newVal)
}

// LoadHeartbeat returns slot idx's last-written heartbeat, as
// nanoseconds on the monotonic clock read by now() in clock.go.
func (c *Context) LoadHeartbeat(idx int) int64 { return c.heartbeat(idx).Load() }

// StoreHeartbeat writes slot idx's heartbeat.
func (c *Context) StoreHeartbeat(idx int, v int64) { c.heartbeat(idx).Store(v) }

// LoadTimeUnit returns the slice granularity agreed on at
// initialization, in nanoseconds.
func (c *Context) LoadTimeUnit() int64 { return c.timeUnit().Load() }
