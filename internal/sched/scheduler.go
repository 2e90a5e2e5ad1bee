// Package sched implements the cross-process time-slice scheduler: the
// compare-and-swap protocol over a shared-memory region that elects
// exactly one "current" node among up to MaxNodes siblings, rotates that
// role under compute-share weighting, and recovers when the current
// node's process dies mid-slice.
package sched

import (
	"log/slog"
	"math"
	"time"
)

// AliveTimeout is how stale a heartbeat can be before its node is
// considered dead.
const AliveTimeout = time.Second

// rotationTimeoutUnits sets the rotation timeout (== slot-stale timeout),
// in units of time_unit: how stale a heartbeat can be before a slot is
// skipped during ordinary release-time rotation. It scales with the
// slice granularity rather than being a fixed duration (100 × time_unit).
const rotationTimeoutUnits = 100

// admitIdleTick is how long Run sleeps between empty admission polls
// within a slice, to avoid busy-spinning while holding current with
// nothing queued.
const admitIdleTick = time.Millisecond

// Gate is the admission side of the kernel-submission handshake that
// internal/climit implements. Run calls Admit once per poll while
// holding current; Admit drains whatever request permits are pending,
// waits for their corresponding acknowledgements, and synchronizes any
// streams recorded during that batch.
type Gate interface {
	Admit() (opCount int, err error)
}

// Observer receives scheduler telemetry. All methods must be safe to
// call from the scheduler goroutine; a nil Observer is valid (every
// exported hook nil-checks before calling out) — internal/metrics
// supplies the real implementation.
type Observer interface {
	ObserveElected(idx int, held time.Duration)
	ObserveIdleSleep(idx int, d time.Duration)
	ObserveUsedUnits(v uint64)
	ObserveOverdraftClamped(idx int)
}

// Scheduler owns one node's participation in one die's election and
// rotation protocol. Not safe for concurrent use by more than one
// goroutine — a process runs exactly one scheduler goroutine.
type Scheduler struct {
	idx          int
	ctx          *Context
	quotaPercent int
	quota        time.Duration
	timeUnit     time.Duration
	gate         Gate
	log          *slog.Logger
	obs          Observer

	currentSlice       time.Duration
	lastUsedUnits      uint64
	lastUsedUnitsValid bool
}

// Config bundles the per-process identity and quota a Scheduler attaches
// with.
type Config struct {
	Idx          int
	QuotaPercent int // integer percent, 5..100
	TimeUnit     time.Duration
	Gate         Gate
	Log          *slog.Logger
	Observer     Observer
}

// New attaches to ctx (running the initialization protocol if this node
// is the first to observe the region as uninitialized) and returns a
// Scheduler ready to run its slice loop.
func New(ctx *Context, cfg Config) (*Scheduler, error) {
	if cfg.Idx < 0 || cfg.Idx >= MaxNodes {
		panic("sched: idx out of range")
	}
	if err := attach(ctx, cfg.TimeUnit); err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	timeUnit := time.Duration(ctx.LoadTimeUnit())
	quota := timeUnit * time.Duration(cfg.QuotaPercent)

	return &Scheduler{
		idx:          cfg.Idx,
		ctx:          ctx,
		quotaPercent: cfg.QuotaPercent,
		quota:        quota,
		timeUnit:     timeUnit,
		gate:         cfg.Gate,
		log:          log.With("component", "sched", "idx", cfg.Idx),
		obs:          cfg.Observer,
		currentSlice: quota,
	}, nil
}

// UpdateHeartbeat writes the current time into this node's slot and
// returns it.
func (s *Scheduler) UpdateHeartbeat() int64 {
	n := now()
	s.ctx.StoreHeartbeat(s.idx, n)
	return n
}

// liveSet returns the set of node indices whose heartbeat is no staler
// than timeout, as of nowNanos.
func (s *Scheduler) liveSet(nowNanos, timeout int64) NodeSet {
	var live NodeSet
	for i := 0; i < MaxNodes; i++ {
		if nowNanos-s.ctx.LoadHeartbeat(i) <= timeout {
			live.Set(i)
		}
	}
	return live
}

// TryTakeCurrent implements the take-current election algorithm. now
// must be this node's most recently written heartbeat (the return value
// of UpdateHeartbeat), so liveness comparisons are all relative to one
// consistent timestamp.
func (s *Scheduler) TryTakeCurrent(nowNanos int64) bool {
	cur := s.ctx.LoadCurrent()
	if int(cur) == s.idx {
		return true
	}

	holderHB := s.ctx.LoadHeartbeat(int(cur))
	if nowNanos-holderHB <= int64(AliveTimeout) {
		// Current holder is alive; wait.
		return false
	}

	live := s.liveSet(nowNanos, int64(AliveTimeout))
	chosen := -1
	oldest := int64(math.MaxInt64)
	Range(live, func(i int) {
		hb := s.ctx.LoadHeartbeat(i)
		if hb < oldest {
			oldest = hb
			chosen = i
		}
	})
	if live.Count() == 0 {
		// No live candidates at all, not even ourselves: our own
		// heartbeat write is what nowNanos came from, so this only
		// happens if nowNanos is stale relative to AliveTimeout, which
		// should not occur in the normal loop. Fall back to self.
		chosen = s.idx
	}

	if !s.ctx.CompareAndSwapCurrent(cur, int32(chosen)) {
		// Someone else already rotated. Retry on the next tick.
		return false
	}
	return chosen == s.idx
}

// ReleaseCurrent rotates the current role away from this node to the
// next live node in ring order. Only the holder may call this.
func (s *Scheduler) ReleaseCurrent() {
	nowNanos := now()
	rotationTimeout := rotationTimeoutUnits * int64(s.timeUnit)
	live := s.liveSet(nowNanos, rotationTimeout)

	for step := 1; step <= MaxNodes; step++ {
		j := (s.idx + step) % MaxNodes
		if live.Has(j) {
			if !s.ctx.CompareAndSwapCurrent(int32(s.idx), int32(j)) {
				s.log.Debug("release_current lost race, already rotated")
			}
			return
		}
	}
	// No other slot is fresh enough to take over; remain current until
	// the next tick reassesses.
}

// Run executes the slice loop until done is closed. It writes heartbeat
// 0 to this node's slot before returning, so siblings see it dead
// immediately rather than waiting out AliveTimeout.
func (s *Scheduler) Run(done <-chan struct{}) {
	defer s.ctx.StoreHeartbeat(s.idx, 0)

	for {
		select {
		case <-done:
			return
		default:
		}

		nowNanos := s.UpdateHeartbeat()
		if !s.TryTakeCurrent(nowNanos) {
			time.Sleep(admitIdleTick)
			continue
		}

		s.runSlice(done)
	}
}

func (s *Scheduler) runSlice(done <-chan struct{}) {
	sliceBegin := now()
	budget := int64(s.currentSlice)

	end := sliceBegin
	for end-sliceBegin < budget {
		select {
		case <-done:
			s.ctx.StoreHeartbeat(s.idx, 0)
			return
		default:
		}

		opCount, err := s.gate.Admit()
		if err != nil {
			s.log.Error("admitting batch", "err", err)
		}
		if opCount == 0 {
			time.Sleep(admitIdleTick)
		}

		// Refresh the heartbeat every iteration while holding current,
		// not just at slice start: a sibling's liveness check must
		// never see this node as dead while it is actively working a
		// slice longer than AliveTimeout.
		end = s.UpdateHeartbeat()
	}

	held := time.Duration(end - sliceBegin)
	if s.obs != nil {
		s.obs.ObserveElected(s.idx, held)
	}

	overdraft := held - s.currentSlice
	next := s.quota - overdraft
	if next < 0 {
		s.log.Warn("slice overran quota, clamping next budget to zero", "overdraft", overdraft)
		if s.obs != nil {
			s.obs.ObserveOverdraftClamped(s.idx)
		}
		next = 0
	}
	s.currentSlice = next

	s.idleStep()
	s.ReleaseCurrent()
}

// idleStep proportions idle sleep so this node's expected share of a
// 100-unit window equals quotaPercent.
func (s *Scheduler) idleStep() {
	used := s.ctx.AddUsedUnits(uint64(s.quotaPercent))
	if s.obs != nil {
		s.obs.ObserveUsedUnits(used)
	}

	if !s.lastUsedUnitsValid {
		s.lastUsedUnits = used
		s.lastUsedUnitsValid = true
		return
	}

	periodUsed := used - s.lastUsedUnits

	if periodUsed == 0 || periodUsed >= 100 {
		// Die saturated (or no observable progress this tick): skip
		// idle sleep without advancing lastUsedUnits, so the next tick's
		// periodUsed is measured against this same baseline instead of
		// silently discarding the units used while saturated.
		return
	}
	s.lastUsedUnits = used

	periodIdle := 100 - periodUsed
	sleepNanos := int64(s.timeUnit) * int64(periodIdle) * int64(s.quotaPercent) / int64(periodUsed)
	sleepFor := time.Duration(sleepNanos)
	if s.obs != nil {
		s.obs.ObserveIdleSleep(s.idx, sleepFor)
	}
	time.Sleep(sleepFor)
}
