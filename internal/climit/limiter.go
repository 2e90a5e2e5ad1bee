// Package climit implements the compute limiter: the request/release
// guard pair that gates every kernel launch on the elected-current
// state, plus the background scheduler goroutine that admits batches of
// queued launches while this container holds current.
package climit

import (
	"log/slog"
	"time"

	"github.com/aclements/xpu-quotad/internal/gate"
	"github.com/aclements/xpu-quotad/internal/sched"
)

// DefaultBatchSize is the stream cache capacity and the ceiling on how
// many queued launches one admission round lets through: "order of
// tens."
const DefaultBatchSize = 64

// ComputeLimiter owns the sem_req/sem_ack pair and the stream cache,
// and implements sched.Gate so a sched.Scheduler can drive admission
// while holding current.
type ComputeLimiter struct {
	enabled   bool
	batchSize int

	semReq     *gate.Semaphore
	semAck     *gate.Semaphore
	semWaiting *gate.Semaphore
	cache      *StreamCache

	log *slog.Logger
}

// Options configures a ComputeLimiter.
type Options struct {
	// Enabled mirrors the rule that if compute limiting is disabled by
	// config, guards are no-ops and the scheduler thread is not
	// started.
	Enabled      bool
	BatchSize    int
	Synchronizer Synchronizer
	Log          *slog.Logger
}

// New constructs a ComputeLimiter. When opts.Enabled is false, the
// returned limiter's guards are no-ops and Admit always reports zero —
// callers should not start a scheduler goroutine against it at all,
// matching the "scheduler thread is not started" rule.
func New(opts Options) *ComputeLimiter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &ComputeLimiter{
		enabled:    opts.Enabled,
		batchSize:  batch,
		semReq:     gate.NewSemaphore(0),
		semAck:     gate.NewSemaphore(0),
		semWaiting: gate.NewSemaphore(0),
		cache:      NewStreamCache(batch, opts.Synchronizer),
		log:        log.With("component", "climit"),
	}
}

// Enabled reports whether compute limiting is active.
func (l *ComputeLimiter) Enabled() bool { return l.enabled }

// BeginLaunch brackets one intercepted kernel-launch call (the
// request_guard pattern). If compute limiting is disabled the returned
// guard is a no-op and the call never blocks.
func (l *ComputeLimiter) BeginLaunch(h StreamHandle) *RequestGuard {
	if !l.enabled {
		return &RequestGuard{noop: true}
	}

	l.semWaiting.Release(1)
	l.semReq.Acquire(1)

	l.cache.Push(h)

	return &RequestGuard{l: l}
}

// Admit implements sched.Gate. It is called by the scheduler goroutine,
// which must hold current for the duration of this call. It drains
// semWaiting to learn exactly how many launches are currently blocked
// in BeginLaunch, admits up to batchSize of them (putting back any
// excess for the next round), waits for each admitted launch's guard to
// have dropped, then synchronizes and clears the stream cache.
// DrainAll's atomic snapshot is what makes the count exact: a plain
// load-then-compare would race a BeginLaunch call that shows up between
// the load and the semReq.Release below, leaving semAck.Acquire waiting
// on an acknowledgement that will never arrive.
func (l *ComputeLimiter) Admit() (int, error) {
	waiting := l.semWaiting.DrainAll()
	batch := waiting
	if batch > l.batchSize {
		batch = l.batchSize
	}
	if waiting > batch {
		l.semWaiting.Release(waiting - batch)
	}
	if batch <= 0 {
		return 0, nil
	}

	l.semReq.Release(batch)
	l.semAck.Acquire(batch)

	return batch, l.cache.Drain()
}

// RunScheduler blocks running the scheduler's slice loop until done is
// closed. It is a no-op if compute limiting is disabled.
func (l *ComputeLimiter) RunScheduler(s *sched.Scheduler, done <-chan struct{}) {
	if !l.enabled {
		<-done
		return
	}
	s.Run(done)
}

var _ sched.Gate = (*ComputeLimiter)(nil)

// idleTick is exposed for tests that need to wait out a poll interval
// without hardcoding the scheduler package's private constant.
const idleTick = time.Millisecond
