// Package metrics exposes the process's scheduler and quota-guard
// activity as Prometheus metrics, and implements sched.Observer,
// mlimit.Observer, and pids.Observer so each component can report into
// it without importing prometheus directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aclements/xpu-quotad/internal/mlimit"
	"github.com/aclements/xpu-quotad/internal/pids"
	"github.com/aclements/xpu-quotad/internal/sched"
)

const namespace = "xpu_quotad"

// Collectors holds every metric this process registers. Register it
// with a prometheus.Registerer (typically prometheus.DefaultRegisterer)
// once at startup.
type Collectors struct {
	ElectedSeconds   prometheus.Counter
	IdleSleepSeconds prometheus.Counter
	UsedUnits        prometheus.Gauge
	OverdraftClamped prometheus.Counter

	MemCheckOK     prometheus.Counter
	MemCheckDenied prometheus.Counter
	MemCheckErrors prometheus.Counter

	PIDRefreshTotal  prometheus.Counter
	PIDRefreshErrors prometheus.Counter
}

// NewCollectors constructs a Collectors without registering it.
func NewCollectors() *Collectors {
	return &Collectors{
		ElectedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elected_seconds_total",
			Help:      "Cumulative time this node has held the current-node role.",
		}),
		IdleSleepSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_sleep_seconds_total",
			Help:      "Cumulative time this node has slept to proportion its compute share.",
		}),
		UsedUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_units",
			Help:      "Last observed value of the shared region's used_units counter.",
		}),
		OverdraftClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overdraft_clamped_total",
			Help:      "Number of slices whose next budget was clamped to zero by overdraft.",
		}),
		MemCheckOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mem_check_ok_total",
			Help:      "Memory quota checks that found sufficient headroom.",
		}),
		MemCheckDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mem_check_denied_total",
			Help:      "Memory quota checks denied for exceeding quota.",
		}),
		MemCheckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mem_check_errors_total",
			Help:      "Memory quota checks that failed to verify usage.",
		}),
		PIDRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pid_refresh_total",
			Help:      "Number of times the pids.config map was reloaded.",
		}),
		PIDRefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pid_refresh_errors_total",
			Help:      "Number of pids.config reload attempts that failed.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on
// duplicate registration (mirrors prometheus.MustRegister's contract).
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ElectedSeconds, c.IdleSleepSeconds, c.UsedUnits, c.OverdraftClamped,
		c.MemCheckOK, c.MemCheckDenied, c.MemCheckErrors,
		c.PIDRefreshTotal, c.PIDRefreshErrors,
	)
}

// Observer adapts Collectors to sched.Observer, mlimit.Observer, and
// pids.Observer at once.
type Observer struct {
	c *Collectors
}

// NewObserver wraps c as an Observer.
func NewObserver(c *Collectors) *Observer { return &Observer{c: c} }

func (o *Observer) ObserveElected(idx int, held time.Duration) {
	o.c.ElectedSeconds.Add(held.Seconds())
}

func (o *Observer) ObserveIdleSleep(idx int, d time.Duration) {
	o.c.IdleSleepSeconds.Add(d.Seconds())
}

func (o *Observer) ObserveUsedUnits(v uint64) {
	o.c.UsedUnits.Set(float64(v))
}

func (o *Observer) ObserveOverdraftClamped(idx int) {
	o.c.OverdraftClamped.Inc()
}

func (o *Observer) ObserveMemCheckOK()     { o.c.MemCheckOK.Inc() }
func (o *Observer) ObserveMemCheckDenied() { o.c.MemCheckDenied.Inc() }
func (o *Observer) ObserveMemCheckError()  { o.c.MemCheckErrors.Inc() }

func (o *Observer) ObservePIDRefresh()      { o.c.PIDRefreshTotal.Inc() }
func (o *Observer) ObservePIDRefreshError() { o.c.PIDRefreshErrors.Inc() }

var (
	_ sched.Observer  = (*Observer)(nil)
	_ mlimit.Observer = (*Observer)(nil)
	_ pids.Observer   = (*Observer)(nil)
)
