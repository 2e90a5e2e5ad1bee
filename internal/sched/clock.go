package sched

import "golang.org/x/sys/unix"

// now returns the current time on CLOCK_MONOTONIC, in nanoseconds.
// Every heartbeat and slice-timing comparison in this package uses this
// clock rather than wall time: clock skew across hosts is irrelevant
// because every timestamp compared comes from the same steady clock on
// one host, which CLOCK_MONOTONIC guarantees (wall time does not — it
// can jump backward under NTP correction).
func now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is POSIX-mandatory; a failure here means the
		// host is broken in a way nothing in this package can recover
		// from.
		panic("sched: clock_gettime(CLOCK_MONOTONIC): " + err.Error())
	}
	return ts.Nano()
}
