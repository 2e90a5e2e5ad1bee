// Package xerrors defines the error kinds shared across xpu-quotad's
// components, so callers can branch on kind with errors.Is instead of
// matching strings.
package xerrors

import "errors"

var (
	// ErrInitFatal marks an error that leaves the process unable to run
	// unscheduled: SHM mapping failure, driver init failure, unparseable
	// config. The caller should log and exit.
	ErrInitFatal = errors.New("xpu-quotad: fatal initialization error")

	// ErrQuotaExceeded marks a memory allocation that would exceed the
	// container's quota. Callers map this to the driver's OOM code.
	ErrQuotaExceeded = errors.New("xpu-quotad: memory quota exceeded")

	// ErrInternalCheck marks a failure to verify quota (lock unusable,
	// driver query failed). Callers map this to the driver's generic
	// failure code; the caller may retry.
	ErrInternalCheck = errors.New("xpu-quotad: could not verify memory quota")

	// ErrConfigMissing marks the absence of the containerization config
	// file. Host mode: limiting is disabled, not an error.
	ErrConfigMissing = errors.New("xpu-quotad: no containerization config present")

	// ErrSubprocessFailed marks exhaustion of the device-plugin
	// registration retry budget.
	ErrSubprocessFailed = errors.New("xpu-quotad: device plugin registration failed")

	// ErrWatcherGone marks the PID-map watcher goroutine having exited
	// (e.g. a short inotify/fsnotify read). The PID map is frozen at its
	// last known state.
	ErrWatcherGone = errors.New("xpu-quotad: pid watcher exited")

	// ErrBlacklistedArgument marks a subprocess argument containing a
	// byte from the shell-metacharacter blacklist; the subprocess is
	// never spawned.
	ErrBlacklistedArgument = errors.New("xpu-quotad: argument contains blacklisted character")

	// ErrSchemaMismatch marks a shared-memory region whose schema
	// version does not match this build's.
	ErrSchemaMismatch = errors.New("xpu-quotad: shared memory region schema version mismatch")
)
