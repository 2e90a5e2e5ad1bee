package xpuquota

import (
	"fmt"
	"sync"

	"github.com/aclements/xpu-quotad/internal/xerrors"
)

var (
	instanceMu sync.Mutex
	instance   *Limiter
)

// Init constructs the process-wide Limiter from opts and installs it as
// the singleton Instance returns. It is the first-use initialization
// barrier used in place of a shared-library constructor: call it once,
// early, from the interposed library's entry point. Calling it again
// while a singleton is installed returns ErrInitFatal; Limiter.Close does
// not uninstall it, only SetInstance(nil) does.
func Init(opts Options) error {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return fmt.Errorf("%w: xpuquota.Init called twice", xerrors.ErrInitFatal)
	}
	l, err := New(opts)
	if err != nil {
		return err
	}
	instance = l
	return nil
}

// Instance returns the singleton installed by Init, or nil if Init has
// not been called. Every interposed driver-ABI entry point (out of
// scope here) calls this once per intercepted call.
func Instance() *Limiter {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// SetInstance explicitly injects l as the singleton, bypassing Init.
// Tests use it to install a Limiter built against xpu.Simulator without
// touching global driver-constructor timing. It returns the previous
// instance so a test can restore it.
func SetInstance(l *Limiter) (previous *Limiter) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	previous = instance
	instance = l
	return previous
}
