package sched

import (
	"fmt"
	"time"

	"github.com/aclements/xpu-quotad/internal/xerrors"
)

// InitTimeout is the deadline after which an attaching node assumes the
// elected initializer crashed mid-initialization and force-resets the
// region to retry. A var, not a const, so tests can shrink it rather
// than waiting out a full second.
var InitTimeout = time.Second

// attach runs the single-writer-wins initialization protocol and
// returns once the region is READY. timeUnit is only actually written if
// this node wins the race to initialize; every other attacher's
// timeUnit argument is ignored, since the region's value (written once
// by whoever initializes it) is authoritative.
func attach(ctx *Context, timeUnit time.Duration) error {
	deadline := time.Time{}

	for {
		observed := ctx.magic().Load()

		switch observed {
		case magicReady:
			if v := ctx.schema().Load(); v != schemaVersion {
				return fmt.Errorf("%w: region schema %d, this build expects %d", xerrors.ErrSchemaMismatch, v, schemaVersion)
			}
			return nil

		case magicInitializing:
			if deadline.IsZero() {
				deadline = time.Now().Add(InitTimeout)
			} else if time.Now().After(deadline) {
				// The elected initializer appears to have crashed.
				// Force a re-initialization attempt; if another
				// attacher wins the upcoming CAS first, we just loop
				// again and observe INITIALIZING or READY.
				ctx.magic().CompareAndSwap(magicInitializing, magicUninit)
				deadline = time.Time{}
			}
			time.Sleep(time.Millisecond)
			continue

		default:
			if !ctx.magic().CompareAndSwap(observed, magicInitializing) {
				// Lost the race; restart the loop and observe
				// whatever the winner left behind.
				continue
			}

			for i := 0; i < MaxNodes; i++ {
				ctx.StoreHeartbeat(i, 0)
			}
			ctx.current().Store(0)
			ctx.usedUnits().Store(0)
			ctx.timeUnit().Store(int64(timeUnit))
			ctx.schema().Store(schemaVersion)
			ctx.magic().Store(magicReady)
			return nil
		}
	}
}
