// Package async provides panic-guarded goroutine helpers for long-lived
// background loops.
package async

import (
	"runtime/debug"

	"taskflow/internal/logging"
)

// Go runs fn on a new goroutine. Panics are logged with a stack trace instead
// of crashing the process.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. Use as a deferred call at the top of
// goroutines that must not take the process down.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		logging.OrNop(logger).Error("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
	}
}
