package pkg

import "runtime/debug"

// Recover logs a recovered panic with its stack. Deferred at the top of every
// goroutine that must not take the process down.
func Recover() {
	if r := recover(); r != nil {
		DefaultLogger.Errorf("panic recovered: %v\n%s", r, debug.Stack())
	}
}
