package smq

import (
	"fmt"
	"runtime/debug"
)

// Go runs f in a new goroutine and recovers from any panic, logging the
// panic value and stack trace with logger.
func Go(logger Logger, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(fmt.Errorf("Panic recovered: %v\n%s", r, debug.Stack()))
			}
		}()
		f()
	}()
}
