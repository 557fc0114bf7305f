// Package diag provides the root server's leveled diagnostic printing and
// frame-leak profiling: one global verbosity Level gates each debug
// print call.
package diag

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Level controls the global verbosity threshold; calls with a level above
// Level are suppressed.
var Level int32 = 1

// SetLevel atomically updates the global verbosity threshold.
func SetLevel(l int) {
	atomic.StoreInt32(&Level, int32(l))
}

// Dprintf prints format to stderr if level does not exceed the current
// verbosity threshold.
func Dprintf(level int, format string, args ...interface{}) {
	if int32(level) > atomic.LoadInt32(&Level) {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
