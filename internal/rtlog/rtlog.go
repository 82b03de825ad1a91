// Package rtlog is the structured-logging seam for the runtime. It wraps
// zap rather than hand-rolling a logger, the same way production pool code
// in the wild does for this kind of lifecycle/state-transition logging.
package rtlog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// Set installs l as the package-wide logger. Passing nil restores the no-op
// logger. Safe to call concurrently with logging from runtime goroutines.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// L returns the currently installed logger.
func L() *zap.Logger {
	return current.Load()
}
