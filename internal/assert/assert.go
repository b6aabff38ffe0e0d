// Package assert reports broken internal invariants. Builds tagged shmdebug
// panic; release builds log and continue.
package assert

import (
	"fmt"

	"go.uber.org/zap"
)

// Fail reports a violated invariant.
func Fail(logger *zap.Logger, msg string, fields ...zap.Field) {
	if enabled {
		panic(fmt.Sprintf("invariant violated: %s", msg))
	}
	if logger != nil {
		logger.Error("invariant violated: "+msg, fields...)
	}
}

// That calls Fail when cond is false.
func That(cond bool, logger *zap.Logger, msg string, fields ...zap.Field) {
	if !cond {
		Fail(logger, msg, fields...)
	}
}

// Enabled reports whether violations are fatal in this build.
func Enabled() bool { return enabled }
