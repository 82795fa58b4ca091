package lifecycle

import "sync/atomic"

// currentLogLevel holds the process-wide log level gate. encore.dev/rlog
// has no runtime level filter of its own (its Debug/Info/Warn/Error calls
// all reach the platform's log collector unfiltered), so debug-volume call
// sites consult Enabled before emitting instead, giving the spec's
// hot-reloadable log_level key somewhere to actually take effect.
var currentLogLevel atomic.Value

func init() {
	currentLogLevel.Store("info")
}

var levelSeverity = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// SetLogLevel updates the active log level gate. Unknown levels are
// ignored, matching applyConfigFields' "apply what's understood" policy.
func SetLogLevel(level string) {
	if _, ok := levelSeverity[level]; !ok {
		return
	}
	currentLogLevel.Store(level)
}

// CurrentLogLevel returns the active log level, "info" until reconfigured.
func CurrentLogLevel() string {
	return currentLogLevel.Load().(string)
}

// Enabled reports whether a log statement at level should be emitted given
// the current log level gate. Unrecognized levels are always enabled.
func Enabled(level string) bool {
	want, ok := levelSeverity[level]
	if !ok {
		return true
	}
	return want >= levelSeverity[CurrentLogLevel()]
}
