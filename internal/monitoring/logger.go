// Package monitoring holds the process-wide diagnostic logger used by the
// denoising pipeline and its adapters.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logf that tags every line with a component prefix such as
// "[Worker]". The current Logf is resolved on each call, so a later SetLogger
// still takes effect for loggers created earlier.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(prefix+" "+format, v...)
	}
}
