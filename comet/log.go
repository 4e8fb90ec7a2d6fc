package comet

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `comet` package:
// Info:
//     abnormal events only. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data.
//     this includes:
//     - multiplexer lock timeouts and deferred retries
//     - channel construction failures
//     - recovered panics from callbacks
// V(1):
//     lifecycle events with ids that can be used to filter
//     - session created, closed, expired
//     - channel opened, transport created, transport purged
// V(2):
//     frequent events - e.g. poll, wake, enqueue, ack, receive

const (
	LogLevelLifecycle glog.Level = 1
	LogLevelDebug     glog.Level = 2
)

type LogFunction func(string, ...any)

// LogFn returns a tagged log function that only formats when the verbosity is enabled.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
