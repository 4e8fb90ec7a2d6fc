package comet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers any panic.
// Each handler is called with the recovered value, either as `func()` or `func(error)`.
// A panic with a canceled context is expected during shutdown and is not logged.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			if !errors.Is(err, context.Canceled) {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

// ErrorJson formats a recovered value and its stack as a single json line.
func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// Trace logs the start and end of a long running call such as a stream.
func Trace(tag string, do func()) {
	start := time.Now()
	glog.V(LogLevelLifecycle).Infof("%s start\n", tag)
	defer func() {
		millis := float64(time.Since(start)) / float64(time.Millisecond)
		glog.V(LogLevelLifecycle).Infof("%s end (%.2fms)\n", tag, millis)
	}()
	do()
}
