package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frames from these packages are never reported as the caller.
var callerSkipPrefixes = []string{
	"github.com/sirupsen/logrus",
	"tradesim/logger.",
}

// callerHook points entry.Caller at the reader, hub or gateway code that
// logged, instead of at the Log/Entry wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	// runtime.Callers, Fire and the logrus hook dispatch are never wanted.
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipCaller(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipCaller(fn string) bool {
	for _, prefix := range callerSkipPrefixes {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
