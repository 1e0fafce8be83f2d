package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxCallerDepth = 16

// callerHook points the reported caller at the first frame outside logrus and
// the logging helpers, so a trader line is attributed to the trader and not
// to Entry.Warn or LogPerformanceEntry.
type callerHook struct {
	skip []string
}

func newCallerHook() *callerHook {
	return &callerHook{skip: []string{"github.com/sirupsen/logrus", "tradeflow/logger."}}
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := h.caller(); ok {
		entry.Caller = &frame
	}
	return nil
}

func (h *callerHook) caller() (runtime.Frame, bool) {
	pcs := make([]uintptr, maxCallerDepth)
	// runtime.Callers, caller and Fire are never interesting.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !h.skipped(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func (h *callerHook) skipped(fn string) bool {
	for _, prefix := range h.skip {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
