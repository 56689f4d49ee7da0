package log

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxBacktrackDepth = 16

// BackTrackHook adds the file, line and function of the logging call to entries
// which are at least as severe as its level
type BackTrackHook struct {
	level logrus.Level
}

func NewBackTrackHook(level logrus.Level) logrus.Hook {
	return &BackTrackHook{level: level}
}

func (bt *BackTrackHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= bt.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (bt *BackTrackHook) Fire(entry *logrus.Entry) error {
	frame, ok := callerFrame()
	if !ok {
		entry.Data["bt_line"] = "unknown:0"
		entry.Data["bt_func"] = "unknown"
		return nil
	}
	entry.Data["bt_line"] = fmt.Sprintf("%s:%d", frame.File, frame.Line)
	entry.Data["bt_func"] = frame.Function
	return nil
}

// callerFrame returns the first frame outside logrus and this hook
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, maxBacktrackDepth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "github.com/sirupsen/logrus") &&
			!strings.HasSuffix(frame.Function, "(*BackTrackHook).Fire") &&
			!strings.HasSuffix(frame.Function, "log.callerFrame") {
			return frame, frame.Function != ""
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
