package testutil

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// LogCapture records everything written through the zap logger it hands out
type LogCapture struct {
	logger *zap.Logger
	logs   *observer.ObservedLogs
}

// NewLogCapture creates a capture at debug level
func NewLogCapture() *LogCapture {
	core, logs := observer.New(zapcore.DebugLevel)
	return &LogCapture{logger: zap.New(core), logs: logs}
}

// Logger returns the capturing logger
func (lc *LogCapture) Logger() *zap.Logger {
	return lc.logger
}

// Messages returns every captured message in order
func (lc *LogCapture) Messages() []string {
	entries := lc.logs.All()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

// Contains checks if any captured message contains the given substring
func (lc *LogCapture) Contains(substr string) bool {
	for _, m := range lc.Messages() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// CountAt returns how many entries were logged at level with the exact message
func (lc *LogCapture) CountAt(level zapcore.Level, msg string) int {
	return lc.logs.FilterLevelExact(level).FilterMessage(msg).Len()
}

// Fields returns the context fields of the first entry with msg, or nil
func (lc *LogCapture) Fields(msg string) map[string]interface{} {
	matched := lc.logs.FilterMessage(msg).All()
	if len(matched) == 0 {
		return nil
	}
	return matched[0].ContextMap()
}

// Reset drops everything captured so far
func (lc *LogCapture) Reset() {
	lc.logs.TakeAll()
}
