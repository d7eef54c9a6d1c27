package slogutil

import (
	"log/slog"
	"sync/atomic"
)

// DynamicLeveler is a slog.Leveler whose level can change at runtime.
type DynamicLeveler struct {
	level atomic.Value
}

// NewDynamicLeveler returns a leveler starting at level.
func NewDynamicLeveler(level slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.level.Store(level)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	return dl.level.Load().(slog.Level)
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}

// processLeveler drives the logger built by SetupRotation so the level can
// be adjusted without restarting.
var processLeveler = NewDynamicLeveler(slog.LevelInfo)

// SetProcessLevel changes the level of the process logger at runtime.
func SetProcessLevel(level string) {
	processLeveler.SetLevel(ParseLevel(level))
}

// ProcessLevel returns the current level of the process logger.
func ProcessLevel() slog.Level {
	return processLeveler.Level()
}
