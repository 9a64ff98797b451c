// internal/logging/testing.go
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// NewObserved returns a Logger that records every entry, Trace included,
// and the recorded logs.
func NewObserved() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(TraceLevel)
	return &Logger{zap: zap.New(core), config: NewDefaultConfig()}, logs
}
