// Package progress defines the sink consumed by the batch layer for progress
// and completion events.
//
// Sinks are fire-and-forget: the core never waits on acknowledgment, and a
// slow sink must not slow a batch down. Implementations that talk to slow
// backends should buffer internally.
package progress

import "github.com/offsvc/wimforge/internal/logger"

// Sink receives progress and completion events for running operations.
type Sink interface {
	// Report delivers incremental progress (0-100) with a short message.
	Report(operationID string, percentage int, message string)

	// Completed delivers the terminal outcome of an operation.
	Completed(operationID string, success bool, message string)
}

// LoggerSink writes events to the process log.
type LoggerSink struct{}

// NewLoggerSink creates a log-backed sink.
func NewLoggerSink() *LoggerSink {
	return &LoggerSink{}
}

func (s *LoggerSink) Report(operationID string, percentage int, message string) {
	logger.Info("[%s] %3d%% %s", operationID, percentage, message)
}

func (s *LoggerSink) Completed(operationID string, success bool, message string) {
	if success {
		logger.Info("[%s] completed: %s", operationID, message)
		return
	}
	logger.Error("[%s] failed: %s", operationID, message)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Report(string, int, string)     {}
func (NopSink) Completed(string, bool, string) {}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Report(operationID string, percentage int, message string) {
	for _, s := range m {
		s.Report(operationID, percentage, message)
	}
}

func (m MultiSink) Completed(operationID string, success bool, message string) {
	for _, s := range m {
		s.Completed(operationID, success, message)
	}
}
