package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Sink receives the log lines and exceptions of pipelines that have no
// handler of their own installed.
type Sink interface {
	Log(pipeline, timestamp, severity, message string)
	Exception(pipeline, stacktrace string)
}

// ConsoleSink writes human-readable lines to W.
type ConsoleSink struct {
	mu sync.Mutex
	W  io.Writer
}

// NewConsoleSink returns a sink writing to w, or to stdout when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{W: w}
}

// Log writes "name ts[SEVERITY]message".
func (s *ConsoleSink) Log(pipeline, timestamp, severity, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.W, "%s %s[%s]%s\n", pipeline, timestamp, severity, message)
}

// Exception writes a header line followed by the remote stack trace.
func (s *ConsoleSink) Exception(pipeline, stacktrace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.W, "%s: user code raised an exception\n%s\n", pipeline, stacktrace)
}

// LoggerSink forwards to a structured logger.
type LoggerSink struct {
	Logger *slog.Logger
}

// NewLoggerSink returns a sink logging through logger, or slog.Default().
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{Logger: logger}
}

func (s *LoggerSink) Log(pipeline, timestamp, severity, message string) {
	s.Logger.Info(message, "pipeline", pipeline, "timestamp", timestamp, "severity", severity)
}

func (s *LoggerSink) Exception(pipeline, stacktrace string) {
	s.Logger.Error("user code exception", "pipeline", pipeline, "stacktrace", stacktrace)
}
