// Package telemetry is a fire-and-forget structured event sink. Emission
// never blocks core logic and never affects control flow; a failing sink is
// silently inert.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is a single telemetry record.
type Event struct {
	ID     string
	Name   string
	At     time.Time
	Fields map[string]any
}

// Sink consumes events and non-fatal error reports.
type Sink interface {
	Emit(Event)
	// ReportError records a non-fatal failure for diagnostics.
	ReportError(scope string, err error)
}

// LogSink writes telemetry through a zap logger.
type LogSink struct {
	logger *zap.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a logger-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event", e.Name),
		zap.Time("at", e.At),
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("telemetry", fields...)
}

func (s *LogSink) ReportError(scope string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("non-fatal error", zap.String("scope", scope), zap.Error(err))
}

// Nop discards everything. Useful in tests.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) Emit(Event)                {}
func (Nop) ReportError(string, error) {}
