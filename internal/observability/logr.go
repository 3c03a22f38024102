package observability

import (
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
)

// logrSink adapts Logger to logr.LogSink. logr verbosity 0 maps to info,
// anything higher to debug.
type logrSink struct {
	logger Logger
	name   string
}

// NewLogr returns a logr.Logger writing to logger.
func NewLogr(logger Logger) logr.Logger {
	return logr.New(&logrSink{logger: logger})
}

// InstallOtelLogger routes OpenTelemetry's internal diagnostics (exporter
// failures, dropped spans) into logger.
func InstallOtelLogger(logger Logger) {
	otel.SetLogger(NewLogr(logger.With(String("component", "otel"))))
}

// Init implements logr.LogSink.
func (s *logrSink) Init(logr.RuntimeInfo) {}

// Enabled implements logr.LogSink.
func (s *logrSink) Enabled(int) bool { return true }

// Info implements logr.LogSink.
func (s *logrSink) Info(level int, msg string, keysAndValues ...any) {
	fields := s.named(keyValueFields(keysAndValues))
	if level > 0 {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Info(msg, fields...)
}

// Error implements logr.LogSink.
func (s *logrSink) Error(err error, msg string, keysAndValues ...any) {
	s.logger.Error(msg, append(s.named(keyValueFields(keysAndValues)), Error(err))...)
}

// WithValues implements logr.LogSink.
func (s *logrSink) WithValues(keysAndValues ...any) logr.LogSink {
	return &logrSink{logger: s.logger.With(keyValueFields(keysAndValues)...), name: s.name}
}

// WithName implements logr.LogSink.
func (s *logrSink) WithName(name string) logr.LogSink {
	if s.name != "" {
		name = s.name + "." + name
	}
	return &logrSink{logger: s.logger, name: name}
}

func (s *logrSink) named(fields []Field) []Field {
	if s.name == "" {
		return fields
	}
	return append(fields, String("logger", s.name))
}

func keyValueFields(keysAndValues []any) []Field {
	fields := make([]Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields = append(fields, Any(key, nil))
			break
		}
		fields = append(fields, Any(key, keysAndValues[i+1]))
	}
	return fields
}
