package telemetry

import (
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
)

// LogSink writes breadcrumbs as debug log lines and error reports as errors.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink. A nil logger uses the global one.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) get() *logging.Logger {
	if s.logger == nil {
		return logging.Get()
	}
	return s.logger
}

// Breadcrumb logs the breadcrumb at debug level.
func (s *LogSink) Breadcrumb(category, message string, data map[string]interface{}) {
	ctx := map[string]interface{}{"category": category}
	s.get().Debug(message, ctx, data)
}

// ReportError logs the error with its code.
func (s *LogSink) ReportError(err error, tags map[string]string) {
	ctx := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		ctx[k] = v
	}
	s.get().ErrorWithCode("Reported error", string(errors.CodeOf(err)), err, ctx)
}
