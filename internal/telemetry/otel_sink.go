package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
)

const tracerName = "github.com/kimhsiao/memonexus/syncd"

// OTelSink records each breadcrumb as a short span carrying one event, and
// each error report as an errored span. Export is left to whatever
// TracerProvider the process installs.
type OTelSink struct {
	tracer trace.Tracer
}

// NewOTelSink creates a sink on the given provider, or the global one.
func NewOTelSink(provider trace.TracerProvider) *OTelSink {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OTelSink{tracer: provider.Tracer(tracerName)}
}

// Breadcrumb emits a span named after the category.
func (s *OTelSink) Breadcrumb(category, message string, data map[string]interface{}) {
	attrs := attributesOf(data)
	_, span := s.tracer.Start(context.Background(), category,
		trace.WithAttributes(attribute.String("breadcrumb.category", category)),
		trace.WithTimestamp(time.Now()))
	span.AddEvent(message, trace.WithAttributes(attrs...))
	span.End()
}

// ReportError emits an errored span tagged with the error code.
func (s *OTelSink) ReportError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(tags)+1)
	attrs = append(attrs, attribute.String("error.code", string(errors.CodeOf(err))))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	_, span := s.tracer.Start(context.Background(), "error", trace.WithAttributes(attrs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, errors.Summary(err))
	span.End()
}

func attributesOf(data map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case time.Duration:
			attrs = append(attrs, attribute.Int64(k+"_ms", val.Milliseconds()))
		case fmt.Stringer:
			attrs = append(attrs, attribute.String(k, val.String()))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}
