// Package telemetry emits checkout breadcrumbs to logging and tracing backends.
package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sink receives checkout lifecycle signals. Breadcrumbs are low-volume
// human-readable markers; events carry structured fields.
type Sink interface {
	Breadcrumb(ctx context.Context, message string)
	Event(ctx context.Context, name string, fields map[string]any)
}

type noopSink struct{}

func (noopSink) Breadcrumb(context.Context, string)            {}
func (noopSink) Event(context.Context, string, map[string]any) {}

// Noop returns a sink that discards everything.
func Noop() Sink { return noopSink{} }

type zapSink struct {
	logger *zap.Logger
}

// NewZapSink emits breadcrumbs at debug level and events at info level.
func NewZapSink(logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapSink{logger: logger}
}

func (s *zapSink) Breadcrumb(_ context.Context, message string) {
	s.logger.Debug("checkout breadcrumb", zap.String("breadcrumb", message))
}

func (s *zapSink) Event(_ context.Context, name string, fields map[string]any) {
	zfields := make([]zap.Field, 0, len(fields)+1)
	zfields = append(zfields, zap.String("event", name))
	for _, key := range sortedKeys(fields) {
		zfields = append(zfields, zap.Any(key, fields[key]))
	}
	s.logger.Info("checkout event", zfields...)
}

type spanSink struct{}

// NewSpanSink records breadcrumbs and events on the active trace span.
func NewSpanSink() Sink { return spanSink{} }

func (spanSink) Breadcrumb(ctx context.Context, message string) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(message)
}

func (spanSink) Event(ctx context.Context, name string, fields map[string]any) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, key := range sortedKeys(fields) {
		attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", fields[key])))
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

type multiSink struct {
	sinks []Sink
}

// Multi fans signals out to every supplied sink. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &multiSink{sinks: filtered}
}

func (m *multiSink) Breadcrumb(ctx context.Context, message string) {
	for _, sink := range m.sinks {
		sink.Breadcrumb(ctx, message)
	}
}

func (m *multiSink) Event(ctx context.Context, name string, fields map[string]any) {
	for _, sink := range m.sinks {
		sink.Event(ctx, name, fields)
	}
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
