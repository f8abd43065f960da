// Package tracing correlates API requests with load attempts. Every request
// carries a trace ID, either propagated by the shell or minted here, and the
// same ID ends up on the attempt's handshake messages and status surface.
package tracing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/promptcalc/artifacthost/internal/shared/id"
)

// Span represents a single traced operation.
type Span struct {
	TraceID   id.TraceID
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Tags      map[string]string
	Err       error
	Status    int
}

// Tracer mints trace IDs and records finished spans to the log.
type Tracer struct {
	service string
	ids     *id.Generator
	logger  *zap.Logger
	spans   chan *Span
}

// New creates a tracer and starts its span collector.
func New(service string, logger *zap.Logger) *Tracer {
	t := &Tracer{
		service: service,
		ids:     id.Default(),
		logger:  logger,
		spans:   make(chan *Span, 1000),
	}
	go t.collect()
	return t
}

// StartSpan opens a span, reusing the trace ID already in ctx or minting a
// fresh one.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := FromContext(ctx)
	if traceID == "" {
		traceID = t.ids.NewTraceID()
	}

	span := &Span{
		TraceID:   traceID,
		Name:      name,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}
	return span, WithTraceID(ctx, traceID)
}

// Finish closes the span.
func (s *Span) Finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetTag adds a tag to the span.
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error on the span.
func (s *Span) SetError(err error) {
	s.Err = err
}

// SetStatus records the HTTP status code.
func (s *Span) SetStatus(code int) {
	s.Status = code
}

// Submit hands a finished span to the collector. Drops when the buffer is
// full rather than blocking a request.
func (t *Tracer) Submit(span *Span) {
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("trace_id", span.TraceID.String()))
	}
}

func (t *Tracer) collect() {
	for span := range t.spans {
		fields := []zap.Field{
			zap.String("trace_id", span.TraceID.String()),
			zap.String("operation", span.Name),
			zap.String("service", t.service),
			zap.Duration("duration", span.Duration),
			zap.Int("status", span.Status),
		}
		for k, v := range span.Tags {
			fields = append(fields, zap.String(k, v))
		}
		if span.Err != nil {
			fields = append(fields, zap.Error(span.Err))
			t.logger.Warn("span completed with error", fields...)
			continue
		}
		t.logger.Debug("span completed", fields...)
	}
}

type contextKey struct{}

var traceIDKey contextKey

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID id.TraceID) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// FromContext retrieves the trace ID from ctx, or "".
func FromContext(ctx context.Context) id.TraceID {
	if traceID, ok := ctx.Value(traceIDKey).(id.TraceID); ok {
		return traceID
	}
	return ""
}
