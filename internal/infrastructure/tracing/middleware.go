package tracing

import (
	"github.com/gin-gonic/gin"

	"github.com/promptcalc/artifacthost/internal/shared/id"
)

// TraceHeader carries the trace ID between the shell and the host.
const TraceHeader = "X-Trace-ID"

// HTTPMiddleware opens a span per request. A valid inbound X-Trace-ID is
// honored so the shell can correlate a load attempt end to end; anything
// else gets a fresh ID.
func HTTPMiddleware(t *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if inbound := c.GetHeader(TraceHeader); inbound != "" && id.IsValid(inbound) {
			ctx = WithTraceID(ctx, id.TraceID(inbound))
		}

		span, ctx := t.StartSpan(ctx, c.Request.Method+" "+c.FullPath())
		span.SetTag("method", c.Request.Method)
		span.SetTag("path", c.Request.URL.Path)

		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, span.TraceID.String())

		c.Next()

		span.SetStatus(c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		t.Submit(span)
	}
}
