package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// TraceIDKey is the Gin context key holding the request trace ID.
	TraceIDKey = "trace_id"
	// TraceIDHeader carries the trace ID on requests and responses, so a
	// client can thread one ID through a chain of calls.
	TraceIDHeader = "X-Trace-ID"
)

// TraceID attaches a trace ID to every request. A client-supplied
// X-Trace-ID is honored; otherwise a fresh UUID is minted. The ID is
// echoed back on the response and stored in the context for Logger,
// Recovery, and the audit trail.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(TraceIDKey, id)
		c.Header(TraceIDHeader, id)
		c.Next()
	}
}

// GetTraceID returns the request's trace ID, or "" outside a traced request.
func GetTraceID(c *gin.Context) string {
	if v, ok := c.Get(TraceIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
