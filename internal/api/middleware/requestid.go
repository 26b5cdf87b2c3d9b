package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/assesslabs/workspace-cloud/pkg/telemetry/correlation"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates an inbound correlation ID or mints one, stamping it on
// the context and the response. An inbound traceparent header links the
// request to the caller's trace.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tp := c.GetHeader("traceparent"); tp != "" {
			ctx = correlation.WithTraceparent(ctx, tp)
		}
		if inbound := c.GetHeader(requestIDHeader); inbound != "" {
			ctx = correlation.NewContext(ctx, inbound)
		}
		ctx, cid := correlation.Ensure(ctx)

		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", cid)
		c.Writer.Header().Set(requestIDHeader, cid)
		c.Next()
	}
}
