package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/raahi/dispatch/pkg/logger"
)

const (
	// CorrelationIDHeader is the request tracing header.
	CorrelationIDHeader = "X-Request-ID"
	// CorrelationIDKey is the gin context key.
	CorrelationIDKey = "correlation_id"
)

// CorrelationID extracts or generates a request correlation ID and
// threads it through the request context and response headers.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := strings.TrimSpace(c.GetHeader(CorrelationIDHeader))
		if correlationID != "" {
			if _, err := uuid.Parse(correlationID); err != nil {
				correlationID = ""
			}
		}
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set(CorrelationIDKey, correlationID)
		ctx := logger.ContextWithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(CorrelationIDHeader, correlationID)

		c.Next()
	}
}
