package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// RequestIDKey is the gin context key for the request ID.
	RequestIDKey = "request_id"

	// RequestIDHeader is the HTTP header used to propagate the request ID.
	RequestIDHeader = "X-Request-ID"

	loggerKey = "request_logger"
)

// RequestID assigns every request a fresh server-side UUID and a logger
// entry carrying it. A client-supplied X-Request-ID is kept only as the
// "client_request_id" log field.
func RequestID(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()

		entry := log.WithField("request_id", id)
		if clientID := c.GetHeader(RequestIDHeader); clientID != "" {
			if len(clientID) > 128 {
				clientID = clientID[:128]
			}
			entry = entry.WithField("client_request_id", clientID)
		}

		c.Set(RequestIDKey, id)
		c.Set(loggerKey, entry)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger returns the request-scoped entry set by RequestID, or an entry on
// fallback when the middleware did not run.
func Logger(c *gin.Context, fallback *logrus.Logger) *logrus.Entry {
	if v, ok := c.Get(loggerKey); ok {
		if entry, ok := v.(*logrus.Entry); ok {
			return entry
		}
	}

	return logrus.NewEntry(fallback)
}
