package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/dashsync/internal/httputil"
)

// apiHeaders are set on every response. Widget payloads are live data, so
// nothing may be cached.
var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

const hstsValue = "max-age=63072000; includeSubDomains"

// SecurityHeaders sets the API response headers. Strict-Transport-Security
// is only sent on TLS connections.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}

		if c.Request.TLS != nil {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		c.Next()
	}
}

// CodePayloadTooLarge is the error code for bodies over the limit.
const CodePayloadTooLarge = "payload_too_large"

// MaxBodySize caps request bodies at maxBytes. A declared Content-Length over
// the cap is rejected before the handler runs; chunked bodies are cut off
// while reading and surface as an error matched by IsBodyTooLarge.
func MaxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			httputil.RespondError(c, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return
		}

		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}

		c.Next()
	}
}

// IsBodyTooLarge reports whether err came from reading past MaxBodySize.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
