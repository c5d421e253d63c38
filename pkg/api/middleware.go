// Package api is the thin HTTP surface wiring C1-C9 together for external
// callers: job submission, approval decisions, and the SSE stream. It is
// deliberately small — the domain logic lives in pkg/store, pkg/approval,
// pkg/queue, and pkg/sse; these handlers only translate HTTP <-> those
// calls.
package api

import (
	"github.com/gin-gonic/gin"
)

// securityHeaders sets the same conservative response headers the
// teacher's middleware applied to every response, regardless of route.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// requestAuthor is the key under which extractAuthor stores its result in
// the gin context, for handlers that need to attribute a write.
const requestAuthor = "api.author"

// extractAuthor reads the reverse-proxy-injected identity headers, falling
// back to a generic service-account name when the caller is unauthenticated
// (e.g. a local agent dispatcher hitting the API directly).
func extractAuthor() gin.HandlerFunc {
	return func(c *gin.Context) {
		author := c.GetHeader("X-Forwarded-User")
		if author == "" {
			author = c.GetHeader("X-Forwarded-Email")
		}
		if author == "" {
			author = "api-client"
		}
		c.Set(requestAuthor, author)
		c.Next()
	}
}

func authorFrom(c *gin.Context) string {
	if v, ok := c.Get(requestAuthor); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "api-client"
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func writeErrorMsg(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
