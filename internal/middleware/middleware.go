// Package middleware provides Gin middleware for the governor HTTP API:
// request IDs, structured request logging, panic recovery, API key
// authentication and token-bucket rate limiting.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/limiter"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

// Context keys set by this package.
const (
	RequestIDKey     = "request_id"
	ClientIDKey      = "client_id"
	AuthenticatedKey = "authenticated"
)

// RequestID propagates X-Request-ID or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// Logging logs method, path, status and latency once the request completes.
// 5xx responses log at error, 4xx at warn, everything else at info.
func Logging(logger *slog.Logger) gin.HandlerFunc {
	logger = logging.OrDiscard(logger)
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if id, ok := c.Get(RequestIDKey); ok {
			attrs = append(attrs, "request_id", id)
		}

		switch {
		case status >= 500:
			attrs = append(attrs, "errors", c.Errors.ByType(gin.ErrorTypePrivate).String())
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

// Recovery turns a panic into a 500 instead of crashing the server.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	logger = logging.OrDiscard(logger)
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("recovered from panic", "panic", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_server_error",
					"message": "An unexpected error occurred.",
				})
			}
		}()
		c.Next()
	}
}

// AdminAuth validates X-Admin-Key or a Bearer token against expectedKey.
// With no key configured every request is refused.
func AdminAuth(expectedKey string) gin.HandlerFunc {
	return keyAuth("X-Admin-Key", expectedKey,
		"management API disabled: GOVERNOR_ADMIN_API_KEY not configured",
		"unauthorized: invalid or missing admin API key")
}

// QueryAuth validates X-API-Key or a Bearer token against expectedKey for the
// query endpoint. With no key configured every request is refused.
func QueryAuth(expectedKey string) gin.HandlerFunc {
	return keyAuth("X-API-Key", expectedKey,
		"query API disabled: GOVERNOR_QUERY_API_KEY not configured",
		"unauthorized: invalid or missing API key")
}

func keyAuth(header, expectedKey, disabledMsg, deniedMsg string) gin.HandlerFunc {
	if expectedKey == "" {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": disabledMsg})
		}
	}
	want := []byte(expectedKey)
	return func(c *gin.Context) {
		key := c.GetHeader(header)
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": deniedMsg})
			return
		}
		c.Set(AuthenticatedKey, true)
		c.Next()
	}
}

// Authenticated reports whether an auth middleware accepted the request's key.
func Authenticated(c *gin.Context) bool {
	return c.GetBool(AuthenticatedKey)
}

// ClientID identifies the caller for rate limiting. X-Client-ID is honored
// only on authenticated requests; anyone else is keyed by client IP.
func ClientID(c *gin.Context) string {
	if Authenticated(c) {
		if id := c.GetHeader("X-Client-ID"); id != "" {
			return id
		}
	}
	return c.ClientIP()
}

// Admitter is the admission check used by RateLimit.
type Admitter interface {
	TryConsume(clientID, route string) limiter.Decision
}

// SetRateLimitHeaders exposes a limiter decision to the client.
func SetRateLimitHeaders(c *gin.Context, d limiter.Decision) {
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(d.Remaining)), 10))
	if !d.Allowed {
		secs := int64(math.Ceil(float64(d.RetryAfterMs) / 1000))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// RateLimit admits requests through lim, keyed by client and the matched
// route pattern. Denied requests get 429 with Retry-After.
func RateLimit(lim Admitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		client := ClientID(c)
		c.Set(ClientIDKey, client)

		d := lim.TryConsume(client, route)
		SetRateLimitHeaders(c, d)
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "rate_limit_exceeded",
				"message":        "Too many requests. Please slow down.",
				"retry_after_ms": d.RetryAfterMs,
			})
			return
		}
		c.Next()
	}
}
