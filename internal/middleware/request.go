package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestLoggerKeyCorrelationID = "correlationId"
	RequestLoggerKeyInstance      = "instance"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	instanceNameKey
)

// CorrelationID is a Gin middleware that adds a generated correlation ID to the
// [http.Request.Context].
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = NewContextWithCorrelationID(ctx, uuid.NewString())
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// NewContextWithCorrelationID returns a new [context.Context] that carries value correlationID.
func NewContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID returns the correlation ID stored in the ctx, if any. It had to have been set by
// the [CorrelationID] middleware or [NewContextWithCorrelationID] before.
func GetCorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

// NewContextWithInstanceName returns a new [context.Context] that carries the name of the database
// instance an operation runs against.
func NewContextWithInstanceName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, instanceNameKey, name)
}

func GetInstanceName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(instanceNameKey).(string)
	return name, ok
}

// RequestLogger logs the method, route, status and latency of every request. Requests to quietRoutes,
// like the health check polled by the orchestrator, are only logged at debug level unless they fail.
func RequestLogger(logger *slog.Logger, quietRoutes ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(quietRoutes))
	for _, route := range quietRoutes {
		quiet[route] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		level := slog.LevelInfo
		if quiet[c.FullPath()] {
			level = slog.LevelDebug
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.String("path", c.Request.URL.Path),
			slog.String("query", c.Request.URL.RawQuery),
			slog.String("ip", c.ClientIP()),
			slog.Int("status", status),
			slog.Duration("latency", latency),
		}
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
			attrs = append(attrs, slog.String("error", c.Errors.String()))
		}

		logger.LogAttrs(c.Request.Context(), level, "Processed HTTP request", attrs...)
	}
}
