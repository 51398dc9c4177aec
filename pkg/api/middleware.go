package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"github.com/flowforge/yafgo/pkg/logging"
)

const (
	traceIDKey                  = "traceID"
	contentTypeHeaderKey        = "Content-Type"
	contentTypeHeaderValRFC9457 = "application/problem+json"
)

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// TraceIDMiddleware injects a context carrying the request's trace ID (if
// any) into the logger fields derivable from it, so RequestLoggingMiddleware
// and handlers further down the chain log with it attached.
func TraceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		sc := trace.SpanContextFromContext(ctx)
		if sc.HasTraceID() {
			ctx = logging.WithFields(ctx, slog.String(traceIDKey, sc.TraceID().String()))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

const requestMsg = "handled request"

// RequestLoggingMiddleware logs every request once its handler chain
// completes, at a level derived from the response status code.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := logging.FromContext(c.Request.Context())

		start := time.Now()
		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()
		duration := time.Since(start)

		statusCode := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		l := logger.With("req", slog.GroupValue(
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.RequestURI),
			slog.String("user-agent", c.Request.UserAgent()),
			slog.Duration("duration", duration),
		)).With("resp", slog.GroupValue(
			slog.Int("status_code", statusCode),
			slog.Int("size", size),
		))

		if strings.EqualFold(c.Writer.Header().Get(contentTypeHeaderKey), contentTypeHeaderValRFC9457) {
			l = l.With("error", blw.body.String())
		}

		switch {
		case 200 <= statusCode && statusCode < 300:
			l.Info(requestMsg)
		case 300 <= statusCode && statusCode < 400:
			l.Warn(requestMsg)
		case 400 <= statusCode:
			l.Error(requestMsg)
		}
	}
}

// errRecursionDetected is reported when a request carries this process's
// own runtime ID, meaning a misconfigured downstream sent it back to us.
var errRecursionDetected = errors.New("API query recursion detected, cross-check host configuration")

// RecursionDetectorMiddleware rejects a request whose headerKey header
// matches match — this process's own runtime ID — breaking a deployment
// loop before it can query itself into oblivion.
func RecursionDetectorMiddleware(headerKey, match string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if match != "" && c.Request.Header.Get(headerKey) == match {
			logging.FromContext(c.Request.Context()).Error(errRecursionDetected.Error())
			c.AbortWithError(http.StatusBadRequest, errRecursionDetected) //nolint:errcheck
			return
		}
		c.Next()
	}
}

// RegisterProfiling mounts net/http/pprof's handlers under /debug/pprof.
func RegisterProfiling(router *gin.Engine) {
	pprof.Register(router)
}
