package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/logging"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// Logger receives one entry per request; nil uses the global logger
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0

			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", lrw.status),
					zap.Int64("body_bytes", lrw.bytes),
					zap.Duration("response_time", time.Since(start)),
					zap.String("remote_addr", r.RemoteAddr),
				}
				if id := RequestIDFromContext(r.Context()); id != "" {
					fields = append(fields, zap.String("request_id", id))
				}
				if r.URL.RawQuery != "" {
					fields = append(fields, zap.String("query", r.URL.RawQuery))
				}
				logging.OrGlobal(cfg.Logger).Info("HTTP request", fields...)

				lrw.ResponseWriter = nil
				loggingRWPool.Put(lrw)
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
