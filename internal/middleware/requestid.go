package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the default request ID header.
const RequestIDHeader = "X-Request-ID"

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header is the header name to use for the request ID
	Header string
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader trusts incoming request ID headers
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      RequestIDHeader,
	Generator:   uuid.NewString,
	TrustHeader: true,
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware with custom config
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = RequestIDHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = uuid.NewString
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if cfg.TrustHeader {
				requestID = r.Header.Get(cfg.Header)
			}
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(cfg.Header, requestID)
			w.Header().Set(cfg.Header, requestID)

			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
		})
	}
}

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
