package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	uuid.EnableRandPool()
}

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header carries the ID in both directions.
	Header string
	// Generator mints an ID when the request brings no usable one.
	Generator func() string
	// TrustHeader keeps an inbound ID that passes ValidRequestID.
	TrustHeader bool
}

// DefaultRequestIDConfig keeps well-formed inbound IDs and mints UUIDs otherwise.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	Generator:   func() string { return uuid.New().String() },
	TrustHeader: true,
}

const maxRequestIDLen = 128

// ValidRequestID reports whether an inbound ID may be echoed and logged:
// non-empty, at most 128 bytes, letters, digits and "-_.:" only.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware with custom config.
// The ID is set on the response and stored in the request context.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = DefaultRequestIDConfig.Header
	}
	if cfg.Generator == nil {
		cfg.Generator = DefaultRequestIDConfig.Generator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.TrustHeader {
				if inbound := r.Header.Get(cfg.Header); ValidRequestID(inbound) {
					id = inbound
				}
			}
			if id == "" {
				id = cfg.Generator()
			}

			w.Header().Set(cfg.Header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
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
