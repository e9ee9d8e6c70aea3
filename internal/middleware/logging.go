package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/frontgate/internal/logging"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Fields are added to every entry, e.g. the listener ID.
	Fields []zap.Field
}

// accessEntry collects fields contributed by inner middlewares, such as the
// resolved client IP, which are only known after the log middleware ran.
type accessEntry struct {
	mu     sync.Mutex
	fields []zap.Field
}

type accessEntryKey struct{}

// AddLogFields attaches fields to the access log line of the current request.
// It is a no-op outside the logging middleware.
func AddLogFields(ctx context.Context, fields ...zap.Field) {
	e, ok := ctx.Value(accessEntryKey{}).(*accessEntry)
	if !ok {
		return
	}
	e.mu.Lock()
	e.fields = append(e.fields, fields...)
	e.mu.Unlock()
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware that writes one
// structured entry per request.
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
			lrw.wroteHeader = false

			entry := &accessEntry{}
			next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), accessEntryKey{}, entry)))

			fields := make([]zap.Field, 0, 8+len(cfg.Fields)+len(entry.fields))
			fields = append(fields,
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lrw.status),
				zap.Int64("body_bytes", lrw.bytes),
				zap.Duration("response_time", time.Since(start)),
			)
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			fields = append(fields, cfg.Fields...)
			entry.mu.Lock()
			fields = append(fields, entry.fields...)
			entry.mu.Unlock()

			logging.Info("HTTP request", fields...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
