package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/wudi/frontgate/internal/errors"
	"github.com/wudi/frontgate/internal/logging"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(r *http.Request, err any, stack []byte)
	// Respond writes the client response. Listeners with their own error
	// envelope set it; the default is the INTERNAL normalized error.
	Respond func(w http.ResponseWriter)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    logPanic,
	Respond:    errors.ErrInternal.WriteJSON,
}

func logPanic(r *http.Request, err any, stack []byte) {
	logging.Error("Panic recovered",
		zap.Any("error", err),
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
// The panic value is logged, never written to the client.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	if cfg.Respond == nil {
		cfg.Respond = DefaultRecoveryConfig.Respond
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(r, err, stack)
				}
				cfg.Respond(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
