package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id      string
	address string
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID      string
	Address string
	Handler http.Handler
	Server  config.ServerConfig
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	readTimeout := cfg.Server.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	idleTimeout := cfg.Server.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	maxHeaderBytes := cfg.Server.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	return &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           cfg.Handler,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          zap.NewStdLog(logging.With(zap.String("listener", cfg.ID))),
		},
	}
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "http"
func (h *HTTPListener) Protocol() string {
	return "http"
}

// Addr returns the bound address once started, the configured one before.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background. Bind failures such
// as an address already in use are returned directly.
func (h *HTTPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP listener stopped serving",
				zap.String("listener", h.id),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Stop stops the HTTP listener
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
