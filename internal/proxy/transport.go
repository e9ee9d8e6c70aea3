package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/frontgate/internal/config"
)

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = config.TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	MaxConnsPerHost:     0, // unlimited
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         30 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// MergeTransportConfig applies the non-zero values of overlay onto base.
func MergeTransportConfig(base, overlay config.TransportConfig) config.TransportConfig {
	if overlay.MaxIdleConns > 0 {
		base.MaxIdleConns = overlay.MaxIdleConns
	}
	if overlay.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = overlay.MaxIdleConnsPerHost
	}
	if overlay.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = overlay.MaxConnsPerHost
	}
	if overlay.IdleConnTimeout > 0 {
		base.IdleConnTimeout = overlay.IdleConnTimeout
	}
	if overlay.DialTimeout > 0 {
		base.DialTimeout = overlay.DialTimeout
	}
	if overlay.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = overlay.TLSHandshakeTimeout
	}
	if overlay.ResponseHeaderTimeout > 0 {
		base.ResponseHeaderTimeout = overlay.ResponseHeaderTimeout
	}
	if overlay.InsecureSkipVerify {
		base.InsecureSkipVerify = true
	}
	if overlay.CAFile != "" {
		base.CAFile = overlay.CAFile
	}
	return base
}

// NewTransport creates an HTTP transport from configuration, filling unset
// fields from DefaultTransportConfig.
func NewTransport(cfg config.TransportConfig) (*http.Transport, error) {
	cfg = MergeTransportConfig(DefaultTransportConfig, cfg)

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}
