package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/frontgate/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr, err := NewTransport(config.TransportConfig{})
	if err != nil {
		t.Fatal(err)
	}

	if tr.MaxIdleConns != 100 {
		t.Errorf("Expected MaxIdleConns 100, got %d", tr.MaxIdleConns)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("Expected IdleConnTimeout 90s, got %v", tr.IdleConnTimeout)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("Expected ForceAttemptHTTP2")
	}
}

func TestMergeTransportConfig(t *testing.T) {
	merged := MergeTransportConfig(DefaultTransportConfig, config.TransportConfig{
		MaxIdleConnsPerHost:   50,
		ResponseHeaderTimeout: 5 * time.Second,
		InsecureSkipVerify:    true,
	})

	if merged.MaxIdleConnsPerHost != 50 {
		t.Errorf("Expected MaxIdleConnsPerHost 50, got %d", merged.MaxIdleConnsPerHost)
	}
	if merged.MaxIdleConns != 100 {
		t.Errorf("Expected base MaxIdleConns kept, got %d", merged.MaxIdleConns)
	}
	if merged.ResponseHeaderTimeout != 5*time.Second {
		t.Errorf("Expected ResponseHeaderTimeout 5s, got %v", merged.ResponseHeaderTimeout)
	}
	if !merged.InsecureSkipVerify {
		t.Error("Expected InsecureSkipVerify")
	}
}

func TestNewTransportCAFile(t *testing.T) {
	if _, err := NewTransport(config.TransportConfig{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for missing CA file")
	}

	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTransport(config.TransportConfig{CAFile: path}); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}
