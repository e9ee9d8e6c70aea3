package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
backend:
  url: http://backend.internal:8000
  timeout: 5s

hosts:
  records:
    default:
      apps:
        studio:
          host: studio.example.com
    acme:
      apps:
        studio:
          host: studio.acme.test
          settings:
            theme: dark

apps:
  - kind: studio
    enabled: true
    port: 3000
    static_dir: ./public
  - kind: account
    enabled: false
    port: 3001
`

func TestLoaderParse(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Parse([]byte(baseYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Backend.URL != "http://backend.internal:8000" {
		t.Errorf("expected backend url, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.Timeout != 5*time.Second {
		t.Errorf("expected backend timeout 5s, got %v", cfg.Backend.Timeout)
	}
	if len(cfg.Hosts.Records) != 2 {
		t.Fatalf("expected 2 host records, got %d", len(cfg.Hosts.Records))
	}
	if got := cfg.Hosts.Records["acme"].Apps["studio"].Settings["theme"]; got != "dark" {
		t.Errorf("expected acme studio theme dark, got %q", got)
	}
	if cfg.Apps[0].APIPrefix != "/api" {
		t.Errorf("expected default api prefix /api, got %q", cfg.Apps[0].APIPrefix)
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Trust.RealIPHeader != "X-Real-IP" {
		t.Errorf("expected X-Real-IP, got %q", cfg.Trust.RealIPHeader)
	}
	if cfg.Trust.ForwardedIPHeader != "X-Forwarded-For" {
		t.Errorf("expected X-Forwarded-For, got %q", cfg.Trust.ForwardedIPHeader)
	}
	if len(cfg.Trust.TrustedProxies) != 2 {
		t.Errorf("expected loopback trusted proxies by default, got %v", cfg.Trust.TrustedProxies)
	}
	if cfg.Session.LoginPath != "/login" || cfg.Session.RedirectParam != "redirect" {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Payments.Prefix != "/rpc" {
		t.Errorf("expected payments prefix /rpc, got %q", cfg.Payments.Prefix)
	}
	if cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", cfg.Shutdown.Timeout)
	}
}

func TestEnabledApps(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	apps := cfg.EnabledApps()
	if len(apps) != 1 || apps[0].Kind != "studio" {
		t.Errorf("expected only studio enabled, got %+v", apps)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("FRONTGATE_TEST_TOKEN", "s3cret")

	yaml := baseYAML + `
payments:
  enabled: true
  port: 4000
  access_token: ${FRONTGATE_TEST_TOKEN}
  provider:
    url: https://payments.example.com
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Payments.AccessToken != "s3cret" {
		t.Errorf("expected expanded token, got %q", cfg.Payments.AccessToken)
	}
}

func TestLoaderUnsetEnvKept(t *testing.T) {
	l := NewLoader()
	got := l.expandEnvVars("token: ${FRONTGATE_DEFINITELY_UNSET}")
	if got != "token: ${FRONTGATE_DEFINITELY_UNSET}" {
		t.Errorf("expected placeholder kept, got %q", got)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing default record",
			yaml: `
hosts:
  records:
    acme:
      apps: {}
`,
			wantErr: `"default" record is required`,
		},
		{
			name: "duplicate ports",
			yaml: baseYAML + `
payments:
  enabled: true
  port: 3000
  access_token: x
  provider:
    url: https://payments.example.com
`,
			wantErr: "already used by app studio",
		},
		{
			name: "payments without token",
			yaml: baseYAML + `
payments:
  enabled: true
  port: 4000
  provider:
    url: https://payments.example.com
`,
			wantErr: "access_token is required",
		},
		{
			name: "bad trusted proxy",
			yaml: baseYAML + `
trust:
  trusted_proxies: ["not-an-ip"]
`,
			wantErr: "trust.trusted_proxies[0]",
		},
		{
			name: "static and render both set",
			yaml: `
backend:
  url: http://backend.internal
hosts:
  records:
    default: {}
apps:
  - kind: studio
    enabled: true
    port: 3000
    static_dir: ./public
    render_upstream: http://127.0.0.1:5173
`,
			wantErr: "mutually exclusive",
		},
		{
			name: "enabled app without backend",
			yaml: `
hosts:
  records:
    default: {}
apps:
  - kind: studio
    enabled: true
    port: 3000
`,
			wantErr: "backend.url",
		},
		{
			name: "duplicate kind",
			yaml: baseYAML + `
  - kind: studio
    port: 3002
`,
			wantErr: "duplicate app kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontgate.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Apps) != 2 {
		t.Errorf("expected 2 apps, got %d", len(cfg.Apps))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestShippedConfig(t *testing.T) {
	t.Setenv("PAYMENTS_ACCESS_TOKEN", "token")

	cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", "frontgate.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := len(cfg.EnabledApps()); got != 2 {
		t.Errorf("expected 2 enabled apps, got %d", got)
	}
	if cfg.Payments.AccessToken != "token" {
		t.Errorf("access token = %q", cfg.Payments.AccessToken)
	}
	if cfg.Trust.TrustedProxies[1] != "::1/128" {
		t.Errorf("trusted proxies = %v", cfg.Trust.TrustedProxies)
	}
	if !cfg.Apps[0].Static.SPAFallback || cfg.Apps[0].SessionGuard.ProbePath != "/session" {
		t.Errorf("studio app = %+v", cfg.Apps[0])
	}
}
