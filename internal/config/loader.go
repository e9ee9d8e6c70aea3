package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyDefaults fills per-app values that YAML leaves empty.
func applyDefaults(cfg *Config) {
	for i := range cfg.Apps {
		if cfg.Apps[i].APIPrefix == "" {
			cfg.Apps[i].APIPrefix = "/api"
		}
		cfg.Apps[i].APIPrefix = "/" + strings.Trim(cfg.Apps[i].APIPrefix, "/")
	}
	if cfg.Payments.Prefix == "" {
		cfg.Payments.Prefix = "/rpc"
	}
	cfg.Payments.Prefix = "/" + strings.Trim(cfg.Payments.Prefix, "/")
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if _, ok := cfg.Hosts.Records[DefaultHostRecordID]; !ok {
		return fmt.Errorf("hosts: a %q record is required", DefaultHostRecordID)
	}

	for i, cidr := range cfg.Trust.TrustedProxies {
		if err := validateCIDROrIP(cidr); err != nil {
			return fmt.Errorf("trust.trusted_proxies[%d]: %w", i, err)
		}
	}
	if cfg.Trust.RealIPHeader == "" || cfg.Trust.ForwardedIPHeader == "" || cfg.Trust.ProtocolHeader == "" {
		return fmt.Errorf("trust: real_ip_header, forwarded_ip_header and protocol_header are required")
	}

	if len(cfg.Session.ForwardHeaders) == 0 {
		return fmt.Errorf("session.forward_headers must not be empty")
	}
	if !strings.HasPrefix(cfg.Session.LoginPath, "/") {
		return fmt.Errorf("session.login_path must be an absolute path, got %q", cfg.Session.LoginPath)
	}

	ports := make(map[int]string)
	claim := func(port int, owner string) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %d", owner, port)
		}
		if prev, taken := ports[port]; taken {
			return fmt.Errorf("%s: port %d already used by %s", owner, port, prev)
		}
		ports[port] = owner
		return nil
	}

	kinds := make(map[AppKind]bool)
	enabled := 0
	for i, app := range cfg.Apps {
		if app.Kind == "" {
			return fmt.Errorf("app %d: kind is required", i)
		}
		if kinds[app.Kind] {
			return fmt.Errorf("duplicate app kind: %s", app.Kind)
		}
		kinds[app.Kind] = true

		if !app.Enabled {
			continue
		}
		enabled++
		owner := "app " + string(app.Kind)
		if err := claim(app.Port, owner); err != nil {
			return err
		}
		if app.StaticDir != "" && app.RenderUpstream != "" {
			return fmt.Errorf("%s: static_dir and render_upstream are mutually exclusive", owner)
		}
		if app.RenderUpstream != "" {
			if err := validateURL(app.RenderUpstream); err != nil {
				return fmt.Errorf("%s: render_upstream: %w", owner, err)
			}
		}
		if app.SessionGuard.Enabled && !strings.HasPrefix(app.SessionGuard.ProbePath, "/") {
			return fmt.Errorf("%s: session_guard.probe_path must be an absolute path", owner)
		}
	}

	if enabled > 0 {
		if err := validateURL(cfg.Backend.URL); err != nil {
			return fmt.Errorf("backend.url: %w", err)
		}
	}

	if cfg.Payments.Enabled {
		if err := claim(cfg.Payments.Port, "payments"); err != nil {
			return err
		}
		if cfg.Payments.AccessToken == "" {
			return fmt.Errorf("payments: access_token is required when enabled")
		}
		if err := validateURL(cfg.Payments.Provider.URL); err != nil {
			return fmt.Errorf("payments.provider.url: %w", err)
		}
	}

	if cfg.Admin.Enabled {
		if err := claim(cfg.Admin.Port, "admin"); err != nil {
			return err
		}
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validateCIDROrIP(s string) error {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address %q", s)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
