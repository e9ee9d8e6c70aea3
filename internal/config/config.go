package config

import (
	"time"
)

// AppKind names one of the front-end applications served by the gateway
// (for example "studio" or "account").
type AppKind string

// DefaultHostRecordID is the ID of the host record used when no other record matches.
const DefaultHostRecordID = "default"

// Config represents the complete gateway configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Trust    TrustConfig    `yaml:"trust"`
	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	Hosts    HostsConfig    `yaml:"hosts"`
	Apps     []AppConfig    `yaml:"apps"`
	Payments PaymentsConfig `yaml:"payments"`
	Admin    AdminConfig    `yaml:"admin"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // "stdout", "stderr" or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TrustConfig describes which network hops are trusted to supply client identity headers.
type TrustConfig struct {
	TrustedProxies    []string `yaml:"trusted_proxies"` // CIDRs or bare IPs; default loopback
	RealIPHeader      string   `yaml:"real_ip_header"`
	ForwardedIPHeader string   `yaml:"forwarded_ip_header"`
	ProtocolHeader    string   `yaml:"protocol_header"`
}

// BackendConfig defines the backend API the session gateway forwards to.
type BackendConfig struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxBodySize    int64                `yaml:"max_body_size"`
	Transport      TransportConfig      `yaml:"transport"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TransportConfig defines outbound HTTP transport settings
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
}

// CircuitBreakerConfig defines circuit breaker settings for the backend client
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	HalfOpenRequests int           `yaml:"half_open_requests"`
	Interval         time.Duration `yaml:"interval"` // closed-state counter reset period
	Timeout          time.Duration `yaml:"timeout"`  // open-state duration
}

// SessionConfig defines how inbound sessions are forwarded to the backend.
type SessionConfig struct {
	ForwardHeaders []string `yaml:"forward_headers"`
	LoginPath      string   `yaml:"login_path"`
	RedirectParam  string   `yaml:"redirect_param"` // empty disables the return-path annotation
}

// HostsConfig maps inbound hosts to tenant records.
type HostsConfig struct {
	OverrideHeader string                      `yaml:"override_header"`
	Records        map[string]HostRecordConfig `yaml:"records"`
}

// HostRecordConfig is the per-application configuration of one tenant.
type HostRecordConfig struct {
	Apps map[string]AppHostConfig `yaml:"apps"`
}

// AppHostConfig is one application's host settings inside a tenant record.
type AppHostConfig struct {
	Host     string            `yaml:"host"`
	Settings map[string]string `yaml:"settings"`
}

// AppConfig defines one mounted front-end application.
type AppConfig struct {
	Kind            AppKind               `yaml:"kind"`
	Enabled         bool                  `yaml:"enabled"`
	Port            int                   `yaml:"port"`
	APIPrefix       string                `yaml:"api_prefix"`
	StaticDir       string                `yaml:"static_dir"`
	Static          StaticConfig          `yaml:"static"`
	RenderUpstream  string                `yaml:"render_upstream"`
	SessionGuard    SessionGuardConfig    `yaml:"session_guard"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Compression     CompressionConfig     `yaml:"compression"`
	Server          ServerConfig          `yaml:"server"`
}

// CompressionConfig defines response compression for an application
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Level        int      `yaml:"level"`         // 1-11, default 6
	MinSize      int      `yaml:"min_size"`      // default 1024 bytes
	ContentTypes []string `yaml:"content_types"` // MIME types to compress
	Algorithms   []string `yaml:"algorithms"`    // "gzip", "br", "zstd"; default all three
}

// StaticConfig tunes how static_dir is served.
type StaticConfig struct {
	Index        string `yaml:"index"`         // default index.html
	SPAFallback  bool   `yaml:"spa_fallback"`  // serve the index for unknown extensionless paths
	CacheControl string `yaml:"cache_control"` // applied to assets, never to the index
}

// SecurityHeadersConfig defines response headers added to every app response.
type SecurityHeadersConfig struct {
	StrictTransportSecurity string            `yaml:"strict_transport_security"`
	ContentSecurityPolicy   string            `yaml:"content_security_policy"`
	XContentTypeOptions     string            `yaml:"x_content_type_options"` // default nosniff
	XFrameOptions           string            `yaml:"x_frame_options"`
	ReferrerPolicy          string            `yaml:"referrer_policy"`
	PermissionsPolicy       string            `yaml:"permissions_policy"`
	CustomHeaders           map[string]string `yaml:"custom_headers"`
}

// SessionGuardConfig enables a login redirect before rendering protected paths.
type SessionGuardConfig struct {
	Enabled   bool     `yaml:"enabled"`
	ProbePath string   `yaml:"probe_path"` // backend path answering 401 when the session expired
	Protect   []string `yaml:"protect"`    // path prefixes that require a session
	Except    []string `yaml:"except"`     // path prefixes exempt from the guard
}

// ServerConfig defines per-listener HTTP server timeouts
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// PaymentsConfig defines the payments RPC boundary.
type PaymentsConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Port        int            `yaml:"port"`
	Prefix      string         `yaml:"prefix"`
	AccessToken string         `yaml:"access_token"`
	MaxBodySize int64          `yaml:"max_body_size"`
	Provider    ProviderConfig `yaml:"provider"`
	Server      ServerConfig   `yaml:"server"`
}

// ProviderConfig defines the payment processor the REST adapter talks to.
type ProviderConfig struct {
	URL        string          `yaml:"url"`
	MerchantID string          `yaml:"merchant_id"`
	PublicKey  string          `yaml:"public_key"`
	PrivateKey string          `yaml:"private_key"`
	Timeout    time.Duration   `yaml:"timeout"`
	Transport  TransportConfig `yaml:"transport"`
}

// AdminConfig defines the admin listener (metrics and health).
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ShutdownConfig defines graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Trust: TrustConfig{
			TrustedProxies:    []string{"127.0.0.0/8", "::1/128"},
			RealIPHeader:      "X-Real-IP",
			ForwardedIPHeader: "X-Forwarded-For",
			ProtocolHeader:    "X-Forwarded-Proto",
		},
		Backend: BackendConfig{
			Timeout:     30 * time.Second,
			MaxBodySize: 10 << 20,
		},
		Session: SessionConfig{
			ForwardHeaders: []string{"Host", "Cookie", "User-Agent", "Accept-Language"},
			LoginPath:      "/login",
			RedirectParam:  "redirect",
		},
		Hosts: HostsConfig{
			OverrideHeader: "X-Forwarded-Host",
		},
		Payments: PaymentsConfig{
			Prefix:      "/rpc",
			MaxBodySize: 1 << 20,
			Provider: ProviderConfig{
				Timeout: 30 * time.Second,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "frontgate",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// EnabledApps returns the applications switched on in configuration, in declaration order.
func (c *Config) EnabledApps() []AppConfig {
	apps := make([]AppConfig, 0, len(c.Apps))
	for _, a := range c.Apps {
		if a.Enabled {
			apps = append(apps, a)
		}
	}
	return apps
}
