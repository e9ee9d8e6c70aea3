package securityheaders

import (
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/wudi/frontgate/internal/config"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// Compiled holds the pre-computed security headers of one application.
type Compiled struct {
	headers []headerPair
	applied atomic.Int64
}

// Snapshot is a point-in-time view of the compiled headers.
type Snapshot struct {
	Applied int64    `json:"applied"`
	Headers []string `json:"headers"`
}

// New compiles cfg. X-Content-Type-Options defaults to nosniff; every other
// header is only sent when configured.
func New(cfg config.SecurityHeadersConfig) *Compiled {
	var pairs []headerPair

	xcto := cfg.XContentTypeOptions
	if xcto == "" {
		xcto = "nosniff"
	}
	pairs = append(pairs, headerPair{"X-Content-Type-Options", xcto})

	optional := []headerPair{
		{"Strict-Transport-Security", cfg.StrictTransportSecurity},
		{"Content-Security-Policy", cfg.ContentSecurityPolicy},
		{"X-Frame-Options", cfg.XFrameOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Permissions-Policy", cfg.PermissionsPolicy},
	}
	for _, p := range optional {
		if p.Value != "" {
			pairs = append(pairs, p)
		}
	}

	names := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, headerPair{http.CanonicalHeaderKey(name), cfg.CustomHeaders[name]})
	}

	return &Compiled{headers: pairs}
}

// Apply sets all configured security headers on the response.
func (c *Compiled) Apply(h http.Header) {
	c.applied.Add(1)
	for _, p := range c.headers {
		h.Set(p.Name, p.Value)
	}
}

// Middleware sets the headers before the response is written, so handlers
// may still override them.
func (c *Compiled) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Apply(w.Header())
		next.ServeHTTP(w, r)
	})
}

// Snapshot returns the header names and how often they were applied.
func (c *Compiled) Snapshot() Snapshot {
	names := make([]string, len(c.headers))
	for i, p := range c.headers {
		names[i] = p.Name
	}
	return Snapshot{
		Applied: c.applied.Load(),
		Headers: names,
	}
}
