package realip

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
	"go.uber.org/zap"
)

// Protocol values a trusted hop may assert.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// contextKey is the type for the trusted request context key.
type contextKey struct{}

// Context is the client identity derived once per inbound request.
type Context struct {
	ClientIP string
	Protocol string
}

// Resolver derives the client IP and protocol across a chain of trusted hops.
type Resolver struct {
	trustedNets    []*net.IPNet
	realIPHeader   string
	forwardHeader  string
	protocolHeader string
	logger         *zap.Logger

	totalRequests atomic.Int64
	extracted     atomic.Int64 // times the IP came from a header rather than RemoteAddr
	protoDefault  atomic.Int64 // times the protocol fell back to http
}

// New creates a Resolver from the trust configuration.
func New(cfg config.TrustConfig) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		// Handle bare IPs by adding /32 or /128
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	return &Resolver{
		trustedNets:    nets,
		realIPHeader:   cfg.RealIPHeader,
		forwardHeader:  cfg.ForwardedIPHeader,
		protocolHeader: cfg.ProtocolHeader,
		logger:         logging.With(zap.String("component", "realip")),
	}, nil
}

// RealIPHeader is the header the gateway asserts the client IP with on egress.
func (c *Resolver) RealIPHeader() string { return c.realIPHeader }

// ProtocolHeader is the header the gateway asserts the protocol with on egress.
func (c *Resolver) ProtocolHeader() string { return c.protocolHeader }

// Resolve determines the client IP and protocol of r. Headers are only
// consulted while the current candidate is a trusted hop, so a request from
// an untrusted peer always resolves to its transport address.
func (c *Resolver) Resolve(r *http.Request) Context {
	c.totalRequests.Add(1)

	peer := extractHost(r.RemoteAddr)
	candidate := peer
	fromHeader := false

	if c.isTrusted(candidate) {
		if ip, ok := c.headerIP(r, c.realIPHeader); ok {
			candidate, fromHeader = ip, true
		}
	}

	// Second hop: an internal reverse proxy in front of the trusted one.
	if c.isTrusted(candidate) {
		if xff := r.Header.Get(c.forwardHeader); xff != "" {
			if ip := c.walkForwarded(xff); ip != "" {
				candidate, fromHeader = ip, true
			}
		}
	}

	if fromHeader {
		c.extracted.Add(1)
	}
	if isLoopback(candidate) {
		c.logger.Warn("client IP resolved to loopback",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("header", c.realIPHeader),
			zap.Bool("from_header", fromHeader),
		)
	}

	return Context{
		ClientIP: candidate,
		Protocol: c.protocol(r, peer),
	}
}

// headerIP reads a single-valued IP header, ignoring values that are not IPs.
func (c *Resolver) headerIP(r *http.Request, header string) (string, bool) {
	val := strings.TrimSpace(r.Header.Get(header))
	if val == "" {
		return "", false
	}
	if net.ParseIP(val) == nil {
		c.logger.Warn("ignoring invalid client IP header",
			zap.String("header", header),
			zap.String("value", val),
		)
		return "", false
	}
	return val, true
}

// walkForwarded walks a forwarded-for chain from right to left,
// returning the first IP that is NOT a trusted hop.
func (c *Resolver) walkForwarded(xff string) string {
	parts := strings.Split(xff, ",")

	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		if !c.isTrusted(ip) {
			return ip
		}
	}

	// Every hop was trusted; the leftmost valid entry is the origin.
	for _, p := range parts {
		if ip := strings.TrimSpace(p); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ""
}

func (c *Resolver) protocol(r *http.Request, peer string) string {
	if c.isTrusted(peer) {
		switch v := r.Header.Get(c.protocolHeader); v {
		case ProtocolHTTP, ProtocolHTTPS:
			return v
		case "":
			// fall through to the default below
		default:
			c.logger.Warn("ignoring unrecognized protocol header",
				zap.String("header", c.protocolHeader),
				zap.String("value", v),
			)
		}
	}
	if r.TLS != nil {
		return ProtocolHTTPS
	}

	c.protoDefault.Add(1)
	c.logger.Warn("protocol not asserted by a trusted hop, defaulting to http",
		zap.String("remote_addr", r.RemoteAddr),
	)
	return ProtocolHTTP
}

// isTrusted checks if an IP string matches any trusted CIDR.
func (c *Resolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range c.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func isLoopback(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.IsLoopback()
}

// Middleware resolves the trusted request context and stores it in the request context.
func (c *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithContext(r.Context(), c.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithContext stores a resolved Context in ctx.
func WithContext(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext retrieves the trusted request context.
func FromContext(ctx context.Context) (Context, bool) {
	rc, ok := ctx.Value(contextKey{}).(Context)
	return rc, ok
}

// Stats holds counters for the resolver.
type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	Extracted       int64 `json:"extracted"`
	ProtocolDefault int64 `json:"protocol_default"`
	TrustedCIDRs    int   `json:"trusted_cidrs"`
}

// Stats returns the current counters.
func (c *Resolver) Stats() Stats {
	return Stats{
		TotalRequests:   c.totalRequests.Load(),
		Extracted:       c.extracted.Load(),
		ProtocolDefault: c.protoDefault.Load(),
		TrustedCIDRs:    len(c.trustedNets),
	}
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
