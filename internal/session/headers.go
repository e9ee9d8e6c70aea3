package session

import (
	"net/http"

	"github.com/wudi/frontgate/internal/middleware/realip"
)

// HeaderPolicy is the fixed set of inbound headers copied onto outbound
// requests, plus the two trust-chain headers the gateway asserts itself.
// It is built once at startup and never mutated.
type HeaderPolicy struct {
	allow          []string // canonical names
	forwardHost    bool
	realIPHeader   string
	protocolHeader string
}

// NewHeaderPolicy builds a policy from an allow-list of header names.
// "Host" in the list forwards the inbound host as the outbound Host.
func NewHeaderPolicy(allow []string, realIPHeader, protocolHeader string) HeaderPolicy {
	p := HeaderPolicy{
		realIPHeader:   http.CanonicalHeaderKey(realIPHeader),
		protocolHeader: http.CanonicalHeaderKey(protocolHeader),
	}
	seen := make(map[string]bool, len(allow))
	for _, h := range allow {
		name := http.CanonicalHeaderKey(h)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if name == "Host" {
			p.forwardHost = true
			continue
		}
		// Trust-chain headers are always gateway-asserted, never copied.
		if name == p.realIPHeader || name == p.protocolHeader {
			continue
		}
		p.allow = append(p.allow, name)
	}
	return p
}

// Allowed reports whether an inbound header would be copied.
func (p HeaderPolicy) Allowed(name string) bool {
	name = http.CanonicalHeaderKey(name)
	if name == "Host" {
		return p.forwardHost
	}
	for _, h := range p.allow {
		if h == name {
			return true
		}
	}
	return false
}

// Apply copies allow-listed headers from in into out, asserts the trust-chain
// headers from rc and returns the host to send, empty when Host is not
// forwarded.
func (p HeaderPolicy) Apply(in *http.Request, out http.Header, rc realip.Context) string {
	for _, name := range p.allow {
		if vv := in.Header.Values(name); len(vv) > 0 {
			out[name] = append([]string(nil), vv...)
		}
	}
	out.Set(p.realIPHeader, rc.ClientIP)
	out.Set(p.protocolHeader, rc.Protocol)

	if p.forwardHost {
		return in.Host
	}
	return ""
}
