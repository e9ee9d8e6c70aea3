package proxy

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/errors"
	"github.com/wudi/frontgate/internal/logging"
)

// HeaderDirector fills the outbound headers of a proxied request. The
// outbound header starts empty; nothing is copied unless the director adds it.
type HeaderDirector func(in *http.Request, out *http.Request)

// Proxy forwards requests verbatim to a single upstream, used for the
// server-side render tier.
type Proxy struct {
	target    *url.URL
	transport http.RoundTripper
	director  HeaderDirector
}

// New creates a reverse proxy to target.
func New(target *url.URL, transport http.RoundTripper, director HeaderDirector) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Proxy{target: target, transport: transport, director: director}
}

// ServeHTTP proxies r to the upstream and streams the response back.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL := *p.target
	targetURL.Path = singleJoiningSlash(p.target.Path, r.URL.Path)
	targetURL.RawPath = singleJoiningSlash(p.target.EscapedPath(), r.URL.EscapedPath())
	targetURL.RawQuery = r.URL.RawQuery

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, 8),
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          p.target.Host,
	}).WithContext(r.Context())

	if ct := r.Header.Get("Content-Type"); ct != "" && body != nil {
		proxyReq.Header.Set("Content-Type", ct)
	}
	if p.director != nil {
		p.director(r, proxyReq)
	}
	removeHopHeaders(proxyReq.Header)

	otel.GetTextMapPropagator().Inject(proxyReq.Context(), propagation.HeaderCarrier(proxyReq.Header))

	resp, err := p.transport.RoundTrip(proxyReq)
	if err != nil {
		logging.Warn("render upstream unreachable",
			zap.String("upstream", p.target.Host),
			zap.Error(err),
		)
		errors.NormalizeTransport(err).WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
