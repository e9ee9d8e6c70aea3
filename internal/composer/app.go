package composer

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/backend"
	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/errors"
	"github.com/wudi/frontgate/internal/middleware"
	"github.com/wudi/frontgate/internal/middleware/compression"
	"github.com/wudi/frontgate/internal/middleware/realip"
	"github.com/wudi/frontgate/internal/middleware/securityheaders"
	"github.com/wudi/frontgate/internal/middleware/staticfiles"
	"github.com/wudi/frontgate/internal/middleware/tenant"
	"github.com/wudi/frontgate/internal/proxy"
	"github.com/wudi/frontgate/internal/session"
)

// app serves one mounted front-end application.
type app struct {
	cfg         config.AppConfig
	gateway     *session.Gateway
	maxBodySize int64
	render      http.Handler
	static      *staticfiles.Handler
	headers     *securityheaders.Compiled
	compressor  *compression.Compressor
	// probe is the session check run by guard; its payload is not inspected.
	probe backend.Endpoint[struct{}, json.RawMessage]
}

func newApp(cfg config.AppConfig, gw *session.Gateway, maxBodySize int64) (*app, error) {
	a := &app{
		cfg:         cfg,
		gateway:     gw,
		maxBodySize: maxBodySize,
		headers:     securityheaders.New(cfg.SecurityHeaders),
		probe:       backend.NewEndpoint[struct{}, json.RawMessage]("session_probe", http.MethodGet, cfg.SessionGuard.ProbePath),
	}
	if cfg.Compression.Enabled {
		a.compressor = compression.New(cfg.Compression)
	}

	switch {
	case cfg.StaticDir != "":
		static, err := staticfiles.New(cfg.StaticDir, cfg.Static)
		if err != nil {
			return nil, err
		}
		a.static, a.render = static, static
	case cfg.RenderUpstream != "":
		target, err := url.Parse(cfg.RenderUpstream)
		if err != nil {
			return nil, err
		}
		transport, err := proxy.NewTransport(config.TransportConfig{})
		if err != nil {
			return nil, err
		}
		a.render = proxy.New(target, transport, a.renderDirector)
	default:
		a.render = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errors.ErrNotFound.WriteJSON(w)
		})
	}
	return a, nil
}

// handler routes the API surface and hands everything else to the renderer.
func (a *app) handler() http.Handler {
	prefix := a.cfg.APIPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/tenant", a.handleTenant)
	mux.HandleFunc(prefix+"/", a.handleAPI)
	mux.Handle("/", a.guard(a.render))

	var h http.Handler = mux
	if a.compressor != nil {
		h = a.compressor.Middleware(h)
	}
	return a.headers.Middleware(h)
}

// stats reports per-app serving counters for the health endpoint.
func (a *app) stats() map[string]interface{} {
	s := map[string]interface{}{
		"security_headers": a.headers.Snapshot(),
	}
	if a.static != nil {
		s["static"] = a.static.Stats()
	}
	if a.compressor != nil {
		s["compression"] = a.compressor.Stats()
	}
	return s
}

func (a *app) handleTenant(w http.ResponseWriter, r *http.Request) {
	rec, ok := tenant.FromContext(r.Context())
	if !ok {
		errors.ErrInternal.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(rec)
}

// handleAPI passes the request through to the backend with the API prefix
// stripped. Bodies must be JSON; a 401 is returned as an error, not a redirect.
// A prefix spelled with escapes (e.g. /%61pi/) is rejected rather than
// forwarded with a mangled path.
func (a *app) handleAPI(w http.ResponseWriter, r *http.Request) {
	body, apiErr := a.readBody(r)
	if apiErr != nil {
		apiErr.WriteJSON(w)
		return
	}

	// The escaped path is forwarded so encoded "?", "#" and "%" stay part
	// of the path on the backend call.
	path, ok := strings.CutPrefix(r.URL.EscapedPath(), a.cfg.APIPrefix+"/")
	if !ok {
		errors.New(http.StatusBadRequest, errors.CodeBadRequest, "Request path is not valid").WriteJSON(w)
		return
	}
	path = "/" + path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	res := a.gateway.Forward(r.Context(), r, r.Method, path, body, session.Options{App: string(a.cfg.Kind)})
	res.Write(w)
}

func (a *app) readBody(r *http.Request) (json.RawMessage, *errors.Error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	var reader io.Reader = r.Body
	if a.maxBodySize > 0 {
		reader = http.MaxBytesReader(nil, r.Body, a.maxBodySize)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, errors.ErrBodyTooLarge
		}
		return nil, errors.Wrap(err, http.StatusBadRequest, errors.CodeBadRequest, "Request body could not be read")
	}
	if len(data) == 0 {
		return nil, nil
	}

	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return nil, errors.ErrUnsupportedMediaType
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New(http.StatusBadRequest, errors.CodeBadRequest, "Request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// renderDirector sets the allow-listed headers, the gateway-asserted trust
// headers and the tenant on requests to the render upstream.
func (a *app) renderDirector(in, out *http.Request) {
	if host := a.gateway.Policy().Apply(in, out.Header, a.gateway.TrustContext(in)); host != "" {
		out.Host = host
	}
	if rec, ok := tenant.FromContext(in.Context()); ok {
		out.Header.Set("X-Tenant-ID", rec.ID)
	}
	if id := middleware.RequestIDFromContext(in.Context()); id != "" {
		out.Header.Set("X-Request-ID", id)
	}
}

// guard probes the backend session before rendering protected paths and
// answers with the login redirect when it has expired. Any other probe
// outcome renders the page; the application surfaces API failures itself.
func (a *app) guard(next http.Handler) http.Handler {
	g := a.cfg.SessionGuard
	if !g.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !guarded(g, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		_, res := session.Invoke(a.gateway, r.Context(), r, a.probe, struct{}{}, session.Options{
			Redirect: true,
			App:      string(a.cfg.Kind),
		})
		if res.Kind() == errors.OutcomeRedirect {
			res.Write(w)
			return
		}
		if res.Kind() == errors.OutcomeError {
			middleware.AddLogFields(r.Context(), zap.String("session_probe", res.Err.Code))
		}
		for _, c := range res.Cookies {
			w.Header().Add("Set-Cookie", c)
		}
		next.ServeHTTP(w, r)
	})
}

// guarded reports whether path needs a session. With no protect list every
// path is protected; except always wins.
func guarded(g config.SessionGuardConfig, path string) bool {
	for _, p := range g.Except {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if len(g.Protect) == 0 {
		return true
	}
	for _, p := range g.Protect {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// annotate adds the resolved client and tenant to the access log entry.
func annotate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var fields []zap.Field
		if rc, ok := realip.FromContext(r.Context()); ok {
			fields = append(fields, zap.String("client_ip", rc.ClientIP), zap.String("protocol", rc.Protocol))
		}
		if rec, ok := tenant.FromContext(r.Context()); ok {
			fields = append(fields, zap.String("tenant_id", rec.ID))
		}
		middleware.AddLogFields(r.Context(), fields...)
		next.ServeHTTP(w, r)
	})
}
