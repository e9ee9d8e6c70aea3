package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/backend"
	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/errors"
	"github.com/wudi/frontgate/internal/logging"
	"github.com/wudi/frontgate/internal/metrics"
	"github.com/wudi/frontgate/internal/middleware"
	"github.com/wudi/frontgate/internal/middleware/realip"
)

// Doer performs one backend call. *backend.Client implements it.
type Doer interface {
	Do(ctx context.Context, req backend.Request) (*backend.Response, error)
}

// Options control a single forward.
type Options struct {
	// Redirect turns a structured 401 into a redirect to the login path.
	Redirect bool
	// ReturnTo overrides the return target; defaults to the inbound request URI.
	ReturnTo string
	// App labels the forward in logs and metrics.
	App string
}

// Result is the terminal state of one forward: exactly one of success,
// redirect or error, plus any cookies the backend set.
type Result struct {
	errors.Outcome
	// Status is the backend HTTP status, 0 when the backend was not reached.
	Status  int
	Cookies []string
}

// Write renders the result: 200 JSON or 204 on success, 302 on redirect,
// the normalized error otherwise. Backend cookies are relayed in every case.
func (r Result) Write(w http.ResponseWriter) {
	for _, c := range r.Cookies {
		w.Header().Add("Set-Cookie", c)
	}

	switch r.Kind() {
	case errors.OutcomeError:
		r.Err.WriteJSON(w)
	case errors.OutcomeRedirect:
		w.Header().Set("Location", r.Location)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusFound)
	default:
		if len(r.Value) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(r.Value)
	}
}

// Gateway forwards inbound sessions to the backend API. It holds only
// immutable configuration and the shared backend client.
type Gateway struct {
	client    Doer
	policy    HeaderPolicy
	resolver  *realip.Resolver
	loginPath string
	returnKey string
	metrics   *metrics.Collector
}

// New creates a session gateway.
func New(client Doer, resolver *realip.Resolver, cfg config.SessionConfig, m *metrics.Collector) *Gateway {
	return &Gateway{
		client:    client,
		policy:    NewHeaderPolicy(cfg.ForwardHeaders, resolver.RealIPHeader(), resolver.ProtocolHeader()),
		resolver:  resolver,
		loginPath: cfg.LoginPath,
		returnKey: cfg.RedirectParam,
		metrics:   m,
	}
}

// Policy returns the header allow-list used for outbound requests.
func (g *Gateway) Policy() HeaderPolicy {
	return g.policy
}

// TrustContext returns the trusted request context of in, resolving it when
// the realip middleware did not run.
func (g *Gateway) TrustContext(in *http.Request) realip.Context {
	if rc, ok := realip.FromContext(in.Context()); ok {
		return rc
	}
	return g.resolver.Resolve(in)
}

// Forward sends method/path with an optional JSON body to the backend on
// behalf of in. Only allow-listed inbound headers are copied. body may be
// nil, json.RawMessage, []byte holding JSON, or any value to marshal.
// Forward never retries.
func (g *Gateway) Forward(ctx context.Context, in *http.Request, method, path string, body any, opts Options) Result {
	start := time.Now()
	res := g.forward(ctx, in, method, path, body, opts)
	g.observe(in, method, path, opts, res, time.Since(start))
	return res
}

// Invoke is the typed form of Forward: the request is built from the
// endpoint and the success payload is decoded into Resp. A payload that
// does not decode is malformed.
func Invoke[Req, Resp any](g *Gateway, ctx context.Context, in *http.Request, ep backend.Endpoint[Req, Resp], req Req, opts Options) (Resp, Result) {
	start := time.Now()

	var body any
	if ep.Body != nil {
		body = ep.Body(req)
	}
	path := ep.Path(req)
	res := g.forward(ctx, in, ep.Method, path, body, opts)

	var out Resp
	if res.Kind() == errors.OutcomeSuccess {
		decoded, err := ep.Decode(res.Value)
		if err != nil {
			res.Outcome = errors.Outcome{Err: errors.NormalizeMalformed(fmt.Errorf("%s: %w", ep.Name, err))}
		} else {
			out = decoded
		}
	}

	g.observe(in, ep.Method, path, opts, res, time.Since(start))
	return out, res
}

func (g *Gateway) forward(ctx context.Context, in *http.Request, method, path string, body any, opts Options) Result {
	payload, err := encodeBody(body)
	if err != nil {
		return Result{Outcome: errors.Outcome{
			Err: errors.Wrap(err, http.StatusInternalServerError, errors.CodeInternal, "Internal Server Error"),
		}}
	}

	req := backend.Request{
		Method: method,
		Path:   path,
		Header: make(http.Header, len(g.policy.allow)+4),
		Body:   payload,
	}
	req.Host = g.policy.Apply(in, req.Header, g.TrustContext(in))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		var pathErr *backend.InvalidPathError
		if stderrors.As(err, &pathErr) {
			return Result{Outcome: errors.Outcome{
				Err: errors.Wrap(err, http.StatusBadRequest, errors.CodeBadRequest, "Request path is not valid"),
			}}
		}
		return Result{Outcome: errors.Outcome{Err: errors.NormalizeTransport(err)}}
	}

	returnTo := opts.ReturnTo
	if returnTo == "" {
		returnTo = in.URL.RequestURI()
	}
	redirect := errors.RedirectPolicy{
		Enabled:     opts.Redirect,
		LoginPath:   g.loginPath,
		ReturnParam: g.returnKey,
		ReturnTo:    returnTo,
	}

	return Result{
		Outcome: errors.NormalizeResponse(resp.Status, resp.Body, redirect),
		Status:  resp.Status,
		Cookies: resp.Header.Values("Set-Cookie"),
	}
}

func (g *Gateway) observe(in *http.Request, method, path string, opts Options, res Result, d time.Duration) {
	kind := res.Kind()
	code := ""
	if kind == errors.OutcomeError {
		code = res.Err.Code
		// Only gateway-produced failures are ours to report; structured
		// backend errors are normal API traffic.
		if code == errors.CodeGatewayFetch || code == errors.CodeGatewayJSON || code == errors.CodeInternal {
			logging.Warn("backend forward failed",
				zap.String("app", opts.App),
				zap.String("request_id", middleware.RequestIDFromContext(in.Context())),
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("backend_status", res.Status),
				zap.String("code", code),
				zap.Error(res.Err.Unwrap()),
			)
		}
	}
	g.metrics.RecordForward(opts.App, kind.String(), code, d)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(b) == 0 {
			return nil, nil
		}
		return b, nil
	case []byte:
		if len(b) == 0 {
			return nil, nil
		}
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding backend request body: %w", err)
		}
		return data, nil
	}
}
