package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
	"github.com/wudi/frontgate/internal/proxy"
)

// Request is one outbound call to the backend API.
type Request struct {
	Method string
	// Path is an escaped path relative to the backend base URL and may
	// carry a query string. It is forwarded without re-decoding.
	Path   string
	Header http.Header
	// Host overrides the Host header sent to the backend when non-empty.
	Host string
	Body []byte
}

// Response is a fully read backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ResponseTooLargeError is returned when a backend body exceeds the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("backend response exceeds %d bytes", e.Limit)
}

// InvalidPathError is returned by Do when a request path cannot be joined
// onto the base URL. The backend is not contacted and the circuit breaker
// does not count it.
type InvalidPathError struct {
	Path string
	Err  error
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid backend path %q: %v", e.Path, e.Err)
}

func (e *InvalidPathError) Unwrap() error {
	return e.Err
}

// Client is the shared HTTP client for the backend API. It is safe for
// concurrent use and holds no per-request state.
type Client struct {
	base        *url.URL
	http        *http.Client
	timeout     time.Duration
	maxBodySize int64
	breaker     *gobreaker.CircuitBreaker[*Response]
	tracer      trace.Tracer
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.URL)
	}

	transport, err := proxy.NewTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("backend transport: %w", err)
	}

	c := &Client{
		base: base,
		http: &http.Client{
			Transport: transport,
			// Redirects are part of the backend's answer, not something to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		timeout:     cfg.Timeout,
		maxBodySize: cfg.MaxBodySize,
		tracer:      otel.Tracer("frontgate/backend"),
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newBreaker(cfg.CircuitBreaker)
	}
	return c, nil
}

func newBreaker(cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker[*Response] {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen <= 0 {
		halfOpen = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: uint32(halfOpen),
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// BreakerState reports the circuit breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Do performs req against the backend. Apart from *InvalidPathError, the
// returned error is a transport-level failure (dial, timeout, open circuit,
// oversized or truncated body); any HTTP status is a successful Do.
//
// The call is detached from the caller's cancellation so a client
// disconnect cannot leave a half-applied backend mutation unobserved; it is
// bounded by the configured timeout instead.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, &InvalidPathError{Path: req.Path, Err: err}
	}

	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "backend "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	var resp *Response
	if c.breaker != nil {
		resp, err = c.breaker.Execute(func() (*Response, error) { return c.fetch(ctx, target, req) })
	} else {
		resp, err = c.fetch(ctx, target, req)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	return resp, nil
}

func (c *Client) fetch(ctx context.Context, target string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vv := range req.Header {
		httpReq.Header[k] = append([]string(nil), vv...)
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := c.readBody(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   data,
	}, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	if c.maxBodySize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBodySize {
		return nil, &ResponseTooLargeError{Limit: c.maxBodySize}
	}
	return data, nil
}

// resolve joins path onto the base URL, keeping the base path as a prefix.
// The escaped form of path is kept, so an encoded "?" or "#" stays part of
// the path.
func (c *Client) resolve(path string) (string, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if rel.IsAbs() || rel.Host != "" || rel.Opaque != "" {
		return "", fmt.Errorf("must be relative")
	}
	if rel.Fragment != "" {
		return "", fmt.Errorf("must not carry a fragment")
	}

	escaped := strings.TrimSuffix(c.base.EscapedPath(), "/") + "/" + strings.TrimPrefix(rel.EscapedPath(), "/")
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", err
	}

	u := *c.base
	u.Path = decoded
	u.RawPath = escaped
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}
