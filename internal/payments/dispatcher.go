package payments

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
	"github.com/wudi/frontgate/internal/metrics"
	"github.com/wudi/frontgate/internal/middleware"
	"github.com/wudi/frontgate/internal/middleware/auth"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// operation binds a named RPC to its schema and provider method.
type operation struct {
	name   string
	schema *jsonschema.Schema
	call   func(ctx context.Context, p Provider, body []byte) (any, error)
}

// bind adapts a typed provider method to the dispatcher's byte-level call.
func bind[Req, Resp any](name string, method func(Provider, context.Context, Req) (Resp, error)) operation {
	return operation{
		name: name,
		call: func(ctx context.Context, p Provider, body []byte) (any, error) {
			var req Req
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, payloadError("Request body does not match the operation's payload")
			}
			return method(p, ctx, req)
		},
	}
}

// operations is the fixed RPC surface.
func operations() []operation {
	return []operation{
		bind("generate_client_token", Provider.GenerateClientToken),
		bind("ensure_customer", Provider.EnsureCustomer),
		bind("save_payment_method", Provider.SavePaymentMethod),
	}
}

// Dispatcher serves the payments RPC surface.
type Dispatcher struct {
	handler     http.Handler
	provider    Provider
	prefix      string
	maxBodySize int64
	metrics     *metrics.Collector
	ops         map[string]operation
}

// New creates a dispatcher over provider, compiling every operation schema.
func New(cfg config.PaymentsConfig, provider Provider, m *metrics.Collector) (*Dispatcher, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("payments access token is required")
	}

	d := &Dispatcher{
		provider:    provider,
		prefix:      cfg.Prefix,
		maxBodySize: cfg.MaxBodySize,
		metrics:     m,
		ops:         make(map[string]operation),
	}

	compiler := jsonschema.NewCompiler()
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = true
	router.HandleOPTIONS = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(&RPCError{Kind: KindNotFound, Message: "Unknown operation"}).WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(&RPCError{Kind: KindMethodNotAllowed, Message: "Operations only accept POST"}).WriteJSON(w)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		logging.Error("Panic in payments dispatcher",
			zap.Any("error", v),
			zap.String("path", r.URL.Path),
		)
		unknownError.WriteJSON(w)
	}

	for _, op := range operations() {
		schema, err := compileSchema(compiler, op.name)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.name, err)
		}
		op.schema = schema
		d.ops[op.name] = op
		router.POST(cfg.Prefix+"/"+op.name, d.handle(op))
	}

	token := auth.NewAccessToken(cfg.AccessToken)
	d.handler = token.Middleware(d.rejectToken)(router)
	return d, nil
}

func compileSchema(c *jsonschema.Compiler, name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Operations lists the operation names served, sorted.
func (d *Dispatcher) Operations() []string {
	names := make([]string, 0, len(d.ops))
	for name := range d.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// operationName returns the operation a path addresses, or "unrouted" so
// rejected probes of arbitrary paths cannot grow metric cardinality.
func (d *Dispatcher) operationName(path string) string {
	name, ok := strings.CutPrefix(path, d.prefix+"/")
	if _, known := d.ops[name]; ok && known {
		return name
	}
	return "unrouted"
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.handler.ServeHTTP(w, r)
}

func (d *Dispatcher) rejectToken(w http.ResponseWriter, r *http.Request, outcome auth.TokenOutcome) {
	kind := KindAccessTokenNotPresent
	message := "Access token is required"
	if outcome == auth.TokenMismatch {
		kind = KindAccessTokenMismatch
		message = "Access token is invalid"
	}
	logging.Warn("payments request rejected",
		zap.String("kind", kind),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
	)
	d.metrics.RecordRPC(d.operationName(r.URL.Path), kind, 0)
	(&RPCError{Kind: kind, Message: message}).WriteJSON(w)
}

func (d *Dispatcher) handle(op operation) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		start := time.Now()
		resp, err := d.dispatch(r, op)

		if err != nil {
			rpcErr := d.classify(r, op, err)
			d.metrics.RecordRPC(op.name, rpcErr.Kind, time.Since(start))
			rpcErr.WriteJSON(w)
			return
		}

		d.metrics.RecordRPC(op.name, "ok", time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

// dispatch validates the payload and invokes the provider.
func (d *Dispatcher) dispatch(r *http.Request, op operation) (any, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			return nil, payloadError("Request body must be application/json")
		}
	}

	var reader io.Reader = r.Body
	if d.maxBodySize > 0 {
		reader = http.MaxBytesReader(nil, r.Body, d.maxBodySize)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return nil, payloadError("Request body too large")
		}
		return nil, payloadError("Request body could not be read")
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, payloadError("Request body is not valid JSON")
	}
	if err := op.schema.Validate(instance); err != nil {
		return nil, payloadError("Request body failed validation", schemaIssues(err)...)
	}

	// The provider call outlives a disconnecting client; its own timeout bounds it.
	return op.call(context.WithoutCancel(r.Context()), d.provider, body)
}

// classify maps any dispatch failure onto the RPC error taxonomy. Provider
// and unknown failures never expose internals beyond the provider message.
func (d *Dispatcher) classify(r *http.Request, op operation, err error) *RPCError {
	var rpcErr *RPCError
	if stderrors.As(err, &rpcErr) {
		return rpcErr
	}

	fields := []zap.Field{
		zap.String("operation", op.name),
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.Error(err),
	}

	var provErr *ProviderError
	if stderrors.As(err, &provErr) {
		logging.Warn("payments provider error", append(fields, zap.String("provider_error_type", provErr.Type))...)
		return &RPCError{
			Kind:              KindProvider,
			ProviderErrorType: provErr.Type,
			Message:           provErr.Message,
		}
	}

	logging.Error("payments operation failed", fields...)
	return unknownError
}
