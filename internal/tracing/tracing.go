package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/middleware"
	"github.com/wudi/frontgate/internal/middleware/realip"
	"github.com/wudi/frontgate/internal/middleware/tenant"
)

// Tracer provides distributed tracing functionality via OpenTelemetry
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a new Tracer from config, exporting over OTLP/gRPC.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	return NewWithExporter(cfg, exporter)
}

// NewWithExporter creates an enabled Tracer that batches spans to exporter
// and installs it as the global provider and propagator.
func NewWithExporter(cfg config.TracingConfig, exporter sdktrace.SpanExporter) (*Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "frontgate"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Tracer{enabled: true}
	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("frontgate")

	return t, nil
}

// IsEnabled returns whether tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// Middleware returns a middleware that creates a server span per request.
// It runs after the realip and tenant middlewares and records their results.
func (t *Tracer) Middleware(listener string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.IsEnabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.ServerAddress(r.Host),
				semconv.UserAgentOriginal(r.UserAgent()),
				attribute.String("frontgate.listener", listener),
			}
			if rc, ok := realip.FromContext(r.Context()); ok {
				attrs = append(attrs, semconv.ClientAddress(rc.ClientIP))
			}
			if rec, ok := tenant.FromContext(r.Context()); ok {
				attrs = append(attrs, attribute.String("frontgate.tenant", rec.ID))
			}
			if id := middleware.RequestIDFromContext(r.Context()); id != "" {
				attrs = append(attrs, attribute.String("frontgate.request_id", id))
			}

			ctx, span := t.tracer.Start(ctx, r.Method+" "+listener,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}

			tw := &tracingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(tw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(tw.statusCode))
			if tw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(tw.statusCode))
			}
		})
	}
}

// Close flushes pending spans and shuts down the provider
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// tracingWriter wraps ResponseWriter to capture status code
type tracingWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (tw *tracingWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.statusCode = code
		tw.wroteHeader = true
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tracingWriter) Write(b []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

func (tw *tracingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *tracingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
