package compression

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/frontgate/internal/config"
)

// encoder is a compressing writer that is finished with Close.
type encoder interface {
	io.Writer
	Close() error
}

// countWriter counts compressed bytes on their way to the client.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// algorithmMetrics tracks compression metrics for one algorithm.
type algorithmMetrics struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// AlgorithmSnapshot is the JSON-serializable form of algorithmMetrics.
type AlgorithmSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"application/json",
	"application/manifest+json",
	"image/svg+xml",
}

// Compressor compresses the responses of one application.
type Compressor struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	metrics      map[string]*algorithmMetrics
	gzipPool     sync.Pool
	zstdPool     sync.Pool
}

// New creates a Compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		metrics:      make(map[string]*algorithmMetrics),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	for _, algo := range cfg.Algorithms {
		enabled[algo] = true
	}
	for _, algo := range defaultAlgoOrder {
		if len(enabled) == 0 || enabled[algo] {
			c.algoOrder = append(c.algoOrder, algo)
			c.metrics[algo] = &algorithmMetrics{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	gzipLevel := min(c.level, gzip.BestCompression)
	c.gzipPool.New = func() any {
		gz, _ := gzip.NewWriterLevel(nil, gzipLevel)
		return gz
	}
	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool.New = func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
		return enc
	}
	return c
}

// Negotiate selects the best algorithm for an Accept-Encoding header per
// RFC 9110 quality values. Ties go to the server preference. It returns ""
// when nothing acceptable is enabled.
func (c *Compressor) Negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	prefs := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if enc == "*" {
			wildcard = q
			continue
		}
		prefs[enc] = q
	}

	best, bestQ := "", 0.0
	for _, algo := range c.algoOrder {
		q, ok := prefs[algo]
		if !ok {
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

// Middleware compresses responses for clients that accept it.
func (c *Compressor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		algo := c.Negotiate(r.Header.Get("Accept-Encoding"))
		if algo == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		cw := &responseWriter{ResponseWriter: w, compressor: c, algorithm: algo, status: http.StatusOK}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// Stats returns per-algorithm compression metrics.
func (c *Compressor) Stats() map[string]AlgorithmSnapshot {
	snap := make(map[string]AlgorithmSnapshot, len(c.metrics))
	for algo, m := range c.metrics {
		snap[algo] = AlgorithmSnapshot{
			BytesIn:  m.bytesIn.Load(),
			BytesOut: m.bytesOut.Load(),
			Count:    m.count.Load(),
		}
	}
	return snap
}

func (c *Compressor) compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	return c.contentTypes[strings.TrimSpace(strings.ToLower(ct))]
}

func (c *Compressor) newEncoder(w io.Writer, algo string) encoder {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooled[*zstd.Encoder]{enc: enc, pool: &c.zstdPool}
	default:
		gz := c.gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		return &pooled[*gzip.Writer]{enc: gz, pool: &c.gzipPool}
	}
}

// pooled returns its encoder to the pool on Close.
type pooled[E encoder] struct {
	enc  E
	pool *sync.Pool
}

func (p *pooled[E]) Write(b []byte) (int, error) { return p.enc.Write(b) }

func (p *pooled[E]) Flush() error {
	if f, ok := any(p.enc).(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (p *pooled[E]) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// responseWriter buffers the first minSize bytes to decide whether the
// response is worth compressing.
type responseWriter struct {
	http.ResponseWriter
	compressor *Compressor
	algorithm  string

	status      int
	wroteHeader bool
	decided     bool
	compressing bool
	buf         []byte
	enc         encoder
	counter     *countWriter
	bytesIn     int64
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader || w.decided {
		return
	}
	w.status = code
	w.wroteHeader = true
	// A 206 body is a byte range of the identity encoding; Content-Range
	// would no longer match a compressed body.
	if code < 200 || code == http.StatusNoContent || code == http.StatusPartialContent || code == http.StatusNotModified {
		w.decide(false)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		h := w.Header()
		switch {
		case h.Get("Content-Encoding") != "":
			w.decide(false)
		case h.Get("Content-Type") != "" && !w.compressor.compressible(h.Get("Content-Type")):
			w.decide(false)
		default:
			w.buf = append(w.buf, b...)
			if len(w.buf) >= w.compressor.minSize {
				w.decide(true)
			}
			return len(b), nil
		}
	}

	if w.compressing {
		w.bytesIn += int64(len(b))
		return w.enc.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// decide commits the headers and flushes any buffered bytes.
func (w *responseWriter) decide(compress bool) {
	w.decided = true
	w.compressing = compress

	if compress {
		if ct := w.Header().Get("Content-Type"); ct == "" {
			w.Header().Set("Content-Type", http.DetectContentType(w.buf))
		}
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Encoding", w.algorithm)
		w.counter = &countWriter{w: w.ResponseWriter}
		w.enc = w.compressor.newEncoder(w.counter, w.algorithm)
	}
	w.ResponseWriter.WriteHeader(w.status)

	if len(w.buf) == 0 {
		return
	}
	if compress {
		w.bytesIn += int64(len(w.buf))
		w.enc.Write(w.buf)
	} else {
		w.ResponseWriter.Write(w.buf)
	}
	w.buf = nil
}

// finish writes out a response too small to compress or closes the encoder.
func (w *responseWriter) finish() {
	if !w.decided {
		w.decide(false)
		return
	}
	if !w.compressing {
		return
	}
	w.enc.Close()
	if m, ok := w.compressor.metrics[w.algorithm]; ok {
		m.bytesIn.Add(w.bytesIn)
		m.bytesOut.Add(w.counter.n)
		m.count.Add(1)
	}
}

// Flush implements http.Flusher.
func (w *responseWriter) Flush() {
	if !w.decided {
		w.decide(len(w.buf) >= w.compressor.minSize)
	}
	if f, ok := w.enc.(interface{ Flush() error }); ok && w.compressing {
		f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
