package tenant

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/wudi/frontgate/internal/config"
)

type contextKey struct{}

// AppHost is one application's settings inside a tenant record.
type AppHost struct {
	Host     string            `json:"host"`
	Settings map[string]string `json:"settings,omitempty"`
}

// HostRecord is a tenant's per-application configuration.
type HostRecord struct {
	ID   string                     `json:"id"`
	Apps map[config.AppKind]AppHost `json:"apps"`
}

// App returns the settings of one application kind.
func (h HostRecord) App(kind config.AppKind) (AppHost, bool) {
	a, ok := h.Apps[kind]
	return a, ok
}

// FromContext retrieves the HostRecord resolved for the request.
func FromContext(ctx context.Context) (HostRecord, bool) {
	v, ok := ctx.Value(contextKey{}).(HostRecord)
	return v, ok
}

// Resolver maps an inbound host to a tenant record. It is built once from
// configuration and never mutated, so lookups need no locking.
type Resolver struct {
	overrideHeader string
	fallback       HostRecord
	records        []HostRecord // non-default records, sorted by ID

	resolved  atomic.Int64
	defaulted atomic.Int64
}

// NewResolver creates a host resolver from configuration.
func NewResolver(cfg config.HostsConfig) *Resolver {
	r := &Resolver{
		overrideHeader: cfg.OverrideHeader,
		fallback:       HostRecord{ID: config.DefaultHostRecordID, Apps: map[config.AppKind]AppHost{}},
	}

	ids := make([]string, 0, len(cfg.Records))
	for id := range cfg.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := buildRecord(id, cfg.Records[id])
		if id == config.DefaultHostRecordID {
			r.fallback = rec
			continue
		}
		r.records = append(r.records, rec)
	}

	return r
}

func buildRecord(id string, rc config.HostRecordConfig) HostRecord {
	rec := HostRecord{ID: id, Apps: make(map[config.AppKind]AppHost, len(rc.Apps))}
	for kind, a := range rc.Apps {
		rec.Apps[config.AppKind(kind)] = AppHost{
			Host:     normalizeHost(a.Host),
			Settings: a.Settings,
		}
	}
	return rec
}

// Resolve returns the first record whose host for kind equals host, or the
// default record. It never fails.
func (r *Resolver) Resolve(host string, kind config.AppKind) HostRecord {
	host = normalizeHost(host)
	if host != "" {
		for _, rec := range r.records {
			if a, ok := rec.Apps[kind]; ok && a.Host == host {
				r.resolved.Add(1)
				return rec
			}
		}
	}
	r.defaulted.Add(1)
	return r.fallback
}

// DeclaredHost returns the host a request claims: the override header when
// present, otherwise the transport host.
func (r *Resolver) DeclaredHost(req *http.Request) string {
	if r.overrideHeader != "" {
		if h := req.Header.Get(r.overrideHeader); h != "" {
			// Proxies may append; the first entry is the client-facing host.
			if i := strings.IndexByte(h, ','); i >= 0 {
				h = h[:i]
			}
			return strings.TrimSpace(h)
		}
	}
	return req.Host
}

// ResolveRequest resolves the tenant of req for one application kind.
func (r *Resolver) ResolveRequest(req *http.Request, kind config.AppKind) HostRecord {
	return r.Resolve(r.DeclaredHost(req), kind)
}

// Middleware returns a middleware that stores the resolved tenant in the
// request context and echoes its ID in X-Tenant-ID.
func (r *Resolver) Middleware(kind config.AppKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rec := r.ResolveRequest(req, kind)
			w.Header().Set("X-Tenant-ID", rec.ID)
			ctx := context.WithValue(req.Context(), contextKey{}, rec)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// Stats returns resolution counters.
func (r *Resolver) Stats() map[string]int64 {
	return map[string]int64{
		"records":   int64(len(r.records) + 1),
		"resolved":  r.resolved.Load(),
		"defaulted": r.defaulted.Load(),
	}
}

// normalizeHost lowercases and strips the port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
