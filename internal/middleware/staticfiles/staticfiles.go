package staticfiles

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/wudi/frontgate/internal/config"
)

// Handler serves a built front-end application from a directory.
type Handler struct {
	root         string
	index        string
	spaFallback  bool
	cacheControl string
	fileServer   http.Handler

	served    atomic.Int64
	fallbacks atomic.Int64
}

// New creates a Handler for root.
func New(root string, cfg config.StaticConfig) (*Handler, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("root directory %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", absRoot)
	}
	index := cfg.Index
	if index == "" {
		index = "index.html"
	}
	return &Handler{
		root:         absRoot,
		index:        index,
		spaFallback:  cfg.SPAFallback,
		cacheControl: cfg.CacheControl,
		fileServer:   http.FileServer(http.Dir(absRoot)),
	}, nil
}

// ServeHTTP serves static files. Directories without an index are not listed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	cleanPath := path.Clean("/" + r.URL.Path)
	fullPath := filepath.Join(h.root, filepath.FromSlash(cleanPath))

	info, err := os.Stat(fullPath)
	switch {
	case err != nil:
		if h.spaFallback && path.Ext(cleanPath) == "" {
			h.fallbacks.Add(1)
			h.serveIndex(w, r)
			return
		}
		http.NotFound(w, r)
		return
	case info.IsDir():
		if _, err := os.Stat(filepath.Join(fullPath, h.index)); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
	case path.Base(cleanPath) == h.index:
		w.Header().Set("Cache-Control", "no-cache")
	case h.cacheControl != "":
		w.Header().Set("Cache-Control", h.cacheControl)
	}

	h.served.Add(1)
	h.fileServer.ServeHTTP(w, r)
}

// serveIndex answers with the root index, leaving client-side routing to
// the application.
func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(h.root, h.index))
}

// Stats returns file serving statistics.
func (h *Handler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"root":      h.root,
		"served":    h.served.Load(),
		"fallbacks": h.fallbacks.Load(),
	}
}
