package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	var ctxID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	id := rr.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected generated UUID, got %q", id)
	}
	if ctxID != id {
		t.Errorf("context ID %q != header ID %q", ctxID, id)
	}
}

func TestRequestIDTrusted(t *testing.T) {
	tests := []struct {
		name    string
		trusted bool
		inbound string
		keep    bool
	}{
		{"trusted header kept", true, "abc-123", true},
		{"untrusted header replaced", false, "abc-123", false},
		{"oversized header replaced", true, strings.Repeat("x", 200), false},
		{"header with spaces replaced", true, "abc 123", false},
		{"log injection replaced", true, "abc\r\nlevel=error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := RequestIDWithConfig(RequestIDConfig{
				TrustHeader: tt.trusted,
				Generator:   func() string { return "generated" },
			})

			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("X-Request-ID", tt.inbound)
			rr := httptest.NewRecorder()
			mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rr, req)

			got := rr.Header().Get("X-Request-ID")
			if tt.keep && got != tt.inbound {
				t.Errorf("expected inbound ID to be kept, got %q", got)
			}
			if !tt.keep && got != "generated" {
				t.Errorf("expected generated ID, got %q", got)
			}
		})
	}
}

func TestRequestIDCustomHeader(t *testing.T) {
	mw := RequestIDWithConfig(RequestIDConfig{Header: "X-Trace"})
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Header().Get("X-Trace") == "" {
		t.Error("expected ID in custom header")
	}
}

func TestRequestIDFromContextMissing(t *testing.T) {
	if id := RequestIDFromContext(httptest.NewRequest("GET", "/", nil).Context()); id != "" {
		t.Errorf("expected empty ID, got %q", id)
	}
}

func TestValidRequestID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"", false},
		{"0f8fad5b-d9cb-469f-a165-70867728950e", true},
		{"edge:01HZX.trace_7", true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
		{"<script>", false},
		{"id/with/slash", false},
	}
	for _, tt := range tests {
		if got := ValidRequestID(tt.id); got != tt.want {
			t.Errorf("ValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
