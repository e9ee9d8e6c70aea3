package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestProxyForwardsOnlyDirectedHeaders(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/ssr")
	p := New(target, nil, func(in, out *http.Request) {
		out.Header.Set("Cookie", in.Header.Get("Cookie"))
		out.Header.Set("X-Tenant-ID", "acme")
	})

	req := httptest.NewRequest("GET", "/projects/42?tab=files", nil)
	req.Header.Set("Cookie", "sid=abc")
	req.Header.Set("Authorization", "Bearer leak")
	req.Header.Set("X-Custom", "nope")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != "<html>/ssr/projects/42</html>" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("Connection") != "" {
		t.Error("hop-by-hop header relayed to client")
	}
	if got.URL.RawQuery != "tab=files" {
		t.Errorf("query = %q", got.URL.RawQuery)
	}
	if got.Header.Get("Cookie") != "sid=abc" || got.Header.Get("X-Tenant-ID") != "acme" {
		t.Errorf("directed headers missing: %v", got.Header)
	}
	if got.Header.Get("Authorization") != "" || got.Header.Get("X-Custom") != "" {
		t.Errorf("non-directed header forwarded: %v", got.Header)
	}
}

func TestProxyPassesBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Write(b)
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL)
	p := New(target, nil, nil)

	req := httptest.NewRequest("POST", "/login", strings.NewReader("user=a"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Body.String() != "user=a" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", rr.Header().Get("Content-Type"))
	}
}

func TestProxyUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL)
	upstream.Close()

	rr := httptest.NewRecorder()
	New(target, nil, nil).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	var body struct {
		Error struct{ Code string } `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error.Code != "GATEWAY_FETCH" {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/ssr", "/x", "/ssr/x"},
		{"/ssr/", "/x", "/ssr/x"},
		{"/ssr", "x", "/ssr/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestProxyKeepsEscapedPath(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/ssr")
	p := New(target, nil, nil)

	req := httptest.NewRequest("GET", "/files/a%2Fb%3Fc", nil)
	p.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("upstream not reached")
	}
	if got.URL.EscapedPath() != "/ssr/files/a%2Fb%3Fc" {
		t.Errorf("escaped path = %q", got.URL.EscapedPath())
	}
	if got.URL.RawQuery != "" {
		t.Errorf("query = %q", got.URL.RawQuery)
	}
}
