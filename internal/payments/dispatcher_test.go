package payments

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/metrics"
)

const testToken = "s3cret-token"

type fakeProvider struct {
	clientToken func(context.Context, GenerateClientTokenRequest) (GenerateClientTokenResponse, error)
	ensure      func(context.Context, EnsureCustomerRequest) (EnsureCustomerResponse, error)
	save        func(context.Context, SavePaymentMethodRequest) (SavePaymentMethodResponse, error)
	calls       int
}

func (f *fakeProvider) GenerateClientToken(ctx context.Context, req GenerateClientTokenRequest) (GenerateClientTokenResponse, error) {
	f.calls++
	if f.clientToken == nil {
		return GenerateClientTokenResponse{ClientToken: "tok_" + req.CustomerID}, nil
	}
	return f.clientToken(ctx, req)
}

func (f *fakeProvider) EnsureCustomer(ctx context.Context, req EnsureCustomerRequest) (EnsureCustomerResponse, error) {
	f.calls++
	if f.ensure == nil {
		return EnsureCustomerResponse{CustomerID: req.CustomerID, Created: true}, nil
	}
	return f.ensure(ctx, req)
}

func (f *fakeProvider) SavePaymentMethod(ctx context.Context, req SavePaymentMethodRequest) (SavePaymentMethodResponse, error) {
	f.calls++
	if f.save == nil {
		return SavePaymentMethodResponse{Token: "pm_1", IsDefault: req.MakeDefault}, nil
	}
	return f.save(ctx, req)
}

func testConfig() config.PaymentsConfig {
	cfg := config.DefaultConfig().Payments
	cfg.AccessToken = testToken
	return cfg
}

func newDispatcher(t *testing.T, p Provider, m *metrics.Collector) *Dispatcher {
	t.Helper()
	d, err := New(testConfig(), p, m)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func call(d *Dispatcher, method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) RPCError {
	t.Helper()
	if w.Code != SentinelStatus {
		t.Fatalf("status = %d, want %d; body %s", w.Code, SentinelStatus, w.Body.String())
	}
	var body struct {
		Error *RPCError `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == nil {
		t.Fatalf("missing error member: %s", w.Body.String())
	}
	return *body.Error
}

func TestNewRequiresAccessToken(t *testing.T) {
	if _, err := New(config.DefaultConfig().Payments, &fakeProvider{}, nil); err == nil {
		t.Error("expected error without access token")
	}
}

func TestOperations(t *testing.T) {
	d := newDispatcher(t, &fakeProvider{}, nil)
	got := strings.Join(d.Operations(), ",")
	if got != "ensure_customer,generate_client_token,save_payment_method" {
		t.Errorf("operations = %s", got)
	}
}

func TestAccessToken(t *testing.T) {
	p := &fakeProvider{}
	d := newDispatcher(t, p, nil)

	tests := []struct {
		name  string
		token string
		kind  string
	}{
		{name: "missing", kind: KindAccessTokenNotPresent},
		{name: "wrong", token: "nope", kind: KindAccessTokenMismatch},
		{name: "prefix of real token", token: testToken[:4], kind: KindAccessTokenMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(d, "POST", "/rpc/generate_client_token", tt.token, `{}`)
			if e := decodeError(t, w); e.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", e.Kind, tt.kind)
			}
		})
	}

	// Token failures win over routing failures.
	if e := decodeError(t, call(d, "GET", "/rpc/nothing", "", "")); e.Kind != KindAccessTokenNotPresent {
		t.Errorf("unrouted kind = %s", e.Kind)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times", p.calls)
	}
}

func TestOtherAuthorizationScheme(t *testing.T) {
	d := newDispatcher(t, &fakeProvider{}, nil)
	r := httptest.NewRequest("POST", "/rpc/generate_client_token", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Basic "+testToken)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if e := decodeError(t, w); e.Kind != KindAccessTokenNotPresent {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestSuccess(t *testing.T) {
	d := newDispatcher(t, &fakeProvider{}, nil)

	w := call(d, "POST", "/rpc/ensure_customer", testToken, `{"customer_id":"cus_1","email":"a@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	var resp EnsureCustomerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp != (EnsureCustomerResponse{CustomerID: "cus_1", Created: true}) {
		t.Errorf("response = %+v", resp)
	}
}

func TestPayloadErrors(t *testing.T) {
	p := &fakeProvider{}
	d := newDispatcher(t, p, nil)

	tests := []struct {
		name      string
		body      string
		wantPaths []string
	}{
		{name: "empty body", body: ""},
		{name: "invalid json", body: `{"customer_id":`},
		{name: "not an object", body: `[1,2]`, wantPaths: []string{"/"}},
		{name: "missing required", body: `{"email":"a@example.com"}`, wantPaths: []string{"/"}},
		{name: "wrong type", body: `{"customer_id":42}`, wantPaths: []string{"/customer_id"}},
		{name: "unknown member", body: `{"customer_id":"c","admin":true}`, wantPaths: []string{"/"}},
		{name: "bad email", body: `{"customer_id":"c","email":"nope"}`, wantPaths: []string{"/email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/rpc/ensure_customer", strings.NewReader(tt.body))
			r.Header.Set("Authorization", "Bearer "+testToken)
			w := httptest.NewRecorder()
			d.ServeHTTP(w, r)

			e := decodeError(t, w)
			if e.Kind != KindPayload {
				t.Fatalf("kind = %s, want payload", e.Kind)
			}
			if len(tt.wantPaths) > 0 {
				if len(e.Issues) != len(tt.wantPaths) {
					t.Fatalf("issues = %+v", e.Issues)
				}
				for i, path := range tt.wantPaths {
					if e.Issues[i].Path != path || e.Issues[i].Message == "" {
						t.Errorf("issue %d = %+v, want path %s", i, e.Issues[i], path)
					}
				}
			}
		})
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times for invalid payloads", p.calls)
	}
}

func TestPayloadContentType(t *testing.T) {
	d := newDispatcher(t, &fakeProvider{}, nil)
	r := httptest.NewRequest("POST", "/rpc/generate_client_token", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer "+testToken)
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if e := decodeError(t, w); e.Kind != KindPayload {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodySize = 16
	d, err := New(cfg, &fakeProvider{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := call(d, "POST", "/rpc/ensure_customer", testToken, `{"customer_id":"abcdefghijklmnopqrstuvwxyz"}`)
	if e := decodeError(t, w); e.Kind != KindPayload || e.Message != "Request body too large" {
		t.Errorf("error = %+v", e)
	}
}

func TestProviderErrors(t *testing.T) {
	p := &fakeProvider{
		clientToken: func(context.Context, GenerateClientTokenRequest) (GenerateClientTokenResponse, error) {
			return GenerateClientTokenResponse{}, &ProviderError{Type: ErrTypeNotFound, Message: "Customer not found"}
		},
		save: func(context.Context, SavePaymentMethodRequest) (SavePaymentMethodResponse, error) {
			return SavePaymentMethodResponse{}, &ProviderError{Type: ErrTypeDeclined, Message: "Processor declined"}
		},
	}
	d := newDispatcher(t, p, nil)

	w := call(d, "POST", "/rpc/generate_client_token", testToken, `{"customer_id":"missing"}`)
	want := `{"error":{"message":"Customer not found","kind":"provider","provider_error_type":"notFoundError"}}`
	if got := strings.TrimSpace(w.Body.String()); got != want || w.Code != SentinelStatus {
		t.Errorf("got %d %s", w.Code, got)
	}

	w = call(d, "POST", "/rpc/save_payment_method", testToken, `{"customer_id":"c","payment_method_nonce":"fake-valid-nonce"}`)
	if e := decodeError(t, w); e.Kind != KindProvider || e.ProviderErrorType != ErrTypeDeclined {
		t.Errorf("error = %+v", e)
	}
}

func TestWrappedProviderError(t *testing.T) {
	p := &fakeProvider{
		ensure: func(context.Context, EnsureCustomerRequest) (EnsureCustomerResponse, error) {
			return EnsureCustomerResponse{}, stderrors.Join(stderrors.New("lookup"), &ProviderError{Type: ErrTypeValidation, Message: "Email is invalid"})
		},
	}
	d := newDispatcher(t, p, nil)
	w := call(d, "POST", "/rpc/ensure_customer", testToken, `{"customer_id":"c"}`)
	if e := decodeError(t, w); e.Kind != KindProvider || e.ProviderErrorType != ErrTypeValidation {
		t.Errorf("error = %+v", e)
	}
}

func TestUnknownErrorHidesInternals(t *testing.T) {
	p := &fakeProvider{
		ensure: func(context.Context, EnsureCustomerRequest) (EnsureCustomerResponse, error) {
			return EnsureCustomerResponse{}, stderrors.New("dial tcp 10.0.0.7:443: connection refused")
		},
	}
	d := newDispatcher(t, p, nil)
	w := call(d, "POST", "/rpc/ensure_customer", testToken, `{"customer_id":"c"}`)
	e := decodeError(t, w)
	if e.Kind != KindUnknown {
		t.Errorf("kind = %s", e.Kind)
	}
	if strings.Contains(w.Body.String(), "10.0.0.7") {
		t.Errorf("internal detail leaked: %s", w.Body.String())
	}
}

func TestProviderPanic(t *testing.T) {
	p := &fakeProvider{
		ensure: func(context.Context, EnsureCustomerRequest) (EnsureCustomerResponse, error) {
			panic("boom")
		},
	}
	d := newDispatcher(t, p, nil)
	w := call(d, "POST", "/rpc/ensure_customer", testToken, `{"customer_id":"c"}`)
	if e := decodeError(t, w); e.Kind != KindUnknown {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestProviderContextSurvivesCancel(t *testing.T) {
	var ctxErr error
	p := &fakeProvider{
		ensure: func(ctx context.Context, req EnsureCustomerRequest) (EnsureCustomerResponse, error) {
			ctxErr = ctx.Err()
			return EnsureCustomerResponse{CustomerID: req.CustomerID}, nil
		},
	}
	d := newDispatcher(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest("POST", "/rpc/ensure_customer", strings.NewReader(`{"customer_id":"c"}`)).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer "+testToken)
	d.ServeHTTP(httptest.NewRecorder(), r)

	if ctxErr != nil {
		t.Errorf("provider saw canceled context: %v", ctxErr)
	}
}

func TestRouting(t *testing.T) {
	d := newDispatcher(t, &fakeProvider{}, nil)

	w := call(d, "GET", "/rpc/ensure_customer", testToken, "")
	if e := decodeError(t, w); e.Kind != KindMethodNotAllowed {
		t.Errorf("kind = %s", e.Kind)
	}
	if allow := w.Header().Get("Allow"); !strings.Contains(allow, "POST") {
		t.Errorf("Allow = %q", allow)
	}

	for _, path := range []string{"/rpc/refund", "/rpc/ensure_customer/", "/other"} {
		w := call(d, "POST", path, testToken, `{}`)
		if e := decodeError(t, w); e.Kind != KindNotFound {
			t.Errorf("%s: kind = %s", path, e.Kind)
		}
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.NewCollector()
	d := newDispatcher(t, &fakeProvider{}, m)

	call(d, "POST", "/rpc/generate_client_token", testToken, `{}`)
	call(d, "POST", "/rpc/generate_client_token", testToken, `{"bogus":1}`)
	call(d, "POST", "/rpc/generate_client_token", "", `{}`)
	call(d, "POST", "/rpc/anything", "", `{}`)

	expected := `
# HELP frontgate_payments_rpc_total Payments RPC calls by operation and result kind
# TYPE frontgate_payments_rpc_total counter
frontgate_payments_rpc_total{kind="access-token-not-present",operation="generate_client_token"} 1
frontgate_payments_rpc_total{kind="access-token-not-present",operation="unrouted"} 1
frontgate_payments_rpc_total{kind="ok",operation="generate_client_token"} 1
frontgate_payments_rpc_total{kind="payload",operation="generate_client_token"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "frontgate_payments_rpc_total"); err != nil {
		t.Error(err)
	}
}
