package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestWrapKeepsCauseOutOfBody(t *testing.T) {
	inner := fmt.Errorf("dial tcp 10.0.0.1:8000: connection refused")
	e := Wrap(inner, 502, CodeGatewayFetch, "Failed to reach the backend API")

	if !errors.Is(e, inner) {
		t.Error("expected Unwrap to expose the cause")
	}

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != 502 {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	got := body["error"]
	if got["code"] != CodeGatewayFetch || got["status"] != float64(502) {
		t.Errorf("unexpected body: %v", got)
	}
	if len(got) != 3 {
		t.Errorf("expected exactly status/code/message, got %v", got)
	}
}

func TestAs(t *testing.T) {
	if _, ok := As(ErrNotFound); !ok {
		t.Error("As should accept *Error")
	}
	if _, ok := As(fmt.Errorf("plain")); ok {
		t.Error("As should reject plain errors")
	}
}

func TestOutcomeKindString(t *testing.T) {
	if OutcomeSuccess.String() != "success" || OutcomeRedirect.String() != "redirect" || OutcomeError.String() != "error" {
		t.Error("unexpected outcome kind names")
	}
}
