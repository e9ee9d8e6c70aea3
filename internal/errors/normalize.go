package errors

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// OutcomeKind classifies the terminal state of one backend call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRedirect
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRedirect:
		return "redirect"
	default:
		return "error"
	}
}

// Outcome holds exactly one of a success value, a redirect location or an error.
type Outcome struct {
	Value    json.RawMessage
	Location string
	Err      *Error
}

// Kind returns which of the three outcomes this is.
func (o Outcome) Kind() OutcomeKind {
	switch {
	case o.Err != nil:
		return OutcomeError
	case o.Location != "":
		return OutcomeRedirect
	default:
		return OutcomeSuccess
	}
}

// RedirectPolicy controls the auth-expiry redirect.
type RedirectPolicy struct {
	Enabled     bool
	LoginPath   string
	ReturnParam string // empty: no return target annotation
	ReturnTo    string // original request path (with query)
}

// Location builds the login URL, annotated with the return target when configured.
func (p RedirectPolicy) Location() string {
	u, err := url.Parse(p.LoginPath)
	if err != nil || p.ReturnParam == "" || p.ReturnTo == "" {
		return p.LoginPath
	}
	q := u.Query()
	q.Set(p.ReturnParam, p.ReturnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeTransport maps a failure to reach the backend (dial, timeout,
// open circuit, truncated read) to GATEWAY_FETCH.
func NormalizeTransport(err error) *Error {
	return Wrap(err, http.StatusBadGateway, CodeGatewayFetch, "Failed to reach the backend API")
}

// NormalizeMalformed maps an unusable backend body to GATEWAY_JSON.
func NormalizeMalformed(err error) *Error {
	return Wrap(err, http.StatusBadGateway, CodeGatewayJSON, "Backend API returned a malformed response")
}

// MalformedBodyError describes why a backend body did not match any known shape.
type MalformedBodyError struct {
	Status int
	Reason string
}

func (e *MalformedBodyError) Error() string {
	return "backend status " + strconv.Itoa(e.Status) + ": " + e.Reason
}

// NormalizeResponse classifies a backend response body. It decodes
// defensively: the body must be JSON, and an "error" member must match
// {status:int, code:string, message:string}; anything else is malformed.
func NormalizeResponse(status int, body []byte, redirect RedirectPolicy) Outcome {
	trimmed := bytes.TrimSpace(body)
	success := status >= 200 && status < 300

	if len(trimmed) == 0 {
		if success {
			return Outcome{}
		}
		return Outcome{Err: NormalizeMalformed(&MalformedBodyError{Status: status, Reason: "empty body"})}
	}

	if !gjson.ValidBytes(trimmed) {
		return Outcome{Err: NormalizeMalformed(&MalformedBodyError{Status: status, Reason: "invalid JSON"})}
	}

	if errField := gjson.GetBytes(trimmed, "error"); errField.Exists() && errField.Type != gjson.Null {
		structured, ok := decodeStructured(errField)
		if !ok {
			return Outcome{Err: NormalizeMalformed(&MalformedBodyError{Status: status, Reason: "unrecognized error payload"})}
		}
		if structured.Status == http.StatusUnauthorized && redirect.Enabled {
			return Outcome{Location: redirect.Location()}
		}
		return Outcome{Err: structured}
	}

	if !success {
		return Outcome{Err: NormalizeMalformed(&MalformedBodyError{Status: status, Reason: "error status without error payload"})}
	}

	return Outcome{Value: json.RawMessage(trimmed)}
}

func decodeStructured(v gjson.Result) (*Error, bool) {
	if !v.IsObject() {
		return nil, false
	}
	status, code, message := v.Get("status"), v.Get("code"), v.Get("message")
	if status.Type != gjson.Number || code.Type != gjson.String || message.Type != gjson.String {
		return nil, false
	}
	n := status.Int()
	if float64(n) != status.Float() || n < 400 || n > 599 {
		return nil, false
	}
	return New(int(n), code.String(), message.String()), true
}
