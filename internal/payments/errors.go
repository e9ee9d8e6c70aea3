package payments

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SentinelStatus marks every dispatcher error; clients look inside the body
// for the actual kind.
const SentinelStatus = http.StatusTeapot

// Error kinds.
const (
	KindPayload               = "payload"
	KindProvider              = "provider"
	KindUnknown               = "unknown"
	KindAccessTokenNotPresent = "access-token-not-present"
	KindAccessTokenMismatch   = "access-token-mismatch"
	KindMethodNotAllowed      = "method-not-allowed"
	KindNotFound              = "not-found"
)

// Issue locates one schema violation in the request payload.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// RPCError is the body of every dispatcher error response.
type RPCError struct {
	Message           string  `json:"message"`
	Kind              string  `json:"kind"`
	ProviderErrorType string  `json:"provider_error_type,omitempty"`
	Issues            []Issue `json:"issues,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Kind + ": " + e.Message
}

// WriteJSON writes {"error":{...}} under the sentinel status.
func (e *RPCError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(SentinelStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Error *RPCError `json:"error"`
	}{e})
}

func payloadError(message string, issues ...Issue) *RPCError {
	return &RPCError{Kind: KindPayload, Message: message, Issues: issues}
}

var unknownError = &RPCError{Kind: KindUnknown, Message: "An unexpected error occurred"}

// WriteUnknownError answers with the generic unknown-kind error. It is the
// panic responder of the payments listener.
func WriteUnknownError(w http.ResponseWriter) {
	unknownError.WriteJSON(w)
}

var printer = message.NewPrinter(language.English)

// schemaIssues flattens a validation error into its leaf violations,
// ordered by instance path.
func schemaIssues(err error) []Issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "/", Message: err.Error()}}
	}

	var issues []Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, Issue{
				Path:    "/" + strings.Join(e.InstanceLocation, "/"),
				Message: e.ErrorKind.LocalizedString(printer),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}
