package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stable machine-readable codes produced by the gateway itself. Codes carried
// by structured backend errors are passed through untouched.
const (
	CodeGatewayFetch     = "GATEWAY_FETCH"
	CodeGatewayJSON      = "GATEWAY_JSON"
	CodeInternal         = "INTERNAL"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
	CodeBadRequest       = "BAD_REQUEST"
)

// Error is the normalized error every gateway caller receives.
type Error struct {
	Status     int    `json:"status"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	underlying error
}

type envelope struct {
	Error *Error `json:"error"`
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.underlying)
	}
	return e.Code + " " + e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as {"error":{status,code,message}} with its status.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: e})
}

// Common errors
var (
	ErrNotFound = &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &Error{
		Status:  http.StatusMethodNotAllowed,
		Code:    CodeMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrInternal = &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "Internal Server Error",
	}

	ErrUnsupportedMediaType = &Error{
		Status:  http.StatusUnsupportedMediaType,
		Code:    CodeUnsupportedMedia,
		Message: "Request body must be application/json",
	}

	ErrBodyTooLarge = &Error{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    CodeBodyTooLarge,
		Message: "Request body too large",
	}
)

// New creates a new Error
func New(status int, code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a client-visible status, code and message.
// The wrapped error is kept for logs only and never serialized.
func Wrap(err error, status int, code, message string) *Error {
	return &Error{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// As reports whether err is an *Error
func As(err error) (*Error, bool) {
	if ge, ok := err.(*Error); ok {
		return ge, true
	}
	return nil, false
}
