package backend

import (
	"encoding/json"
	"net/http"
)

// Endpoint describes one typed backend operation: how a Req is turned into
// a call and how the success payload decodes into a Resp.
type Endpoint[Req, Resp any] struct {
	Name   string
	Method string
	// Path builds the request path from the typed request.
	Path func(Req) string
	// Body returns the value to send as JSON; nil sends no body.
	Body func(Req) any
}

// NewEndpoint returns an endpoint with a fixed path. Requests are sent as
// the JSON body except for GET and HEAD.
func NewEndpoint[Req, Resp any](name, method, path string) Endpoint[Req, Resp] {
	e := Endpoint[Req, Resp]{
		Name:   name,
		Method: method,
		Path:   func(Req) string { return path },
	}
	if method != http.MethodGet && method != http.MethodHead {
		e.Body = func(r Req) any { return r }
	}
	return e
}

// Decode unmarshals a success payload. An empty payload yields the zero Resp.
func (e Endpoint[Req, Resp]) Decode(raw json.RawMessage) (Resp, error) {
	var out Resp
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}
