// Package middleware holds the net/http middleware shared by every listener:
// panic recovery, request IDs and the access log.
package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain is an immutable, ordered list of middlewares, outermost first.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return (&Chain{}).Append(middlewares...)
}

// Append returns a new chain with middlewares added at the inner end.
// Nil middlewares are skipped so optional stages can be passed inline.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	next := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	next = append(next, c.middlewares...)
	for _, m := range middlewares {
		if m != nil {
			next = append(next, m)
		}
	}
	return &Chain{middlewares: next}
}

// Then wraps h so the first middleware sees the request first. A nil h
// answers 404.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}
