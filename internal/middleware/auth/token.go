package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenOutcome is the result of checking a request against the access token.
type TokenOutcome int

const (
	TokenAbsent TokenOutcome = iota
	TokenMismatch
	TokenValid
)

func (o TokenOutcome) String() string {
	switch o {
	case TokenValid:
		return "access-token-valid"
	case TokenMismatch:
		return "access-token-mismatch"
	default:
		return "access-token-not-present"
	}
}

// AccessToken guards a boundary with a single shared secret presented as
// "Authorization: Bearer <token>".
type AccessToken struct {
	sum [sha256.Size]byte
}

// NewAccessToken creates an access token boundary.
func NewAccessToken(token string) *AccessToken {
	return &AccessToken{sum: sha256.Sum256([]byte(token))}
}

// Check classifies the request's credentials. Comparison runs in constant
// time over fixed-size digests so neither content nor length leaks.
func (a *AccessToken) Check(r *http.Request) TokenOutcome {
	presented, ok := bearerToken(r)
	if !ok {
		return TokenAbsent
	}
	sum := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(sum[:], a.sum[:]) != 1 {
		return TokenMismatch
	}
	return TokenValid
}

// Middleware rejects requests without a valid token through reject.
func (a *AccessToken) Middleware(reject func(http.ResponseWriter, *http.Request, TokenOutcome)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if outcome := a.Check(r); outcome != TokenValid {
				reject(w, r, outcome)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credentials of a Bearer authorization header.
// A header with another scheme or empty credentials counts as absent.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
