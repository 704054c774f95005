package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
)

type Authorizer func(r *http.Request) bool

// Tokens is a bearer token set that can be swapped while requests are being
// served. An empty set admits every request.
type Tokens struct {
	allowed atomic.Pointer[[][]byte]
}

func NewTokens(tokens [][]byte) *Tokens {
	t := &Tokens{}
	t.Replace(tokens)
	return t
}

// Replace installs a new token set. Empty tokens are ignored.
func (t *Tokens) Replace(tokens [][]byte) {
	allowed := make([][]byte, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok) == 0 {
			continue
		}
		cp := make([]byte, len(tok))
		copy(cp, tok)
		allowed = append(allowed, cp)
	}
	t.allowed.Store(&allowed)
}

// Enabled reports whether any token is configured.
func (t *Tokens) Enabled() bool {
	p := t.allowed.Load()
	return p != nil && len(*p) > 0
}

// Match checks an Authorization header value of the form "Bearer <token>".
func (t *Tokens) Match(header string) bool {
	p := t.allowed.Load()
	if p == nil || len(*p) == 0 {
		return true
	}
	got, ok := ParseBearerToken(header)
	if !ok {
		return false
	}
	gb := []byte(got)
	for _, want := range *p {
		if subtle.ConstantTimeCompare(gb, want) == 1 {
			return true
		}
	}
	return false
}

// ParseBearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func ParseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}

func BearerTokenAuthorizer(tokens *Tokens) Authorizer {
	return func(r *http.Request) bool {
		return tokens.Match(r.Header.Get("Authorization"))
	}
}
