// Package auth verifies bearer credentials presented to the hub and
// resolves them to a subject identity.
//
// The hub sits behind an edge authorizer that validates every caller
// before traffic reaches this process. The gate therefore applies a
// deliberate trust split: a token that verifies against the local shared
// secret yields the token's subject; a token that is present but fails
// verification (bad signature, malformed, expired) is NOT rejected — it
// resolves to a sentinel subject attributed to the edge layer. Only the
// complete absence of a credential is a hard failure. Tightening this
// requires revisiting the deployment model, not just this package.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when a request carries no bearer token at
// all, neither in the Authorization header nor the token query parameter.
var ErrNoCredential = errors.New("no bearer credential presented")

// Provenance tags which verification path produced an auth context.
type Provenance string

const (
	// ProvenanceToken means the credential verified against the local secret.
	ProvenanceToken Provenance = "token"
	// ProvenanceEdge means the credential was invalid and the subject was
	// accepted on the assumption that the edge authorizer vetted the caller.
	ProvenanceEdge Provenance = "edge"
)

// EdgeSubject is the sentinel subject assigned under the edge-trust fallback.
const EdgeSubject = "edge-authorized"

// Context is the verified (or fallback-accepted) identity of a request or
// connection attempt. It is created per attempt and never persisted.
type Context struct {
	Subject    string
	Provenance Provenance
}

// Gate verifies HS256-signed bearer tokens against a shared secret.
// The secret is swappable at runtime (config hot-reload); swapping it
// purges the verified-token cache.
type Gate struct {
	secret atomic.Value // string
	cache  *tokenCache  // nil when caching is disabled
}

// NewGate creates a token gate for the given shared secret.
func NewGate(secret string, cacheEnabled bool) *Gate {
	g := &Gate{}
	g.secret.Store(secret)
	if cacheEnabled {
		g.cache = newTokenCache()
	}
	return g
}

// SetSecret atomically swaps the signing secret and drops all cached
// verification results, since they were produced under the old secret.
func (g *Gate) SetSecret(secret string) {
	g.secret.Store(secret)
	if g.cache != nil {
		g.cache.clear()
	}
}

// Close releases the verified-token cache.
func (g *Gate) Close() {
	if g.cache != nil {
		g.cache.close()
	}
}

// Verify resolves a bearer token to an auth context.
//
// An empty token returns ErrNoCredential. A token that verifies returns
// the subject claim with ProvenanceToken. Any other token returns the
// edge-trust sentinel with ProvenanceEdge and a nil error — soft
// acceptance is the documented contract, not an oversight.
func (g *Gate) Verify(token string) (Context, error) {
	if token == "" {
		return Context{}, ErrNoCredential
	}

	if g.cache != nil {
		if ac, ok := g.cache.get(token); ok {
			return ac, nil
		}
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, g.keyFunc,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Context{Subject: EdgeSubject, Provenance: ProvenanceEdge}, nil
	}

	ac := Context{Subject: claims.Subject, Provenance: ProvenanceToken}
	if g.cache != nil && claims.ExpiresAt != nil {
		g.cache.set(token, ac, time.Until(claims.ExpiresAt.Time))
	}
	return ac, nil
}

func (g *Gate) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	secret, _ := g.secret.Load().(string)
	return []byte(secret), nil
}

// BearerFromRequest extracts the credential from an Authorization header
// (`Bearer <token>`) or, failing that, the `token` query parameter.
// Browsers cannot set headers on WebSocket dial, so the query form is the
// common path for streaming connections.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}
