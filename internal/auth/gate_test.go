package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret, subject string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestGateVerify(t *testing.T) {
	gate := NewGate(testSecret, false)
	defer gate.Close()

	t.Run("empty token is the only hard failure", func(t *testing.T) {
		_, err := gate.Verify("")
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("valid token yields its subject", func(t *testing.T) {
		ac, err := gate.Verify(signToken(t, testSecret, "alice", time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "alice", ac.Subject)
		assert.Equal(t, ProvenanceToken, ac.Provenance)
	})

	t.Run("bad signature falls back to edge identity", func(t *testing.T) {
		ac, err := gate.Verify(signToken(t, "wrong-secret", "mallory", time.Hour))
		require.NoError(t, err)
		assert.Equal(t, EdgeSubject, ac.Subject)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})

	t.Run("expired token falls back to edge identity", func(t *testing.T) {
		ac, err := gate.Verify(signToken(t, testSecret, "alice", -time.Minute))
		require.NoError(t, err)
		assert.Equal(t, EdgeSubject, ac.Subject)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})

	t.Run("garbage token falls back to edge identity", func(t *testing.T) {
		ac, err := gate.Verify("not.a.jwt")
		require.NoError(t, err)
		assert.Equal(t, EdgeSubject, ac.Subject)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})

	t.Run("token without expiry falls back", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Subject: "alice"}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte(testSecret))
		require.NoError(t, err)

		ac, err := gate.Verify(signed)
		require.NoError(t, err)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})

	t.Run("token without subject falls back", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte(testSecret))
		require.NoError(t, err)

		ac, err := gate.Verify(signed)
		require.NoError(t, err)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})

	t.Run("non-HMAC algorithm falls back", func(t *testing.T) {
		// alg=none with an empty signature; ParseWithClaims must refuse it.
		ac, err := gate.Verify("eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhbGljZSJ9.")
		require.NoError(t, err)
		assert.Equal(t, ProvenanceEdge, ac.Provenance)
	})
}

func TestGateSecretSwap(t *testing.T) {
	gate := NewGate(testSecret, true)
	defer gate.Close()

	token := signToken(t, testSecret, "alice", time.Hour)

	ac, err := gate.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceToken, ac.Provenance)

	gate.SetSecret("rotated-secret")

	// The old token must not survive via the cache.
	ac, err = gate.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ProvenanceEdge, ac.Provenance)

	ac, err = gate.Verify(signToken(t, "rotated-secret", "alice", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ProvenanceToken, ac.Provenance)
}

func TestGateCacheHit(t *testing.T) {
	gate := NewGate(testSecret, true)
	defer gate.Close()

	token := signToken(t, testSecret, "bob", time.Hour)

	ac, err := gate.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", ac.Subject)

	// Wait for ristretto to admit the entry, then verify the cached path
	// returns the same context.
	gate.cache.cache.Wait()
	ac, err = gate.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", ac.Subject)
	assert.Equal(t, ProvenanceToken, ac.Provenance)
}

func TestBearerFromRequest(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer abc123")
		assert.Equal(t, "abc123", BearerFromRequest(r))
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=xyz789", nil)
		assert.Equal(t, "xyz789", BearerFromRequest(r))
	})

	t.Run("header wins over query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query", nil)
		r.Header.Set("Authorization", "Bearer header")
		assert.Equal(t, "header", BearerFromRequest(r))
	})

	t.Run("non-bearer scheme falls through to query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=fallback", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Equal(t, "fallback", BearerFromRequest(r))
	})

	t.Run("nothing present", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		assert.Empty(t, BearerFromRequest(r))
	})
}
