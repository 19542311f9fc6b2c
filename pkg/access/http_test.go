package access

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareMissingHeaderNeverFetches(t *testing.T) {
	key := accessTestGenerateRSAKey(t)
	v, stub := newTestVerifier(t, key, time.Now())

	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an unauthenticated request")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, stub.calls.Load(), "a missing header is rejected before any certs fetch")
}

func TestMiddlewareResponseBodyIsGeneric(t *testing.T) {
	key := accessTestGenerateRSAKey(t)
	now := time.Now()

	// Failure modes across the whole pipeline; the caller-visible
	// response must be identical for every one of them.
	expired := userClaims(now)
	expired["exp"] = now.Add(-time.Hour).Unix()

	wrongAud := userClaims(now)
	wrongAud["aud"] = []string{strings.Repeat("d", 64)}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage token", "not.a"},
		{"expired", accessTestSignToken(t, key, testKid, expired)},
		{"wrong audience", accessTestSignToken(t, key, testKid, wrongAud)},
		{"unknown kid", accessTestSignToken(t, key, strings.Repeat("e", 64), userClaims(now))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVerifier(t, key, now)
			handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run for a rejected request")
			}))

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set(HeaderAssertion, tt.token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthorized\n", rec.Body.String(),
				"the response must not leak the failure reason")
		})
	}
}

func TestMiddlewareStoresAssertionInContext(t *testing.T) {
	key := accessTestGenerateRSAKey(t)
	now := time.Now()
	v, _ := newTestVerifier(t, key, now)

	raw := accessTestSignToken(t, key, testKid, userClaims(now))

	var seen *Assertion
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := AssertionFromContext(r.Context())
		require.True(t, ok)
		seen = a
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(HeaderAssertion, raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, raw, seen.Raw)
	assert.Equal(t, testSub, seen.Payload.Subject())
}
