package access

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDecodePayloadUser(t *testing.T) {
	data := mustJSON(t, userClaims(time.Now()))

	payload, err := decodePayload(data)
	require.NoError(t, err)

	user, ok := payload.(*UserPayload)
	require.True(t, ok, "identity_nonce marks a user payload")
	assert.Equal(t, PayloadKindUser, user.Kind())
	assert.Equal(t, "operator@example.com", user.Email)
	assert.Equal(t, testSub, user.Subject())
	assert.Equal(t, testNonce, user.IdentityNonce)
}

func TestDecodePayloadService(t *testing.T) {
	data := mustJSON(t, serviceClaims(time.Now()))

	payload, err := decodePayload(data)
	require.NoError(t, err)

	svc, ok := payload.(*ServiceAuthPayload)
	require.True(t, ok, "absent identity_nonce marks a service-auth payload")
	assert.Equal(t, PayloadKindService, svc.Kind())
	assert.Equal(t, testCommonName, svc.CommonName)
	assert.Empty(t, svc.Subject())
}

func TestDecodePayloadUserSchemaStrictness(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(c map[string]any)
	}{
		{"sub not a uuid", func(c map[string]any) { c["sub"] = "not-a-uuid" }},
		{"bad email", func(c map[string]any) { c["email"] = "not-an-email" }},
		{"bad country", func(c map[string]any) { c["country"] = "USA" }},
		{"bad type", func(c map[string]any) { c["type"] = "team" }},
		{"empty aud", func(c map[string]any) { c["aud"] = []string{} }},
		{"aud wrong type", func(c map[string]any) { c["aud"] = testAudience }},
		{"missing nbf", func(c map[string]any) { delete(c, "nbf") }},
		{"missing exp", func(c map[string]any) { delete(c, "exp") }},
		{"iss not a url", func(c map[string]any) { c["iss"] = "edgekit" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := map[string]any(userClaims(now))
			tt.mutate(claims)

			_, err := decodePayload(mustJSON(t, claims))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnknownPayloadShape))
		})
	}
}

func TestDecodePayloadServiceSchemaStrictness(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(c map[string]any)
	}{
		{"common name without suffix", func(c map[string]any) { c["common_name"] = testKid }},
		{"common name too short", func(c map[string]any) { c["common_name"] = "abc.access" }},
		{"missing sub", func(c map[string]any) { delete(c, "sub") }},
		{"non-empty sub", func(c map[string]any) { c["sub"] = testSub }},
		{"aud wrong type", func(c map[string]any) { c["aud"] = []string{testAudience} }},
		{"missing common name", func(c map[string]any) { delete(c, "common_name") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := map[string]any(serviceClaims(now))
			tt.mutate(claims)

			_, err := decodePayload(mustJSON(t, claims))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnknownPayloadShape))
		})
	}
}

func TestDecodePayloadNotJSON(t *testing.T) {
	_, err := decodePayload([]byte("not json at all"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSignatureInvalid))
}

func TestUserPayloadMatchesAudience(t *testing.T) {
	p := &UserPayload{Aud: []string{"aaa", testAudience, "bbb"}}
	assert.True(t, p.MatchesAudience(testAudience))
	assert.False(t, p.MatchesAudience("ccc"))
}

func TestServiceAuthPayloadMatchesAudience(t *testing.T) {
	p := &ServiceAuthPayload{Aud: testAudience}
	assert.True(t, p.MatchesAudience(testAudience))
	assert.False(t, p.MatchesAudience("aaa"))
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", `{"alg":"RS256","kid":"` + testKid + `","typ":"JWT"}`, true},
		{"missing typ still accepted", `{"alg":"RS256","kid":"` + testKid + `"}`, true},
		{"wrong alg", `{"alg":"HS256","kid":"` + testKid + `"}`, false},
		{"none alg", `{"alg":"none","kid":"` + testKid + `"}`, false},
		{"missing kid", `{"alg":"RS256"}`, false},
		{"uppercase kid", `{"alg":"RS256","kid":"` + "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789" + `"}`, false},
		{"not json", `{{{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := decodeHeader([]byte(tt.header))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, testKid, h.Kid)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
