package release

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   Release
}

func newTestClient(t *testing.T, status int, respond Release) (*Client, *[]recordedRequest) {
	t.Helper()
	var recorded []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body Release
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		recorded = append(recorded, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(respond)
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(Config{BaseURL: server.URL, Token: "rl-token"})
	require.NoError(t, err)
	return c, &recorded
}

func TestNewClientValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base url", Config{Token: "t"}},
		{"malformed base url", Config{BaseURL: "not a url", Token: "t"}},
		{"missing token", Config{BaseURL: "https://releases.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			require.Error(t, err)
			assert.True(t, ekerr.IsValidation(err))
		})
	}
}

func TestCreate(t *testing.T) {
	created := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	c, recorded := newTestClient(t, http.StatusCreated, Release{
		Version:     "v1.4.2",
		Projects:    []string{"edge-gateway"},
		DateCreated: &created,
	})

	rel, err := c.Create(context.Background(), "v1.4.2", []string{"edge-gateway"})
	require.NoError(t, err)
	assert.Equal(t, "v1.4.2", rel.Version)
	require.NotNil(t, rel.DateCreated)

	require.Len(t, *recorded, 1)
	req := (*recorded)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/releases/", req.path)
	assert.Equal(t, "Bearer rl-token", req.auth)
	assert.Equal(t, []string{"edge-gateway"}, req.body.Projects)
}

func TestCreateValidatesArguments(t *testing.T) {
	c, _ := newTestClient(t, http.StatusCreated, Release{})

	_, err := c.Create(context.Background(), "", []string{"p"})
	assert.True(t, ekerr.IsValidation(err))

	_, err = c.Create(context.Background(), "v1", nil)
	assert.True(t, ekerr.IsValidation(err))
}

func TestFinalize(t *testing.T) {
	released := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	c, recorded := newTestClient(t, http.StatusOK, Release{
		Version:      "v1.4.2",
		DateReleased: &released,
	})

	rel, err := c.Finalize(context.Background(), "v1.4.2")
	require.NoError(t, err)
	require.NotNil(t, rel.DateReleased)

	require.Len(t, *recorded, 1)
	req := (*recorded)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/releases/v1.4.2/", req.path)
	require.NotNil(t, req.body.DateReleased, "finalize stamps the release date")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode ekerr.Code
	}{
		{"not found", http.StatusNotFound, ekerr.CodeNotFound},
		{"unauthorized", http.StatusUnauthorized, ekerr.CodeAuthentication},
		{"forbidden", http.StatusForbidden, ekerr.CodeAuthentication},
		{"server error", http.StatusBadGateway, ekerr.CodeUnavailableDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.status, Release{})
			_, err := c.Finalize(context.Background(), "v1.4.2")
			require.Error(t, err)
			assert.True(t, ekerr.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}
