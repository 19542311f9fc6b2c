// Package release manages release tags against a release-tracking HTTP
// API: create a release when a deploy starts, finalize it when the
// deploy lands.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/edgekit/edgekit-core/pkg/release"

// DefaultRequestTimeout bounds a single API request.
const DefaultRequestTimeout = 10 * time.Second

// Secret is an API credential that redacts itself in logs and JSON.
type Secret string

// String returns a redaction marker, never the raw value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON writes the redaction marker, never the raw value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal returns the raw credential value.
func (s Secret) Reveal() string {
	return string(s)
}

// HTTPClient performs API requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a [Client].
type Config struct {
	// BaseURL is the root of the releases API, e.g.
	// https://releases.example.com/api/v1.
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL" required:"true"`

	// Token is the bearer credential sent with every request.
	Token Secret `json:"token" yaml:"token" env:"TOKEN" required:"true"`

	// RequestTimeout bounds a single API request. Defaults to
	// [DefaultRequestTimeout].
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// HTTPClient performs API requests. Defaults to http.DefaultClient
	// bounded by RequestTimeout.
	HTTPClient HTTPClient `json:"-" yaml:"-"`
}

// Validate checks the configuration.
func (c *Config) Validate() *ekerr.Error {
	if c.BaseURL == "" {
		return ekerr.New(ekerr.CodeValidationRequired, "release: base URL is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return ekerr.Wrap(err, ekerr.CodeValidationFormat, "release: base URL is not a valid URL")
	}
	if c.Token == "" {
		return ekerr.New(ekerr.CodeValidationRequired, "release: token is required")
	}
	return nil
}

// Release is one release record as the API reports it.
type Release struct {
	Version      string     `json:"version"`
	Projects     []string   `json:"projects"`
	DateCreated  *time.Time `json:"date_created,omitempty"`
	DateReleased *time.Time `json:"date_released,omitempty"`
}

// Client talks to the releases API.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg    Config
	client HTTPClient
	tracer trace.Tracer
}

// NewClient creates a Client for the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		cfg:    cfg,
		client: cfg.HTTPClient,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Create registers a new release for the given projects. Creating a
// version that already exists is idempotent on the API side.
func (c *Client) Create(ctx context.Context, version string, projects []string) (*Release, error) {
	if version == "" {
		return nil, ekerr.New(ekerr.CodeValidationRequired, "release: version is required")
	}
	if len(projects) == 0 {
		return nil, ekerr.New(ekerr.CodeValidationRequired, "release: at least one project is required")
	}

	ctx, span := c.tracer.Start(ctx, "release.Create")
	span.SetAttributes(attribute.String("release.version", version))
	defer span.End()

	rel, err := c.do(ctx, http.MethodPost, "/releases/", Release{
		Version:  version,
		Projects: projects,
	})
	finishSpan(span, err)
	return rel, err
}

// Finalize marks a release as live, stamping its release date.
func (c *Client) Finalize(ctx context.Context, version string) (*Release, error) {
	if version == "" {
		return nil, ekerr.New(ekerr.CodeValidationRequired, "release: version is required")
	}

	ctx, span := c.tracer.Start(ctx, "release.Finalize")
	span.SetAttributes(attribute.String("release.version", version))
	defer span.End()

	now := time.Now().UTC()
	rel, err := c.do(ctx, http.MethodPut, "/releases/"+url.PathEscape(version)+"/", Release{
		Version:      version,
		DateReleased: &now,
	})
	finishSpan(span, err)
	return rel, err
}

func (c *Client) do(ctx context.Context, method, path string, payload Release) (*Release, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternal, "release: failed to encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternal, "release: failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token.Reveal())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency, "release: API request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency, "release: failed to read API response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ekerr.Newf(ekerr.CodeNotFound, "release: %s not found", payload.Version)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ekerr.New(ekerr.CodeAuthentication, "release: API rejected the credential")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, ekerr.Newf(ekerr.CodeUnavailableDependency,
			"release: API returned status %d", resp.StatusCode)
	}

	var rel Release
	if err := json.Unmarshal(respBody, &rel); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternal, "release: API response is not valid JSON")
	}
	return &rel, nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
