package access

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// HeaderAssertion is the request header carrying the Access JWT.
const HeaderAssertion = "Cf-Access-Jwt-Assertion"

// tracerName is the OpenTelemetry instrumentation scope for this package.
const tracerName = "github.com/edgekit/edgekit-core/pkg/access"

// Defaults applied by NewVerifier when the corresponding Config field is
// zero.
const (
	// DefaultKeyTTL is how long a fetched key set stays cached. Access
	// rotates signing keys infrequently; a day of skew risk buys the
	// removal of per-request certs fetches.
	DefaultKeyTTL = 24 * time.Hour

	// DefaultFetchTimeout bounds a single certs endpoint request so a
	// slow fetch cannot stall request handling indefinitely.
	DefaultFetchTimeout = 5 * time.Second
)

// Stable sentinel failure classes. All of them collapse to a generic
// unauthorized response at the HTTP boundary; they exist so internal
// diagnostics can tell the failure modes apart.
var (
	// ErrMissingToken reports an absent assertion header. Detected before
	// any network activity.
	ErrMissingToken = errors.New("access: missing token")

	// ErrNoMatchingKey reports a token kid with no counterpart in the
	// current key set.
	ErrNoMatchingKey = errors.New("access: could not find matching signing key")

	// ErrUnknownPayloadShape reports a payload that satisfies neither the
	// user nor the service-auth schema. Distinct from ErrSignatureInvalid.
	ErrUnknownPayloadShape = errors.New("access: payload matches neither user nor service-auth shape")

	// ErrSignatureInvalid reports a cryptographic signature mismatch.
	ErrSignatureInvalid = errors.New("access: could not verify JWT")
)

// Configuration format patterns, checked at construction.
var (
	teamPattern     = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	audiencePattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// Config configures a [Verifier]. Team and Audience are validated at
// construction; invalid configuration never reaches the first request.
type Config struct {
	// Team is the Access team name, the <team> in
	// https://<team>.cloudflareaccess.com. Lowercase alphanumeric and
	// hyphen only.
	Team string `json:"team" yaml:"team" env:"TEAM" required:"true"`

	// Audience is the application audience tag: the 64-char lowercase
	// hex identifier assigned to the protected application.
	Audience string `json:"audience" yaml:"audience" env:"AUDIENCE" required:"true"`

	// KeyTTL is the cache lifetime for fetched key sets. Defaults to
	// [DefaultKeyTTL].
	KeyTTL time.Duration `json:"key_ttl" yaml:"key_ttl" env:"KEY_TTL"`

	// FetchTimeout bounds a single certs endpoint request. Defaults to
	// [DefaultFetchTimeout].
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`

	// RefreshOnKeyMiss refetches the certs endpoint once when a token's
	// kid is absent from a cached key set, covering key rotations that
	// happened inside the cache TTL. Off by default: a forged kid then
	// costs an extra upstream fetch per request, so enable it only where
	// that amplification is acceptable.
	RefreshOnKeyMiss bool `json:"refresh_on_key_miss" yaml:"refresh_on_key_miss" env:"REFRESH_ON_KEY_MISS"`

	// HTTPClient performs certs endpoint requests. Defaults to an
	// http.Client with [DefaultFetchTimeout].
	HTTPClient HTTPClient `json:"-" yaml:"-"`

	// KeyCache stores fetched key sets. Defaults to [NewMemoryKeyCache].
	KeyCache KeyCache `json:"-" yaml:"-"`
}

// Validate checks the configuration. Returns a [*ekerr.Error] with code
// [ekerr.CodeValidation] on the first invalid field.
func (c *Config) Validate() *ekerr.Error {
	if !teamPattern.MatchString(c.Team) {
		return ekerr.Newf(ekerr.CodeValidationFormat,
			"access: team %q must be lowercase alphanumeric with hyphens", c.Team)
	}
	if !audiencePattern.MatchString(c.Audience) {
		return ekerr.New(ekerr.CodeValidationFormat,
			"access: audience must be a 64-character lowercase hex string")
	}
	if c.KeyTTL < 0 {
		return ekerr.New(ekerr.CodeValidation, "access: key TTL must be non-negative")
	}
	if c.FetchTimeout < 0 {
		return ekerr.New(ekerr.CodeValidation, "access: fetch timeout must be non-negative")
	}
	return nil
}

// Assertion is a successfully verified Access token: the original compact
// form plus its validated payload.
type Assertion struct {
	// Raw is the compact token exactly as received, useful for onward
	// propagation to upstreams that re-verify it.
	Raw string

	// Payload is the validated claims, either a [*UserPayload] or a
	// [*ServiceAuthPayload].
	Payload Payload
}

// Verifier validates Cf-Access-Jwt-Assertion tokens for one team and
// application audience.
//
// Verifier is safe for concurrent use by multiple goroutines. The only
// cross-request state is the key cache; concurrent cache misses may each
// fetch the certs endpoint independently.
type Verifier struct {
	cfg      Config
	issuer   string
	resolver *resolver
	tracer   trace.Tracer

	// now is injectable for deterministic claim-boundary tests.
	now func() time.Time
}

// NewVerifier creates a Verifier for the given configuration. The team
// and audience formats are validated here; an invalid configuration is a
// construction-time failure.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if cfg.KeyCache == nil {
		cfg.KeyCache = NewMemoryKeyCache()
	}

	issuer := fmt.Sprintf("https://%s.cloudflareaccess.com", cfg.Team)

	return &Verifier{
		cfg:    cfg,
		issuer: issuer,
		resolver: &resolver{
			certsURL:      issuer + "/cdn-cgi/access/certs",
			client:        cfg.HTTPClient,
			cache:         cfg.KeyCache,
			ttl:           cfg.KeyTTL,
			fetchTimeout:  cfg.FetchTimeout,
			refreshOnMiss: cfg.RefreshOnKeyMiss,
		},
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

// TeamDomain returns the issuer URL derived from the configured team,
// e.g. https://example.cloudflareaccess.com.
func (v *Verifier) TeamDomain() string {
	return v.issuer
}

// VerifyRequest extracts the assertion from the request's
// Cf-Access-Jwt-Assertion header and verifies it. A missing header is
// rejected immediately, before any network activity.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request) (*Assertion, error) {
	token := r.Header.Get(HeaderAssertion)
	if token == "" {
		return nil, ekerr.Wrap(ErrMissingToken, ekerr.CodeAuthentication,
			"access: request carries no "+HeaderAssertion+" header")
	}
	return v.VerifyToken(ctx, token)
}

// VerifyToken verifies a compact Access token through a fixed linear
// pipeline:
//
//  1. structural decode: exactly three dot-separated segments
//  2. header schema: 64-hex kid, alg exactly RS256
//  3. key resolution by kid against the configured team's key set
//  4. payload decode against the user / service-auth schema union
//  5. ordered claim checks: issuer, audience, expiry, not-before
//  6. RSA-SHA256 signature verification over header.payload
//
// Claim checks run before signature verification: they are cheap and
// deterministic, so well-formed-but-expired tokens never pay the crypto
// cost. Every failure collapses to an AUTH-category [*ekerr.Error];
// callers must surface it as a generic unauthorized response.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (*Assertion, error) {
	ctx, span := v.tracer.Start(ctx, "access.VerifyToken")
	defer span.End()
	span.SetAttributes(certsURLAttr(v.resolver.certsURL))

	assertion, err := v.verify(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("access.payload_kind", string(assertion.Payload.Kind())),
	)
	return assertion, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Assertion, error) {
	// Stage 1: structural decode. Nothing past this point runs for a
	// token that is not three segments.
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, ekerr.Newf(ekerr.CodeAuthenticationInvalid,
			"access: token has %d segments, want 3", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: header segment is not valid base64url")
	}
	header, err := decodeHeader(headerJSON)
	if err != nil {
		return nil, err
	}

	// Stage 2: key resolution. The certs endpoint comes from the
	// configured team, never from the token, so a foreign issuer cannot
	// steer the fetch.
	key, err := v.resolver.signingKey(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	// Stage 3: payload decode and schema validation.
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: payload segment is not valid base64url")
	}
	payload, err := decodePayload(payloadJSON)
	if err != nil {
		return nil, err
	}

	// Stage 4: claim checks, cheapest-first, first failure wins.
	if err := v.checkClaims(payload); err != nil {
		return nil, err
	}

	// Stage 5: signature verification, after every claim check.
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: signature segment is not valid base64url")
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	if err := jwt.SigningMethodRS256.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return nil, ekerr.Wrap(ErrSignatureInvalid, ekerr.CodeAuthenticationInvalid,
			"access: signature verification failed")
	}

	return &Assertion{Raw: raw, Payload: payload}, nil
}

// checkClaims enforces the ordered claim checks. The expiry comparison
// floors the current time and is strictly less-than, so a token is
// already invalid at the second it expires. The not-before comparison
// ceils the current time and applies only to user payloads; service-auth
// payloads carry no nbf.
func (v *Verifier) checkClaims(payload Payload) error {
	if payload.Issuer() != v.issuer {
		return ekerr.Newf(ekerr.CodeAuthenticationInvalid,
			"access: token issuer %q does not match team domain", payload.Issuer())
	}

	if !payload.MatchesAudience(v.cfg.Audience) {
		return ekerr.New(ekerr.CodeAuthenticationInvalid,
			"access: token audience does not include the expected application tag")
	}

	now := v.now()
	nowFloor := now.Unix()
	if nowFloor >= payload.ExpiresAt() {
		return ekerr.New(ekerr.CodeAuthenticationExpired, "access: token has expired")
	}

	if user, ok := payload.(*UserPayload); ok {
		nowCeil := nowFloor
		if now.Nanosecond() > 0 {
			nowCeil++
		}
		if nowCeil < user.Nbf {
			return ekerr.New(ekerr.CodeAuthenticationExpired,
				"access: token is not yet valid")
		}
	}

	return nil
}
