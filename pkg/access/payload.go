// Package access validates Cloudflare Access JWT assertions for services
// deployed behind an Access-protected hostname.
//
// Access places a signed JWT on every forwarded request in the
// Cf-Access-Jwt-Assertion header. A [Verifier] checks that assertion
// against the team's published signing keys: structural decode, key
// resolution by kid, strict claim validation (issuer, audience, expiry,
// not-before), and RSA-SHA256 signature verification. Signing keys are
// fetched from the team's /cdn-cgi/access/certs endpoint and cached
// behind an injectable [KeyCache].
//
// Two payload shapes exist, distinguished by the presence of an
// identity_nonce claim: user assertions (browser SSO logins) and
// service-auth assertions (service tokens). Both are exposed through the
// [Payload] interface.
//
// Security model:
//
// The expected issuer and certs endpoint are derived from the configured
// team name, never from token data, so a token from another team cannot
// steer key resolution. Unrecognized signing algorithms are rejected
// outright. Callers surface every verification failure as a single
// generic unauthorized response; the distinct internal reasons exist for
// diagnostics only.
package access

import (
	"encoding/json"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// PayloadKind discriminates the two Access assertion shapes.
type PayloadKind string

const (
	// PayloadKindUser identifies an assertion issued for a human login
	// through the team's identity provider.
	PayloadKindUser PayloadKind = "user"

	// PayloadKindService identifies an assertion issued for a service
	// token (client id + secret), used for non-interactive callers.
	PayloadKindService PayloadKind = "service"
)

// Claim format patterns. Every string claim is matched against its
// pattern before any value reaches comparison logic.
var (
	// commonNamePattern matches a service token common name: the 64-hex
	// client id followed by the ".access" suffix.
	commonNamePattern = regexp.MustCompile(`^[a-f0-9]{64}\.access$`)

	// kidPattern matches a signing key identifier from the certs endpoint.
	kidPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// claimValidator is the shared go-playground validator instance with the
// package's custom claim formats registered. validator.Validate is safe
// for concurrent use.
var claimValidator = newClaimValidator()

func newClaimValidator() *validator.Validate {
	v := validator.New()
	// uuid_string accepts any RFC 4122 textual form that google/uuid parses.
	_ = v.RegisterValidation("uuid_string", func(fl validator.FieldLevel) bool {
		_, err := uuid.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("service_common_name", func(fl validator.FieldLevel) bool {
		return commonNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("access_kid", func(fl validator.FieldLevel) bool {
		return kidPattern.MatchString(fl.Field().String())
	})
	return v
}

// Payload is a validated Access assertion payload. Concrete types are
// [*UserPayload] and [*ServiceAuthPayload].
type Payload interface {
	// Kind returns the payload shape discriminator.
	Kind() PayloadKind

	// Issuer returns the iss claim.
	Issuer() string

	// Subject returns the sub claim. Empty for service-auth payloads.
	Subject() string

	// ExpiresAt returns the exp claim in epoch seconds.
	ExpiresAt() int64

	// IssuedAt returns the iat claim in epoch seconds.
	IssuedAt() int64

	// MatchesAudience reports whether the payload was issued for the
	// given audience tag. User payloads carry an audience set and match
	// by containment; service-auth payloads carry a single audience and
	// match by equality.
	MatchesAudience(aud string) bool
}

// UserPayload is the assertion payload minted for a human login. The
// identity_nonce claim is the discriminator: its presence marks a user
// payload.
type UserPayload struct {
	// Aud is the set of application audience tags the login covers.
	Aud []string `json:"aud" validate:"required,min=1,dive,required"`

	// Email is the authenticated user's email address.
	Email string `json:"email" validate:"required,email"`

	// Exp is the expiry time in epoch seconds.
	Exp int64 `json:"exp" validate:"required"`

	// Iat is the issue time in epoch seconds.
	Iat int64 `json:"iat" validate:"required"`

	// Nbf is the not-before time in epoch seconds.
	Nbf int64 `json:"nbf" validate:"required"`

	// Iss is the issuing team domain.
	Iss string `json:"iss" validate:"required,url"`

	// Type is the assertion scope, "app" or "org".
	Type string `json:"type" validate:"required,oneof=app org"`

	// IdentityNonce links the assertion to a cached identity lookup.
	IdentityNonce string `json:"identity_nonce" validate:"required"`

	// Sub is the user's UUID at the identity provider.
	Sub string `json:"sub" validate:"required,uuid_string"`

	// Country is the ISO 3166-1 alpha-2 country the login came from.
	Country string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// Kind returns PayloadKindUser.
func (p *UserPayload) Kind() PayloadKind { return PayloadKindUser }

// Issuer returns the iss claim.
func (p *UserPayload) Issuer() string { return p.Iss }

// Subject returns the user's UUID.
func (p *UserPayload) Subject() string { return p.Sub }

// ExpiresAt returns the exp claim.
func (p *UserPayload) ExpiresAt() int64 { return p.Exp }

// IssuedAt returns the iat claim.
func (p *UserPayload) IssuedAt() int64 { return p.Iat }

// MatchesAudience reports whether aud is contained in the payload's
// audience set.
func (p *UserPayload) MatchesAudience(aud string) bool {
	for _, a := range p.Aud {
		if a == aud {
			return true
		}
	}
	return false
}

// ServiceAuthPayload is the assertion payload minted for a service token.
// It has no identity_nonce and no nbf, its sub is the empty string, and
// its audience is a single tag rather than a set.
type ServiceAuthPayload struct {
	// Aud is the single application audience tag.
	Aud string `json:"aud" validate:"required"`

	// CommonName is the service token client id with the ".access" suffix.
	CommonName string `json:"common_name" validate:"required,service_common_name"`

	// Exp is the expiry time in epoch seconds.
	Exp int64 `json:"exp" validate:"required"`

	// Iat is the issue time in epoch seconds.
	Iat int64 `json:"iat" validate:"required"`

	// Iss is the issuing team domain.
	Iss string `json:"iss" validate:"required,url"`

	// Type is the assertion scope, "app" or "org".
	Type string `json:"type" validate:"required,oneof=app org"`

	// Sub is always empty for service tokens. A pointer distinguishes the
	// present-but-empty claim from an absent one.
	Sub *string `json:"sub" validate:"required"`
}

// Kind returns PayloadKindService.
func (p *ServiceAuthPayload) Kind() PayloadKind { return PayloadKindService }

// Issuer returns the iss claim.
func (p *ServiceAuthPayload) Issuer() string { return p.Iss }

// Subject returns the empty string.
func (p *ServiceAuthPayload) Subject() string { return "" }

// ExpiresAt returns the exp claim.
func (p *ServiceAuthPayload) ExpiresAt() int64 { return p.Exp }

// IssuedAt returns the iat claim.
func (p *ServiceAuthPayload) IssuedAt() int64 { return p.Iat }

// MatchesAudience reports whether aud equals the payload's audience tag.
func (p *ServiceAuthPayload) MatchesAudience(aud string) bool {
	return p.Aud == aud
}

// payloadProbe inspects only the discriminator claim so decodePayload can
// pick the right schema before strict validation.
type payloadProbe struct {
	IdentityNonce *string `json:"identity_nonce"`
}

// decodePayload unmarshals the payload segment into the shape selected by
// the identity_nonce discriminator and validates it strictly. A payload
// matching neither schema returns [ErrUnknownPayloadShape] so callers can
// distinguish shape failures from signature failures.
func decodePayload(data []byte) (Payload, error) {
	var probe payloadProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: payload segment is not valid JSON")
	}

	if probe.IdentityNonce != nil {
		var p UserPayload
		if err := json.Unmarshal(data, &p); err == nil {
			if err := claimValidator.Struct(&p); err == nil {
				return &p, nil
			}
		}
		return nil, ekerr.Wrap(ErrUnknownPayloadShape, ekerr.CodeAuthenticationInvalid,
			"access: payload failed user schema validation")
	}

	var p ServiceAuthPayload
	if err := json.Unmarshal(data, &p); err == nil {
		if err := claimValidator.Struct(&p); err == nil && *p.Sub == "" {
			return &p, nil
		}
	}
	return nil, ekerr.Wrap(ErrUnknownPayloadShape, ekerr.CodeAuthenticationInvalid,
		"access: payload failed service-auth schema validation")
}

// tokenHeader is the decoded JOSE header of an Access assertion.
type tokenHeader struct {
	// Alg must be exactly RS256; any other algorithm is a hard rejection.
	Alg string `json:"alg" validate:"required,eq=RS256"`

	// Kid selects the signing key from the team's published key set.
	Kid string `json:"kid" validate:"required,access_kid"`

	// Typ is carried but not enforced; Access sets "JWT".
	Typ string `json:"typ"`
}

// decodeHeader unmarshals and validates the header segment.
func decodeHeader(data []byte) (*tokenHeader, error) {
	var h tokenHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: header segment is not valid JSON")
	}
	if err := claimValidator.Struct(&h); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: header failed schema validation")
	}
	return &h, nil
}
