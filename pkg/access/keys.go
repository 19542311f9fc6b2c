package access

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// maxCertsResponseSize bounds the certs endpoint response body (1 MB).
const maxCertsResponseSize = 1 << 20

// HTTPClient abstracts the HTTP client used to fetch the certs endpoint,
// so callers can supply transports with custom timeouts, proxies, or
// instrumentation. The standard [http.Client] satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SigningKey is one RSA public key from the team's published key set.
type SigningKey struct {
	// Kid identifies the key; token headers reference it.
	Kid string `json:"kid" validate:"required,access_kid"`

	// Kty must be RSA.
	Kty string `json:"kty" validate:"required,eq=RSA"`

	// Alg must be RS256.
	Alg string `json:"alg" validate:"required,eq=RS256"`

	// Use is the key usage hint ("sig").
	Use string `json:"use"`

	// N is the base64url-encoded RSA modulus.
	N string `json:"n" validate:"required"`

	// E is the base64url-encoded RSA public exponent.
	E string `json:"e" validate:"required"`
}

// PublicKey reconstructs the *rsa.PublicKey from the key's modulus and
// exponent.
func (k *SigningKey) PublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: failed to decode RSA modulus")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: failed to decode RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// Certificate is one PEM certificate entry from the certs endpoint.
type Certificate struct {
	Kid  string `json:"kid"`
	Cert string `json:"cert"`
}

// KeySet is the team's published key material from
// GET <teamDomain>/cdn-cgi/access/certs.
type KeySet struct {
	Keys        []SigningKey  `json:"keys"`
	PublicCert  Certificate   `json:"public_cert"`
	PublicCerts []Certificate `json:"public_certs"`
}

// KeyByID returns the signing key whose kid equals the given kid.
func (ks *KeySet) KeyByID(kid string) (*SigningKey, bool) {
	for i := range ks.Keys {
		if ks.Keys[i].Kid == kid {
			return &ks.Keys[i], true
		}
	}
	return nil, false
}

// validate checks the fetched key set: at least one signing key, at least
// one public certificate, and every key structurally sound. An empty set
// is a validation failure, never an empty success.
func (ks *KeySet) validate() error {
	if len(ks.Keys) == 0 {
		return ekerr.New(ekerr.CodeAuthenticationInvalid,
			"access: certs response contains no signing keys")
	}
	if len(ks.PublicCerts) == 0 {
		return ekerr.New(ekerr.CodeAuthenticationInvalid,
			"access: certs response contains no public certificates")
	}
	for i := range ks.Keys {
		if err := claimValidator.Struct(&ks.Keys[i]); err != nil {
			return ekerr.Wrapf(err, ekerr.CodeAuthenticationInvalid,
				"access: signing key %d failed schema validation", i)
		}
	}
	return nil
}

// KeyCache stores fetched key sets with a time-to-live. The cache is an
// explicit injected dependency rather than a hidden package singleton, so
// its lifetime and invalidation policy are visible and testable.
//
// Implementations must be safe for concurrent use. Concurrent misses may
// each trigger an independent fetch; the resolver performs no in-flight
// deduplication.
type KeyCache interface {
	// Get returns the cached key set for the given cache key, or false
	// when absent or expired.
	Get(key string) (*KeySet, bool)

	// Put stores a key set under the given cache key for the ttl.
	Put(key string, ks *KeySet, ttl time.Duration)
}

// memoryKeyCache is the default in-process KeyCache.
type memoryKeyCache struct {
	mu      sync.RWMutex
	entries map[string]memoryKeyCacheEntry
}

type memoryKeyCacheEntry struct {
	keySet    *KeySet
	expiresAt time.Time
}

// NewMemoryKeyCache returns an in-memory [KeyCache] with per-entry TTL
// expiry. Expired entries are overwritten on the next Put; the cache is
// bounded by the number of distinct teams it serves, which in practice
// is one.
func NewMemoryKeyCache() KeyCache {
	return &memoryKeyCache{entries: make(map[string]memoryKeyCacheEntry)}
}

func (c *memoryKeyCache) Get(key string) (*KeySet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.keySet, true
}

func (c *memoryKeyCache) Put(key string, ks *KeySet, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryKeyCacheEntry{keySet: ks, expiresAt: time.Now().Add(ttl)}
}

// resolver fetches and caches the team's key set.
type resolver struct {
	certsURL      string
	client        HTTPClient
	cache         KeyCache
	ttl           time.Duration
	fetchTimeout  time.Duration
	refreshOnMiss bool
}

// keySet returns the current key set, from cache when fresh.
func (r *resolver) keySet(ctx context.Context) (*KeySet, error) {
	if ks, ok := r.cache.Get(r.certsURL); ok {
		return ks, nil
	}
	ks, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Put(r.certsURL, ks, r.ttl)
	return ks, nil
}

// signingKey resolves the signing key for the given kid. When the kid is
// absent from a cached key set and refresh-on-miss is enabled, the certs
// endpoint is refetched once before rejecting; otherwise a rotated key
// published after the last fetch stays invisible until the cache entry
// expires.
func (r *resolver) signingKey(ctx context.Context, kid string) (*SigningKey, error) {
	ks, err := r.keySet(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := ks.KeyByID(kid); ok {
		return key, nil
	}

	if r.refreshOnMiss {
		fresh, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.cache.Put(r.certsURL, fresh, r.ttl)
		if key, ok := fresh.KeyByID(kid); ok {
			return key, nil
		}
	}

	return nil, ekerr.Wrap(ErrNoMatchingKey, ekerr.CodeAuthenticationInvalid,
		"access: could not find matching signing key").WithDetail("kid", kid)
}

// fetch performs one certs endpoint request with the configured timeout
// and validates the response schema. Transport failures, non-2xx
// statuses, and malformed bodies all surface as errors.
func (r *resolver) fetch(ctx context.Context) (*KeySet, error) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.certsURL, nil)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternal,
			"access: failed to create certs request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ekerr.Wrap(err, ekerr.CodeTimeoutDependency,
				"access: certs fetch timed out")
		}
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"access: certs fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ekerr.Newf(ekerr.CodeUnavailableDependency,
			"access: certs endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertsResponseSize))
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"access: failed to read certs response")
	}

	var ks KeySet
	if err := json.Unmarshal(body, &ks); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeAuthenticationInvalid,
			"access: certs response is not valid JSON")
	}
	if err := ks.validate(); err != nil {
		return nil, err
	}
	return &ks, nil
}

// certsURLAttr is the span attribute recording which certs endpoint a
// verification consulted.
func certsURLAttr(url string) attribute.KeyValue {
	return attribute.String("access.certs_url", url)
}
