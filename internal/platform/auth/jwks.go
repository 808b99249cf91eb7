package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeyTTL = 5 * time.Minute
	maxCachedKeys = 32
)

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// KeyCache resolves token signing keys from the identity provider's JWKS
// endpoint. Keys expire after the TTL; a miss refetches the whole set, so
// rotated keys are picked up on first use. Concurrent misses share one fetch.
type KeyCache struct {
	url    string
	issuer string
	client *http.Client
	keys   *expirable.LRU[string, *rsa.PublicKey]
	group  singleflight.Group
}

// NewKeyCache uses a 10s-timeout client when client is nil.
func NewKeyCache(jwksURL string, ttl time.Duration, client *http.Client) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{
		url:    jwksURL,
		client: client,
		keys:   expirable.NewLRU[string, *rsa.PublicKey](maxCachedKeys, nil, ttl),
	}
}

// NewIssuerKeyCache locates the JWKS endpoint through the issuer's OpenID
// discovery document on first use, so an identity provider that is down at
// boot does not stop the server from starting.
func NewIssuerKeyCache(issuer string, ttl time.Duration, client *http.Client) *KeyCache {
	c := NewKeyCache("", ttl, client)
	c.issuer = strings.TrimRight(issuer, "/")
	return c
}

func (c *KeyCache) Get(kid string) (*rsa.PublicKey, error) {
	if key, ok := c.keys.Get(kid); ok {
		return key, nil
	}
	if _, err, _ := c.group.Do("fetch", func() (any, error) { return nil, c.refresh() }); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	key, ok := c.keys.Get(kid)
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

// Keyfunc adapts the cache to jwt.ParseWithClaims.
func (c *KeyCache) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	return c.Get(kid)
}

// refresh only runs inside group.Do, which serializes writes to c.url.
func (c *KeyCache) refresh() error {
	if c.url == "" {
		if c.issuer == "" {
			return fmt.Errorf("no JWKS URL or issuer configured")
		}
		u, err := c.discover()
		if err != nil {
			return err
		}
		c.url = u
	}

	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jsonWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if pub, err := parseRSAPublicKey(k); err == nil {
			c.keys.Add(k.Kid, pub)
		}
	}
	return nil
}

func (c *KeyCache) discover() (string, error) {
	resp, err := c.client.Get(c.issuer + "/.well-known/openid-configuration")
	if err != nil {
		return "", fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

func parseRSAPublicKey(k jsonWebKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
