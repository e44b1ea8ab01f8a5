// Package jwtauth verifies bearer JWTs for the gateway. Keys come from a
// shared HMAC secret, a JWKS endpoint or an OIDC issuer's discovery document.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation behavior for bearer tokens.
type Config struct {
	// Issuer, when set, must equal the iss claim.
	Issuer string
	// ExpectedAudiences must intersect the aud claim when non-empty.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256", "ES256"},
		Leeway:      60 * time.Second,
	}
}

// Claims is the claim set the gateway reads from a token. Permissions are
// carried either as a "permissions" array or as the space-delimited OAuth
// "scope" claim.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
	Scope       string   `json:"scope,omitempty"`
}

// Scopes returns the union of the permissions and scope claims, in order,
// without duplicates.
func (c *Claims) Scopes() []string {
	out := make([]string, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, s := range strings.Fields(c.Scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Verifier validates tokens against one key source.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	jwksURI string
	issuer  string
}

// NewHMAC verifies tokens signed with a shared secret.
func NewHMAC(cfg *Config, secret []byte) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is required")
	}
	c := *cfg
	c.AllowedAlgs = slices.DeleteFunc(slices.Clone(c.AllowedAlgs), func(alg string) bool {
		return !strings.HasPrefix(alg, "HS")
	})
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"HS256"}
	}
	key := slices.Clone(secret)
	return &Verifier{
		cfg:    c,
		issuer: c.Issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
			}
			return key, nil
		},
	}, nil
}

// NewStatic verifies tokens against a JWKS endpoint. Keys are refreshed in
// the background for the lifetime of ctx.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Verifier{
		cfg:     c,
		issuer:  c.Issuer,
		jwksURI: jwksURI,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// NewFromDiscovery resolves the issuer's jwks_uri through OpenID Connect
// discovery and verifies tokens against it. The discovered issuer replaces
// cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	c := *cfg
	if meta.Issuer != "" {
		c.Issuer = meta.Issuer
	}
	return NewStatic(ctx, &c, meta.JwksURI)
}

// Issuer returns the issuer tokens must carry, if any.
func (v *Verifier) Issuer() string { return v.issuer }

// JWKSURI returns the key set location, or "" for HMAC verifiers.
func (v *Verifier) JWKSURI() string { return v.jwksURI }

// Verify parses and validates tok. Every validation failure wraps
// ErrUnauthorized.
func (v *Verifier) Verify(_ context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	var claims Claims
	parsed, err := parser.ParseWithClaims(tok, &claims, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims.Audience, v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &claims, nil
}

// Mint signs claims with an HMAC secret using HS256.
func Mint(secret []byte, claims *Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("hmac secret is required")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

func audIntersects(aud jwt.ClaimStrings, wants []string) bool {
	for _, a := range aud {
		if slices.Contains(wants, a) {
			return true
		}
	}
	return false
}
