package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the bearer token
// authenticators (algorithms, leeway, token type).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = slices.Clone(algs)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewHMAC returns an Authenticator for HS256 tokens signed with secret, the
// format produced by MintHMAC. An empty issuer or audience is not checked.
func NewHMAC(secret []byte, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := newConfig(issuer, audience, opts)
	cfg.AllowedAlgs = []string{"HS256"}
	v, err := jwtauth.NewHMAC(cfg, secret)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewJWKS returns an Authenticator that verifies RS/ES signed tokens against
// the key set published at jwksURL. Keys are refreshed in the background
// until ctx is done.
func NewJWKS(ctx context.Context, jwksURL, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	v, err := jwtauth.NewStatic(ctx, newConfig(issuer, audience, opts), jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromDiscovery returns an Authenticator that resolves the issuer's
// jwks_uri through OpenID Connect discovery.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public gateway URL
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	v, err := jwtauth.NewFromDiscovery(ctx, newConfig(issuer, audience, opts))
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

func newConfig(issuer, audience string, opts []AccessTokenAuthOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.ExpectedAudiences = []string{audience}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	claims, err := ad.v.Verify(ctx, tok)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return &Principal{Subject: claims.Subject, Permissions: claims.Scopes()}, nil
}

func (ad *adapter) Issuer() string  { return ad.v.Issuer() }
func (ad *adapter) JWKSURI() string { return ad.v.JWKSURI() }
