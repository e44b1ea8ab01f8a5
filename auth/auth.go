package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Principal is an authenticated caller.
type Principal struct {
	Subject     string
	Permissions []string
}

// HasScope reports whether p holds scope. A permission grants a scope when it
// is equal to it, when it is "*", or when it has the form "prefix:*" and the
// scope is "prefix" or starts with "prefix:".
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Permissions {
		if perm == scope || perm == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(perm, ":*"); ok {
			if scope == prefix || strings.HasPrefix(scope, prefix+":") {
				return true
			}
		}
	}
	return false
}

// HasAnyScope reports whether p holds at least one of scopes.
func (p *Principal) HasAnyScope(scopes ...string) bool {
	return slices.ContainsFunc(scopes, p.HasScope)
}

// Authenticator validates bearer tokens and returns the associated principal.
// It should return an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Principal, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, tok string) (*Principal, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	return f(ctx, tok)
}

// Issuer is implemented by authenticators backed by an authorization server.
// The transport advertises it in protected resource metadata.
type Issuer interface {
	Issuer() string
	JWKSURI() string
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
