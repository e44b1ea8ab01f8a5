// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-gateway-go/auth"
)

// NoAuth is a test authenticator that always returns authenticated.
// Used for testing and development environments where authentication is not required.
type NoAuth struct {
	Principal auth.Principal
}

// NewNoAuth creates a NoAuth authenticator for subject holding permissions.
// If subject is empty, it defaults to "test-user".
func NewNoAuth(subject string, permissions ...string) *NoAuth {
	if subject == "" {
		subject = "test-user"
	}
	return &NoAuth{Principal: auth.Principal{Subject: subject, Permissions: permissions}}
}

// CheckAuthentication returns a copy of the configured principal for any token.
func (n *NoAuth) CheckAuthentication(context.Context, string) (*auth.Principal, error) {
	p := n.Principal
	p.Permissions = append([]string(nil), n.Principal.Permissions...)
	return &p, nil
}

// Tokens maps literal bearer tokens to principals. Unknown tokens fail with
// auth.ErrUnauthorized.
type Tokens map[string]auth.Principal

// CheckAuthentication implements auth.Authenticator.
func (t Tokens) CheckAuthentication(_ context.Context, tok string) (*auth.Principal, error) {
	p, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &p, nil
}
