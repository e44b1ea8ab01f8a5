package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
)

// DefaultTokenTTL is the lifetime of minted tokens when MintOptions.TTL is zero.
const DefaultTokenTTL = 24 * time.Hour

// MintOptions describes a development token.
type MintOptions struct {
	Subject     string
	Issuer      string
	Audience    string
	Permissions []string
	TTL         time.Duration
	// Now overrides the issue time.
	Now time.Time
}

// MintHMAC signs an HS256 token accepted by NewHMAC with the same secret.
func MintHMAC(secret []byte, opts MintOptions) (string, error) {
	if opts.Subject == "" {
		return "", errors.New("subject is required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := &jwtauth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    opts.Issuer,
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: opts.Permissions,
	}
	if opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.Audience}
	}
	return jwtauth.Mint(secret, claims)
}
