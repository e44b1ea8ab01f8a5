// Package auth provides the authentication primitives used by the streaming
// HTTP transport: the Principal a request runs as, scope matching, and bearer
// token authenticators.
//
// An Authenticator validates an incoming bearer token string and returns a
// *Principal (or an error). The transport is responsible for extracting the
// token from the HTTP request and mapping sentinel errors into Bearer
// challenges.
//
// # Authenticators
//
// NewHMAC validates HS256 tokens signed with a shared secret, the format
// MintHMAC produces for local development. NewJWKS validates RS/ES tokens
// against a JWKS endpoint and NewFromDiscovery locates that endpoint through
// OpenID Connect discovery.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://gateway.example/mcp")
//	if err != nil { log.Fatal(err) }
//
//	p, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* map to 401 challenge */ }
//	if !p.HasScope("mapbox:geocode") { /* insufficient scope */ }
//
// # Scopes
//
// Permissions are read from the "permissions" array claim and the
// space-delimited "scope" claim. A permission of "*" grants everything and
// "prefix:*" grants every scope under prefix.
package auth
