// Package wellknown holds the discovery documents the gateway serves under
// /.well-known.
package wellknown

import "strings"

// ProtectedResourceMetadata is the RFC 9728 document describing the gateway
// endpoint as an OAuth protected resource.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourcePath returns the well-known path for a resource served at
// endpointPath, e.g. "/mcp" becomes "/.well-known/oauth-protected-resource/mcp".
func ProtectedResourcePath(endpointPath string) string {
	p := strings.TrimSuffix(endpointPath, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "/.well-known/oauth-protected-resource" + p
}
