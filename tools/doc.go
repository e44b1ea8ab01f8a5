// Package tools is the gateway's Tool Registry. A tool pairs an MCP
// descriptor with a typed handler; its input schema is reflected from the
// handler's argument struct and compiled once so tools/call arguments can be
// validated before the handler runs.
//
//	type geocodeArgs struct {
//	    Q     string `json:"q" jsonschema:"minLength=1,description=Free-form address or place"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10"`
//	}
//
//	t := tools.MustNew("forward_geocode_tool", geocode,
//	    tools.WithDescription("Look up coordinates for an address"),
//	    tools.WithScope("mapbox:geocode"),
//	)
//	reg, err := tools.NewRegistry(t)
//
// Tools that declare a scope are only executed for principals holding it
// (see auth.Principal.HasScope); other callers get auth.ErrInsufficientScope.
package tools
