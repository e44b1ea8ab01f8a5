package mapbox

import "github.com/ggoodman/mcp-gateway-go/tools"

// Tools returns the geospatial tool set bound to c.
func (c *Client) Tools() []*tools.Tool {
	return []*tools.Tool{
		tools.MustNew("forward_geocode_tool", c.forwardGeocode,
			tools.WithDescription("Convert an address or place name into coordinates."),
			tools.WithScope(ScopeGeocode)),
		tools.MustNew("reverse_geocode_tool", c.reverseGeocode,
			tools.WithDescription("Find the address or place at a coordinate."),
			tools.WithScope(ScopeGeocode)),
		tools.MustNew("poi_search_tool", c.poiSearch,
			tools.WithDescription("Search for points of interest, optionally near a location."),
			tools.WithScope(ScopeSearch)),
		tools.MustNew("directions_tool", c.directions,
			tools.WithDescription("Compute a route between two or more waypoints."),
			tools.WithScope(ScopeDirections)),
		tools.MustNew("isochrone_tool", c.isochrone,
			tools.WithDescription("Compute areas reachable from a location within the given travel times."),
			tools.WithScope(ScopeIsochrone)),
		tools.MustNew("matrix_tool", c.matrix,
			tools.WithDescription("Compute travel durations and distances between sets of locations."),
			tools.WithScope(ScopeMatrix)),
		tools.MustNew("static_map_image_tool", c.staticMap,
			tools.WithDescription("Render a static map image centered on a location."),
			tools.WithScope(ScopeStatic)),
	}
}
