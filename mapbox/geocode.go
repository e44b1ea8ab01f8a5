package mapbox

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

// ForwardGeocodeArgs are the arguments of forward_geocode_tool.
type ForwardGeocodeArgs struct {
	Q         string       `json:"q" jsonschema:"minLength=1,description=Address or place name to look up"`
	Limit     int          `json:"limit,omitempty" jsonschema:"minimum=1,maximum=10,description=Maximum number of results"`
	Proximity *Coordinates `json:"proximity,omitempty" jsonschema:"description=Bias results toward this location"`
	Country   string       `json:"country,omitempty" jsonschema:"description=Comma-separated ISO 3166 alpha-2 country codes"`
}

// ReverseGeocodeArgs are the arguments of reverse_geocode_tool.
type ReverseGeocodeArgs struct {
	Longitude float64 `json:"longitude" jsonschema:"minimum=-180,maximum=180"`
	Latitude  float64 `json:"latitude" jsonschema:"minimum=-90,maximum=90"`
}

func (c *Client) forwardGeocode(ctx context.Context, args ForwardGeocodeArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	progress(ctx, 10, "geocoding "+args.Q)
	q := url.Values{}
	if args.Limit > 0 {
		q.Set("limit", strconv.Itoa(args.Limit))
	}
	if args.Proximity != nil {
		q.Set("proximity", args.Proximity.String())
	}
	if args.Country != "" {
		q.Set("country", args.Country)
	}
	out, err := c.getJSON(ctx, "/geocoding/v5/mapbox.places/"+url.PathEscape(args.Q)+".json", q)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "geocoding complete")
	return jsonResult(out)
}

func (c *Client) reverseGeocode(ctx context.Context, args ReverseGeocodeArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	at := Coordinates{Longitude: args.Longitude, Latitude: args.Latitude}
	progress(ctx, 10, "reverse geocoding "+at.String())
	out, err := c.getJSON(ctx, "/geocoding/v5/mapbox.places/"+at.String()+".json", nil)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "reverse geocoding complete")
	return jsonResult(out)
}
