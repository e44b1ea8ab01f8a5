package mapbox

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

// DirectionsArgs are the arguments of directions_tool.
type DirectionsArgs struct {
	Profile      string        `json:"profile" jsonschema:"enum=driving,enum=driving-traffic,enum=walking,enum=cycling"`
	Coordinates  []Coordinates `json:"coordinates" jsonschema:"minItems=2,maxItems=25,description=Waypoints in travel order"`
	Alternatives bool          `json:"alternatives,omitempty"`
}

// IsochroneArgs are the arguments of isochrone_tool.
type IsochroneArgs struct {
	Coordinates     Coordinates `json:"coordinates"`
	Profile         string      `json:"profile" jsonschema:"enum=driving,enum=walking,enum=cycling"`
	ContoursMinutes []int       `json:"contours_minutes" jsonschema:"minItems=1,maxItems=4,description=Travel times in minutes"`
}

// MatrixArgs are the arguments of matrix_tool.
type MatrixArgs struct {
	Profile      string        `json:"profile" jsonschema:"enum=driving,enum=driving-traffic,enum=walking,enum=cycling"`
	Sources      []Coordinates `json:"sources" jsonschema:"minItems=1,maxItems=12"`
	Destinations []Coordinates `json:"destinations" jsonschema:"minItems=1,maxItems=12"`
}

func (c *Client) directions(ctx context.Context, args DirectionsArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	progress(ctx, 10, fmt.Sprintf("routing %d waypoints", len(args.Coordinates)))
	q := url.Values{}
	q.Set("geometries", "geojson")
	q.Set("overview", "simplified")
	q.Set("steps", "false")
	if args.Alternatives {
		q.Set("alternatives", "true")
	}
	out, err := c.getJSON(ctx, "/directions/v5/mapbox/"+args.Profile+"/"+joinCoordinates(args.Coordinates), q)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "route computed")
	return jsonResult(out)
}

func (c *Client) isochrone(ctx context.Context, args IsochroneArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	progress(ctx, 10, "computing isochrone")
	minutes := make([]string, len(args.ContoursMinutes))
	for i, m := range args.ContoursMinutes {
		if m < 1 || m > 60 {
			return nil, &tools.ValidationError{Tool: "isochrone_tool", Err: fmt.Errorf("contour %d outside 1..60 minutes", m)}
		}
		minutes[i] = strconv.Itoa(m)
	}
	q := url.Values{}
	q.Set("contours_minutes", strings.Join(minutes, ","))
	q.Set("polygons", "true")
	out, err := c.getJSON(ctx, "/isochrone/v1/mapbox/"+args.Profile+"/"+args.Coordinates.String(), q)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "isochrone computed")
	return jsonResult(out)
}

func (c *Client) matrix(ctx context.Context, args MatrixArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	progress(ctx, 10, fmt.Sprintf("computing %dx%d matrix", len(args.Sources), len(args.Destinations)))
	all := append(append([]Coordinates(nil), args.Sources...), args.Destinations...)
	src := make([]string, len(args.Sources))
	for i := range args.Sources {
		src[i] = strconv.Itoa(i)
	}
	dst := make([]string, len(args.Destinations))
	for i := range args.Destinations {
		dst[i] = strconv.Itoa(len(args.Sources) + i)
	}
	q := url.Values{}
	q.Set("sources", strings.Join(src, ";"))
	q.Set("destinations", strings.Join(dst, ";"))
	q.Set("annotations", "duration,distance")
	out, err := c.getJSON(ctx, "/directions-matrix/v1/mapbox/"+args.Profile+"/"+joinCoordinates(all), q)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "matrix computed")
	return jsonResult(out)
}
