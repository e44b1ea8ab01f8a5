package mapbox

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

// POISearchArgs are the arguments of poi_search_tool.
type POISearchArgs struct {
	Q         string       `json:"q" jsonschema:"minLength=1,description=What to search for such as coffee"`
	Proximity *Coordinates `json:"proximity,omitempty" jsonschema:"description=Search around this location"`
	Limit     int          `json:"limit,omitempty" jsonschema:"minimum=1,maximum=25"`
}

func (c *Client) poiSearch(ctx context.Context, args POISearchArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	progress(ctx, 10, "searching for "+args.Q)
	q := url.Values{}
	q.Set("q", args.Q)
	if args.Proximity != nil {
		q.Set("proximity", args.Proximity.String())
	}
	if args.Limit > 0 {
		q.Set("limit", strconv.Itoa(args.Limit))
	}
	out, err := c.getJSON(ctx, "/search/searchbox/v1/forward", q)
	if err != nil {
		return nil, err
	}
	progress(ctx, 100, "search complete")
	return jsonResult(out)
}
