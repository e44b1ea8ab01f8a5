package mapbox

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/streaming"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

// DefaultStyle is the map style used when none is given.
const DefaultStyle = "mapbox/streets-v12"

// Size is an image size in pixels.
type Size struct {
	Width  int `json:"width" jsonschema:"minimum=1,maximum=1280"`
	Height int `json:"height" jsonschema:"minimum=1,maximum=1280"`
}

// StaticMapArgs are the arguments of static_map_image_tool.
type StaticMapArgs struct {
	Center Coordinates `json:"center"`
	Zoom   float64     `json:"zoom" jsonschema:"minimum=0,maximum=22"`
	Size   Size        `json:"size"`
	Style  string      `json:"style,omitempty" jsonschema:"description=Style id as owner/style"`
}

func (c *Client) staticMap(ctx context.Context, args StaticMapArgs, _ tools.ExecMeta) (*mcp.CallToolResult, error) {
	style := args.Style
	if style == "" {
		style = DefaultStyle
	}
	if strings.Count(style, "/") != 1 {
		return nil, &tools.ValidationError{Tool: "static_map_image_tool", Err: fmt.Errorf("style %q must be owner/style", style)}
	}

	progress(ctx, 10, "rendering map")
	path := fmt.Sprintf("/styles/v1/%s/static/%s,%s/%dx%d", style, args.Center.String(), formatFloat(args.Zoom), args.Size.Width, args.Size.Height)
	data, contentType, err := c.up.GetBytes(ctx, c.endpoint(path, nil))
	if err != nil {
		return nil, err
	}
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}
	progress(ctx, 80, fmt.Sprintf("rendered %d bytes", len(data)))

	res := &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.ImageContent(data, mimeType)},
	}

	if c.artifacts != nil {
		a := c.artifacts.Put(data, mimeType, 0)
		desc := fmt.Sprintf("%dx%d map centered on %s", args.Size.Width, args.Size.Height, args.Center.String())
		res.Content = append(res.Content, mcp.ResourceLink(a.URI, "static-map", a.MIME, desc))
		if s, ok := streaming.FromContext(ctx); ok {
			s.Emit(a.Event())
		}
	}
	progress(ctx, 100, "map ready")
	return res, nil
}
