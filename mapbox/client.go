// Package mapbox implements the gateway's geospatial tools as thin calls to
// the Mapbox HTTP APIs. Each tool reports progress on the caller's streaming
// context when one is present; the static map tool stores the rendered image
// in an artifact store and announces it with an artifact_event.
package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/artifacts"
	"github.com/ggoodman/mcp-gateway-go/internal/upstream"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/streaming"
)

// DefaultBaseURL is the Mapbox API origin.
const DefaultBaseURL = "https://api.mapbox.com"

// Scopes required by the tools.
const (
	ScopeGeocode    = "mapbox:geocode"
	ScopeSearch     = "mapbox:search"
	ScopeDirections = "mapbox:directions"
	ScopeIsochrone  = "mapbox:isochrone"
	ScopeMatrix     = "mapbox:matrix"
	ScopeStatic     = "mapbox:static"
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	Longitude float64 `json:"longitude" jsonschema:"minimum=-180,maximum=180,description=Longitude in decimal degrees"`
	Latitude  float64 `json:"latitude" jsonschema:"minimum=-90,maximum=90,description=Latitude in decimal degrees"`
}

func (c Coordinates) String() string {
	return formatFloat(c.Longitude) + "," + formatFloat(c.Latitude)
}

// Client calls the Mapbox APIs on behalf of the tools.
type Client struct {
	token     string
	baseURL   string
	up        *upstream.Client
	artifacts *artifacts.Store
	log       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithArtifacts sets the store rendered images are kept in. Without one,
// static maps are returned inline only.
func WithArtifacts(s *artifacts.Store) Option {
	return func(c *Client) { c.artifacts = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client authenticating with the given access token.
func New(token string, up *upstream.Client, opts ...Option) *Client {
	c := &Client{token: token, baseURL: DefaultBaseURL, up: up, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.up == nil {
		c.up = upstream.New(upstream.WithLogger(c.log))
	}
	return c
}

// endpoint builds an API URL from path segments (already escaped) and query.
func (c *Client) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", c.token)
	return c.baseURL + path + "?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values) (map[string]any, error) {
	var out map[string]any
	if err := c.up.GetJSON(ctx, c.endpoint(path, q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// progress reports on the caller's streaming context, if any.
func progress(ctx context.Context, percent float64, message string) {
	if s, ok := streaming.FromContext(ctx); ok {
		s.Emit(streaming.Progress(percent, message))
	}
}

// jsonResult wraps an API response as a tool result: the JSON text for the
// model plus the decoded value as structured content.
func jsonResult(v map[string]any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.ContentBlock{mcp.TextContent(string(b))},
		StructuredContent: v,
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinCoordinates(cs []Coordinates) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ";")
}
