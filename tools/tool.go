package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	gschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// ExecMeta carries request metadata into a tool handler.
type ExecMeta struct {
	PrincipalID string
	RequestID   string
	Permissions []string
}

// Handler implements a tool over its typed arguments A.
type Handler[A any] func(ctx context.Context, args A, meta ExecMeta) (*mcp.CallToolResult, error)

// Tool is a registered tool: descriptor, compiled input schema and handler.
type Tool struct {
	descriptor mcp.Tool
	scope      string
	schema     *gschema.Resolved
	call       func(ctx context.Context, args json.RawMessage, meta ExecMeta) (*mcp.CallToolResult, error)
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.descriptor.Name }

// Scope returns the scope required to execute the tool, or "".
func (t *Tool) Scope() string { return t.scope }

// Descriptor returns the tool's MCP descriptor.
func (t *Tool) Descriptor() mcp.Tool { return t.descriptor }

// Option configures New.
type Option func(*toolConfig)

type toolConfig struct {
	description               string
	scope                     string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithScope sets the scope a principal must hold to execute the tool.
func WithScope(scope string) Option {
	return func(c *toolConfig) { c.scope = scope }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false
// and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// New constructs a Tool from a typed args struct A. It:
//   - reflects a JSON Schema from A using invopop/jsonschema
//   - compiles that schema for runtime validation
//   - wraps fn with JSON decoding (rejecting unknown fields by default)
func New[A any](name string, fn Handler[A], opts ...Option) (*Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %q: handler is required", name)
	}
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	raw, resolved, err := reflectInputSchema[A](cfg.allowAdditionalProperties)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}

	t := &Tool{
		descriptor: mcp.Tool{Name: name, Description: cfg.description, InputSchema: raw},
		scope:      cfg.scope,
		schema:     resolved,
	}
	t.call = func(ctx context.Context, args json.RawMessage, meta ExecMeta) (*mcp.CallToolResult, error) {
		var a A
		if len(args) > 0 {
			dec := json.NewDecoder(bytes.NewReader(args))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, &ValidationError{Tool: name, Err: err}
			}
		}
		return fn(ctx, a, meta)
	}
	return t, nil
}

// MustNew is like New but panics on error. Intended for package-level tool
// tables whose argument types are fixed at compile time.
func MustNew[A any](name string, fn Handler[A], opts ...Option) *Tool {
	t, err := New(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// reflectInputSchema reflects A into a JSON Schema document and resolves it
// for validation.
func reflectInputSchema[A any](allowAdditional bool) (json.RawMessage, *gschema.Resolved, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
		Anonymous:                 true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return nil, nil, fmt.Errorf("input type %T must reflect to an object schema", *new(A))
	}
	// The descriptor is advertised without the dialect marker.
	s.Version = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var compiled gschema.Schema
	if err := json.Unmarshal(raw, &compiled); err != nil {
		return nil, nil, fmt.Errorf("load input schema: %w", err)
	}
	resolved, err := compiled.Resolve(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return raw, resolved, nil
}
