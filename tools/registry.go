package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// ErrToolNotFound is returned for names the registry does not hold.
var ErrToolNotFound = errors.New("tool not found")

// ValidationError reports tool arguments that do not satisfy the tool's
// input schema.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Registry is a static, concurrency-safe set of tools. Listing preserves
// registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry returns a registry holding tools.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return errors.New("tool is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// HasTool reports whether name is registered.
func (r *Registry) HasTool(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// ListTools returns every descriptor in registration order.
func (r *Registry) ListTools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].descriptor)
	}
	return out
}

// ValidateInput checks args against the tool's input schema and returns the
// arguments to execute with. Absent arguments validate as an empty object.
func (r *Registry) ValidateInput(name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return nil, &ValidationError{Tool: name, Err: err}
	}
	if _, ok := instance.(map[string]any); !ok {
		return nil, &ValidationError{Tool: name, Err: errors.New("arguments must be an object")}
	}
	if err := t.schema.Validate(instance); err != nil {
		return nil, &ValidationError{Tool: name, Err: err}
	}
	return args, nil
}

// Execute runs the named tool. The caller's permissions must satisfy the
// tool's scope, if it declares one.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, meta ExecMeta) (res *mcp.CallToolResult, err error) {
	t, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if t.scope != "" {
		p := &auth.Principal{Subject: meta.PrincipalID, Permissions: meta.Permissions}
		if !p.HasScope(t.scope) {
			return nil, fmt.Errorf("%w: tool %q requires %q", auth.ErrInsufficientScope, name, t.scope)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, fmt.Errorf("tool %q panicked: %v", name, rec)
		}
	}()

	res, err = t.call(ctx, args, meta)
	if err == nil && res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return res, err
}

func (r *Registry) lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}
