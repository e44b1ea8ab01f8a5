package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/router"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/streaming"
	"github.com/ggoodman/mcp-gateway-go/tools"
	"golang.org/x/sync/errgroup"
)

// ToolRegistry is the catalog of callable tools. *tools.Registry implements
// it.
type ToolRegistry interface {
	HasTool(name string) bool
	ValidateInput(name string, args json.RawMessage) (json.RawMessage, error)
	Execute(ctx context.Context, name string, args json.RawMessage, meta tools.ExecMeta) (*mcp.CallToolResult, error)
	ListTools() []mcp.Tool
}

// Request is one inbound POST as seen by the Gateway.
type Request struct {
	Body      []byte
	Header    http.Header
	Principal *auth.Principal
	// SessionID is the Mcp-Session-Id header, if any. It selects the SSE
	// session that streaming tool calls report into.
	SessionID string
}

// Outcome is the HTTP response the Gateway decided on.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
}

var supportedProtocolVersions = []string{
	mcp.LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

var postAcceptMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}

// Gateway validates and dispatches JSON-RPC payloads.
type Gateway struct {
	tools         ToolRegistry
	sessions      *sessions.Registry
	log           *slog.Logger
	info          mcp.ImplementationInfo
	instructions  string
	devMode       bool
	unscoped      []string
	concurrency   int
	streamBuffer  int
	routerOpts    router.Options
	finishTimeout time.Duration
}

// NewGateway creates a Gateway serving the tools in reg. registry may be nil,
// in which case tool calls never stream.
func NewGateway(reg ToolRegistry, registry *sessions.Registry, opts ...Option) *Gateway {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newGateway(reg, registry, cfg, slog.New(logctx.Handler{Handler: cfg.logger.Handler()}))
}

func newGateway(reg ToolRegistry, registry *sessions.Registry, cfg *newConfig, log *slog.Logger) *Gateway {
	return &Gateway{
		tools:         reg,
		sessions:      registry,
		log:           log,
		info:          mcp.ImplementationInfo{Name: cfg.serverName, Version: cfg.serverVersion},
		instructions:  cfg.instructions,
		devMode:       cfg.devMode,
		unscoped:      cfg.unscoped,
		concurrency:   cfg.concurrency,
		streamBuffer:  cfg.streamBuffer,
		routerOpts:    cfg.routerOpts,
		finishTimeout: cfg.finishTimeout,
	}
}

// Handle processes one POST payload. It never returns nil.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Outcome {
	if !acceptable(req.Header) {
		g.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", req.Header.Get("Accept")))
		return transportError(http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
	}

	payload, err := jsonrpc.ParsePayload(req.Body)
	if err != nil {
		g.log.WarnContext(ctx, "jsonrpc.payload.invalid", slog.String("err", err.Error()))
		rpcErr := payloadError(err)
		return jsonOutcome(http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message, rpcErr.Data))
	}

	if payload.OnlyNotificationsOrResponses() {
		g.log.InfoContext(ctx, "jsonrpc.accepted", slog.Int("messages", len(payload.Messages)))
		return &Outcome{Status: http.StatusAccepted, Header: http.Header{}}
	}

	principal := req.Principal
	if principal == nil {
		principal = &auth.Principal{}
	}
	ctx = auth.WithPrincipal(ctx, principal)
	if req.SessionID != "" {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: req.SessionID, PrincipalID: principal.Subject})
	}

	responses := make([]*jsonrpc.Response, len(payload.Messages))
	var eg errgroup.Group
	if g.concurrency > 0 {
		eg.SetLimit(g.concurrency)
	}
	for i := range payload.Messages {
		eg.Go(func() error {
			responses[i] = g.dispatch(ctx, principal, req.SessionID, &payload.Messages[i])
			return nil
		})
	}
	_ = eg.Wait()

	responses = slices.DeleteFunc(responses, func(r *jsonrpc.Response) bool { return r == nil })
	switch {
	case len(responses) == 0:
		return &Outcome{Status: http.StatusAccepted, Header: http.Header{}}
	case !payload.Batch:
		return jsonOutcome(http.StatusOK, responses[0])
	default:
		return jsonOutcome(http.StatusOK, responses)
	}
}

// dispatch runs a single message. It returns nil for anything that gets no
// reply: notifications and client responses.
func (g *Gateway) dispatch(ctx context.Context, p *auth.Principal, sessionID string, msg *jsonrpc.AnyMessage) (resp *jsonrpc.Response) {
	typ := msg.Type()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(typ)})

	if typ == jsonrpc.TypeResponse {
		g.log.DebugContext(ctx, "rpc.response.ignored")
		return nil
	}
	req := msg.AsRequest()

	start := time.Now()
	result, err := g.call(ctx, p, sessionID, req)

	if req.IsNotification() {
		if err != nil {
			g.log.WarnContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
		}
		return nil
	}

	if err == nil {
		resp, err = jsonrpc.NewResultResponse(req.ID, result)
	}
	if err != nil {
		rpcErr := rpcError(err, g.devMode)
		if rpcErr.Code == jsonrpc.ErrorCodeInternalError {
			g.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		} else {
			g.log.InfoContext(ctx, "rpc.inbound.reject", slog.Int("code", int(rpcErr.Code)), slog.String("err", err.Error()))
		}
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	g.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	return resp
}

func (g *Gateway) call(ctx context.Context, p *auth.Principal, sessionID string, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("panic dispatching %s: %v", req.Method, rec)
		}
	}()

	if !g.permitted(p, req.Method) {
		return nil, fmt.Errorf("%w: method %s requires scope %q", auth.ErrInsufficientScope, req.Method, methodScope(req.Method))
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return g.initialize(req.Params)
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil
	case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		return nil, nil
	case mcp.ToolsListMethod:
		return mcp.ListToolsResult{Tools: g.tools.ListTools()}, nil
	case mcp.ToolsCallMethod:
		return g.callTool(ctx, p, sessionID, req)
	case mcp.ResourcesListMethod:
		return mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
	case mcp.ResourcesReadMethod:
		var params mcp.ReadResourceRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, invalidParams("uri is required")
		}
		return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{}}, nil
	default:
		return nil, methodNotFound(req.Method)
	}
}

// permitted applies the coarse method-level check: the principal must hold
// the scope named by the method's first path segment. tools/call is checked
// per tool by the registry.
func (g *Gateway) permitted(p *auth.Principal, method string) bool {
	switch mcp.Method(method) {
	case mcp.ToolsCallMethod, mcp.ToolsListMethod, mcp.PingMethod:
		return true
	}
	if slices.Contains(g.unscoped, method) {
		return true
	}
	return p.HasScope(methodScope(method))
}

func methodScope(method string) string {
	scope, _, _ := strings.Cut(method, "/")
	return scope
}

func (g *Gateway) initialize(raw json.RawMessage) (*mcp.InitializeResult, error) {
	var params mcp.InitializeRequest
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	version := mcp.LatestProtocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      g.info,
		Instructions:    g.instructions,
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{}
	res.Capabilities.Resources = &struct {
		ListChanged bool `json:"listChanged"`
		Subscribe   bool `json:"subscribe"`
	}{}
	if g.sessions != nil {
		res.Capabilities.Experimental = map[string]any{
			"streaming": map[string]any{
				"transport": "sse",
				"events":    []string{"llm_event", "artifact_event", "end"},
			},
		}
	}
	return res, nil
}

func (g *Gateway) callTool(ctx context.Context, p *auth.Principal, sessionID string, req *jsonrpc.Request) (*mcp.CallToolResult, error) {
	var params mcp.CallToolRequest
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParams("tool name is required")
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	if !g.tools.HasTool(params.Name) {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, params.Name)
	}
	args, err := g.tools.ValidateInput(params.Name, params.Arguments)
	if err != nil {
		return nil, err
	}

	meta := tools.ExecMeta{
		PrincipalID: p.Subject,
		RequestID:   req.ID.String(),
		Permissions: slices.Clone(p.Permissions),
	}

	ctx, finish := g.openStream(ctx, p, sessionID)
	res, err := g.tools.Execute(ctx, params.Name, args, meta)
	finish(res, err)
	return res, err
}

// openStream attaches a Stream and Router to the caller's session when the
// request names a live session the caller owns. The returned finish records
// the tool outcome on the stream and waits for the router to write the
// lifecycle frames.
func (g *Gateway) openStream(ctx context.Context, p *auth.Principal, sessionID string) (context.Context, func(*mcp.CallToolResult, error)) {
	noop := func(*mcp.CallToolResult, error) {}
	if g.sessions == nil || sessionID == "" {
		return ctx, noop
	}
	info, ok := g.sessions.Lookup(sessionID)
	if !ok || info.PrincipalID != p.Subject {
		return ctx, noop
	}

	streamOpts := []streaming.Option{
		streaming.WithCancelOnError(true),
		streaming.WithMetrics(true),
		streaming.WithLogger(g.log),
	}
	if g.streamBuffer > 0 {
		streamOpts = append(streamOpts, streaming.WithMaxBufferSize(g.streamBuffer))
	}
	s := streaming.New(streamOpts...)
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: s.ID()})

	ropts := g.routerOpts
	ropts.Logger = g.log
	ropts.OnError = func(err error) {
		g.log.WarnContext(ctx, "stream.route.fail", slog.String("err", err.Error()))
	}
	rt := router.Attach(s, g.sessions.Sink(sessionID), ropts)

	unregister, ok := g.sessions.OnCleanup(sessionID, func() {
		_ = s.Cancel("session terminated")
		rt.Detach()
	})
	if !ok {
		rt.Detach()
		return ctx, noop
	}
	if err := s.Start(); err != nil {
		unregister()
		rt.Detach()
		g.log.ErrorContext(ctx, "stream.start.fail", slog.String("err", err.Error()))
		return ctx, noop
	}
	g.log.DebugContext(ctx, "stream.open")

	return streaming.WithContext(ctx, s), func(res *mcp.CallToolResult, err error) {
		defer unregister()
		if err != nil {
			_ = s.Cancel(rpcError(err, g.devMode).Message)
		} else {
			s.SetResult(summarizeResult(res))
			_ = s.Complete()
		}

		t := time.NewTimer(g.finishTimeout)
		defer t.Stop()
		select {
		case <-rt.Done():
		case <-t.C:
			g.log.WarnContext(ctx, "stream.finish.timeout")
			rt.Detach()
		case <-ctx.Done():
			rt.Detach()
		}
		g.log.DebugContext(ctx, "stream.close", slog.String("state", string(s.State())), slog.Any("stats", s.Stats()))
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

// acceptable reports whether the Accept header admits a JSON or SSE reply.
// An absent header accepts anything.
func acceptable(h http.Header) bool {
	if strings.TrimSpace(h.Get("Accept")) == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(&http.Request{Header: h}, postAcceptMediaTypes)
	return err == nil
}

func jsonOutcome(status int, v any) *Outcome {
	body, err := json.Marshal(v)
	if err != nil {
		return transportError(http.StatusInternalServerError, "failed to encode response")
	}
	return &Outcome{
		Status: status,
		Header: http.Header{"Content-Type": []string{jsonMediaType.String()}},
		Body:   body,
	}
}

// transportError builds the minimal non-JSON-RPC body used for rejections
// that happen before a message exchange is possible.
func transportError(status int, msg string) *Outcome {
	body, _ := json.Marshal(map[string]any{"error": map[string]any{"code": status, "message": msg}})
	return &Outcome{
		Status: status,
		Header: http.Header{"Content-Type": []string{jsonMediaType.String()}},
		Body:   body,
	}
}
