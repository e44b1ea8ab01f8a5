package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/wellknown"
	"github.com/ggoodman/mcp-gateway-go/router"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

const (
	DefaultBodyLimit           = 4 << 20
	DefaultMaxConcurrency      = 16
	DefaultStreamFinishTimeout = 5 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler and Gateway.
type Option func(*newConfig)

type newConfig struct {
	serverName      string
	serverVersion   string
	instructions    string
	logger          *slog.Logger
	realm           string
	bodyLimit       int64
	devMode         bool
	unscoped        []string
	concurrency     int
	streamBuffer    int
	routerOpts      router.Options
	finishTimeout   time.Duration
	scopesSupported []string
	artifactsPath   string
	artifacts       http.Handler
}

func defaultConfig() *newConfig {
	return &newConfig{
		serverName:    "mcp-gateway",
		serverVersion: "dev",
		logger:        slog.Default(),
		bodyLimit:     DefaultBodyLimit,
		concurrency:   DefaultMaxConcurrency,
		routerOpts:    router.Options{BatchSize: 1},
		finishTimeout: DefaultStreamFinishTimeout,
	}
}

// WithServerName sets the server name reported by initialize and surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithServerVersion sets the server version reported by initialize.
func WithServerVersion(v string) Option {
	return func(c *newConfig) { c.serverVersion = v }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.instructions = s }
}

// WithLogger sets the slog logger used by the handler. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional) keeping challenges concise.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithBodyLimit caps the size of a POST body. Larger bodies get 413.
func WithBodyLimit(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.bodyLimit = n
		}
	}
}

// WithDevMode exposes internal error messages in JSON-RPC errors.
func WithDevMode(on bool) Option {
	return func(c *newConfig) { c.devMode = on }
}

// WithUnscopedMethods exempts methods from the method-level scope check.
// tools/list, tools/call and ping are always exempt.
func WithUnscopedMethods(methods ...string) Option {
	return func(c *newConfig) { c.unscoped = append(c.unscoped, methods...) }
}

// WithMaxConcurrency bounds how many items of one batch run at once. Zero
// removes the bound.
func WithMaxConcurrency(n int) Option {
	return func(c *newConfig) {
		if n >= 0 {
			c.concurrency = n
		}
	}
}

// WithStreamBufferSize sets the event buffer of streaming tool calls.
func WithStreamBufferSize(n int) Option {
	return func(c *newConfig) { c.streamBuffer = n }
}

// WithRouterOptions sets the batching, heartbeat and watchdog settings of the
// routers attached to streaming tool calls. Logger and OnError are always set
// by the gateway.
func WithRouterOptions(opts router.Options) Option {
	return func(c *newConfig) { c.routerOpts = opts }
}

// WithStreamFinishTimeout bounds how long a tool call waits for its router to
// write the final frames.
func WithStreamFinishTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.finishTimeout = d
		}
	}
}

// WithScopesSupported lists the scopes advertised in the protected resource
// metadata document.
func WithScopesSupported(scopes ...string) Option {
	return func(c *newConfig) { c.scopesSupported = append(c.scopesSupported, scopes...) }
}

// WithArtifacts mounts an artifact download handler at GET {path}/{id}.
func WithArtifacts(path string, h http.Handler) Option {
	return func(c *newConfig) {
		c.artifactsPath = "/" + strings.Trim(path, "/")
		c.artifacts = h
	}
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// StreamingHTTPHandler serves the gateway endpoint: JSON-RPC over POST, the
// session SSE stream over GET and session termination over DELETE.
type StreamingHTTPHandler struct {
	mux            *http.ServeMux
	log            *slog.Logger
	gw             *Gateway
	sessions       *sessions.Registry
	auth           auth.Authenticator
	realm          string
	bodyLimit      int64
	serverURL      *url.URL
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible URL of the endpoint (scheme, host, path)
//   - registry: the session registry backing GET streams
//   - reg: the tool catalog
//   - authenticator: validates bearer tokens
//
// When authenticator also implements auth.Issuer, the handler serves an
// RFC 9728 protected resource metadata document and references it from its
// challenges.
func New(publicEndpoint string, registry *sessions.Registry, reg ToolRegistry, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{
		log:       log,
		gw:        newGateway(reg, registry, cfg, log),
		sessions:  registry,
		auth:      authenticator,
		realm:     cfg.realm,
		bodyLimit: cfg.bodyLimit,
		serverURL: mcpURL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)

	if iss, ok := authenticator.(auth.Issuer); ok && iss.Issuer() != "" {
		h.prmDocument = wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   []string{iss.Issuer()},
			JwksURI:                iss.JWKSURI(),
			ScopesSupported:        cfg.scopesSupported,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverName,
		}
		h.prmDocumentURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: wellknown.ProtectedResourcePath(mcpURL.Path)}
		prmPath := pathOnly(h.prmDocumentURL)
		mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), h.handleOptionsProtectedResourceMetadata)
	}

	if cfg.artifacts != nil {
		mux.Handle(fmt.Sprintf("GET %s/{id}", cfg.artifactsPath), cfg.artifacts)
		mux.Handle(fmt.Sprintf("HEAD %s/{id}", cfg.artifactsPath), cfg.artifacts)
	}

	h.mux = mux
	return h, nil
}

// Gateway returns the dispatcher behind the POST endpoint.
func (h *StreamingHTTPHandler) Gateway() *Gateway { return h.gw }

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP handles POST {path}: one JSON-RPC message or a batch.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	principal := h.checkAuthentication(ctx, r, w)
	if principal == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.bodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "http.post.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	out := h.gw.Handle(ctx, &Request{
		Body:      body,
		Header:    r.Header,
		Principal: principal,
		SessionID: r.Header.Get(mcpSessionIDHeader),
	})

	for k, vs := range out.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(out.Status)
	if len(out.Body) > 0 {
		if _, err := w.Write(out.Body); err != nil {
			h.log.WarnContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Int("status", out.Status), slog.Duration("dur", time.Since(start)))
}

// handleGetMCP handles GET {path}: it attaches the caller to a new or
// resumed session and streams frames until the client goes away or the
// session is detached.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") == "" {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	principal := h.checkAuthentication(ctx, r, w)
	if principal == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sink := newSSESink(ctx, w, f)
	conn, err := h.sessions.Connect(ctx, sessions.ConnectRequest{
		SessionID:   r.Header.Get(mcpSessionIDHeader),
		LastEventID: r.Header.Get(lastEventIDHeader),
		PrincipalID: principal.Subject,
		Sink:        sink,
	})
	if err != nil {
		if !sink.opened {
			status := http.StatusInternalServerError
			if errors.Is(err, sessions.ErrShutdown) {
				status = http.StatusServiceUnavailable
			}
			writeJSONError(w, status, "failed to open session stream")
		}
		h.log.ErrorContext(ctx, "session.connect.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: conn.ID(), PrincipalID: principal.Subject})
	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resumed", conn.Resumed()))

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP handles DELETE {path}, terminating the named session. The
// response is 204 whether or not the session existed; sessions owned by
// another principal are left alone.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	principal := h.checkAuthentication(ctx, r, w)
	if principal == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	h.log.InfoContext(ctx, "auth.ok")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, PrincipalID: principal.Subject})

	info, ok := h.sessions.Lookup(sessID)
	switch {
	case !ok:
		h.log.InfoContext(ctx, "session.delete.miss")
	case info.PrincipalID != principal.Subject:
		h.log.WarnContext(ctx, "session.delete.principal_mismatch")
	default:
		if err := h.sessions.Terminate(ctx, sessID); err != nil {
			h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		}
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) *auth.Principal {
	authHeader := r.Header.Get(authorizationHeader)
	prm := pathIfSet(h.prmDocumentURL)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	principal, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	if principal == nil {
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", "authenticator returned no principal"))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return principal
}
