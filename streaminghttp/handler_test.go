package streaminghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/artifacts"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/auth/authtest"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/streaming"
	"github.com/ggoodman/mcp-gateway-go/streaminghttp"
)

const endpointPath = "/mcp"

var testTokens = authtest.Tokens{
	"alice-token": auth.Principal{Subject: "alice", Permissions: []string{"*"}},
	"bob-token":   auth.Principal{Subject: "bob", Permissions: []string{"mapbox:*"}},
}

// issuerAuth advertises an issuer so the handler serves protected resource
// metadata.
type issuerAuth struct {
	authtest.Tokens
}

func (issuerAuth) Issuer() string  { return "https://issuer.example" }
func (issuerAuth) JWKSURI() string { return "https://issuer.example/.well-known/jwks.json" }

// ============================================================================
// Test Server Utility
// ============================================================================

type serverOption func(*serverConfig)

type serverConfig struct {
	authenticator auth.Authenticator
	handlerOpts   []streaminghttp.Option
}

// withAuth configures the server to use the provided authenticator.
func withAuth(a auth.Authenticator) serverOption {
	return func(cfg *serverConfig) { cfg.authenticator = a }
}

// withHandlerOptions appends handler options.
func withHandlerOptions(opts ...streaminghttp.Option) serverOption {
	return func(cfg *serverConfig) { cfg.handlerOpts = append(cfg.handlerOpts, opts...) }
}

type testServer struct {
	*httptest.Server
	registry *sessions.Registry
}

// mustServer starts the handler on an httptest.Server. Defaults: testTokens
// authentication, an in-memory session registry with hour-long heartbeats and
// a discarding logger.
func mustServer(t *testing.T, options ...serverOption) *testServer {
	t.Helper()
	cfg := &serverConfig{authenticator: testTokens}
	for _, opt := range options {
		opt(cfg)
	}

	log := slog.New(slog.DiscardHandler)
	registry := sessions.NewRegistry(
		sessions.WithHeartbeatInterval(time.Hour),
		sessions.WithLogger(log),
	)

	// The public endpoint must be known before the handler is built, so the
	// listener is bound first.
	srv := httptest.NewUnstartedServer(nil)
	opts := append([]streaminghttp.Option{streaminghttp.WithLogger(log)}, cfg.handlerOpts...)
	h, err := streaminghttp.New("http://"+srv.Listener.Addr().String()+endpointPath, registry, testTools(t), cfg.authenticator, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv.Config.Handler = h
	srv.Start()

	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	return &testServer{Server: srv, registry: registry}
}

func doPost(t *testing.T, srv *testServer, token, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+endpointPath, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new post req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// openStream starts a GET stream. The stream is closed when the test ends.
func openStream(t *testing.T, srv *testServer, token, sessionID, lastEventID string) (*http.Response, *sse.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+endpointPath, nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	return resp, sse.NewReader(resp.Body)
}

func nextFrame(t *testing.T, r *sse.Reader) sse.Frame {
	t.Helper()
	type result struct {
		f   sse.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := r.Next()
		ch <- result{f, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read frame: %v", res.err)
		}
		return res.f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return sse.Frame{}
	}
}

func readOpen(t *testing.T, r *sse.Reader) (sessionID string, resumed bool) {
	t.Helper()
	f := nextFrame(t, r)
	if want, got := sse.EventOpen, f.Event; want != got {
		t.Fatalf("want %q frame, got %q", want, got)
	}
	var open struct {
		SessionID string `json:"sessionId"`
		Resumed   bool   `json:"resumed"`
	}
	mustUnmarshalJSON(t, f.Data, &open)
	return open.SessionID, open.Resumed
}

func TestPOST(t *testing.T) {
	t.Run("Batch with an unknown tool still answers siblings", func(t *testing.T) {
		srv := mustServer(t)
		resp := doPost(t, srv, "alice-token", "", `[
			{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent"}},
			{"jsonrpc":"2.0","id":2,"method":"tools/list"}
		]`)
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		var resps []rpcResponse
		body, _ := io.ReadAll(resp.Body)
		mustUnmarshalJSON(t, body, &resps)
		if len(resps) != 2 || resps[0].Error == nil || !strings.Contains(resps[0].Error.Message, "not found") || resps[1].Error != nil {
			t.Fatalf("unexpected batch response: %s", body)
		}
	})

	t.Run("Notifications only are accepted", func(t *testing.T) {
		srv := mustServer(t)
		resp := doPost(t, srv, "alice-token", "", `[{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
		if want, got := http.StatusAccepted, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
			t.Fatalf("want empty body, got %s", body)
		}
	})

	t.Run("Parse error is a 400 with a JSON-RPC body", func(t *testing.T) {
		srv := mustServer(t)
		resp := doPost(t, srv, "alice-token", "", `{"jsonrpc":`)
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		var r rpcResponse
		body, _ := io.ReadAll(resp.Body)
		mustUnmarshalJSON(t, body, &r)
		if r.Error == nil || r.Error.Code != -32700 || string(r.ID) != "null" {
			t.Fatalf("unexpected parse error body: %s", body)
		}
	})

	t.Run("Wrong content type is 415", func(t *testing.T) {
		srv := mustServer(t)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+endpointPath, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Authorization", "Bearer alice-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do post: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("Unacceptable Accept is 406", func(t *testing.T) {
		srv := mustServer(t)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+endpointPath, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/html")
		req.Header.Set("Authorization", "Bearer alice-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do post: %v", err)
		}
		defer resp.Body.Close()
		if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("Oversized body is 413", func(t *testing.T) {
		srv := mustServer(t, withHandlerOptions(streaminghttp.WithBodyLimit(64)))
		resp := doPost(t, srv, "alice-token", "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"`+strings.Repeat("x", 128)+`"}}}`)
		if want, got := http.StatusRequestEntityTooLarge, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})
}

func TestAuthenticationChallenges(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		status     int
		wantError  string
		wantNoCode bool
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized, wantNoCode: true},
		{name: "wrong scheme", header: "Basic Zm9vOmJhcg==", status: http.StatusBadRequest, wantError: `error="invalid_request"`},
		{name: "empty token", header: "Bearer    ", status: http.StatusBadRequest, wantError: `error="invalid_request"`},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized, wantError: `error="invalid_token"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mustServer(t, withHandlerOptions(streaminghttp.WithRealm("mcp")))
			req, _ := http.NewRequest(http.MethodPost, srv.URL+endpointPath, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do post: %v", err)
			}
			defer resp.Body.Close()

			if want, got := tt.status, resp.StatusCode; want != got {
				t.Fatalf("unexpected status: want %d got %d", want, got)
			}
			challenge := resp.Header.Get("WWW-Authenticate")
			if !strings.HasPrefix(challenge, `Bearer realm="mcp"`) {
				t.Fatalf("unexpected challenge: %q", challenge)
			}
			if tt.wantNoCode && strings.Contains(challenge, "error=") {
				t.Fatalf("challenge for missing credentials must not carry an error: %q", challenge)
			}
			if tt.wantError != "" && !strings.Contains(challenge, tt.wantError) {
				t.Fatalf("want %s in challenge, got %q", tt.wantError, challenge)
			}
		})
	}

	t.Run("insufficient scope from authenticator is 403", func(t *testing.T) {
		a := auth.AuthenticatorFunc(func(ctx context.Context, tok string) (*auth.Principal, error) {
			return nil, auth.ErrInsufficientScope
		})
		srv := mustServer(t, withAuth(a))
		resp := doPost(t, srv, "any", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if c := resp.Header.Get("WWW-Authenticate"); !strings.Contains(c, `error="insufficient_scope"`) {
			t.Fatalf("unexpected challenge: %q", c)
		}
	})
}

func TestGET(t *testing.T) {
	t.Run("Requires an event-stream Accept", func(t *testing.T) {
		srv := mustServer(t)
		for _, accept := range []string{"", "application/json"} {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+endpointPath, nil)
			req.Header.Set("Authorization", "Bearer alice-token")
			if accept != "" {
				req.Header.Set("Accept", accept)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do get: %v", err)
			}
			resp.Body.Close()
			if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
				t.Fatalf("accept %q: want %d got %d", accept, want, got)
			}
		}
	})

	t.Run("Opens a session stream", func(t *testing.T) {
		srv := mustServer(t)
		resp, r := openStream(t, srv, "alice-token", "", "")

		for header, want := range map[string]string{
			"Content-Type":  "text/event-stream",
			"Cache-Control": "no-cache",
			"Connection":    "keep-alive",
		} {
			if got := resp.Header.Get(header); got != want {
				t.Fatalf("header %s: want %q got %q", header, want, got)
			}
		}

		id, resumed := readOpen(t, r)
		if id == "" || id != resp.Header.Get("Mcp-Session-Id") {
			t.Fatalf("open frame session %q does not match header %q", id, resp.Header.Get("Mcp-Session-Id"))
		}
		if resumed {
			t.Fatalf("fresh session reported as resumed")
		}
		info, ok := srv.registry.Lookup(id)
		if !ok || info.PrincipalID != "alice" {
			t.Fatalf("session not registered for alice: %+v", info)
		}
	})

	t.Run("Adopts a well-formed caller session id", func(t *testing.T) {
		srv := mustServer(t)
		resp, r := openStream(t, srv, "alice-token", "client-chosen.id_1", "")
		id, _ := readOpen(t, r)
		if want, got := "client-chosen.id_1", id; want != got {
			t.Fatalf("want session %q, got %q", want, got)
		}
		if want, got := id, resp.Header.Get("Mcp-Session-Id"); want != got {
			t.Fatalf("want header %q, got %q", want, got)
		}
	})

	t.Run("Resumes after Last-Event-ID", func(t *testing.T) {
		srv := mustServer(t)
		resp, r := openStream(t, srv, "alice-token", "", "")
		id, _ := readOpen(t, r)

		var ids []string
		for i := 1; i <= 10; i++ {
			data, _ := json.Marshal(map[string]any{"kind": "llm_event", "type": "message", "message": "m", "seq": i})
			if !srv.registry.Push(context.Background(), id, sse.Frame{Event: sse.EventLLM, Data: data}) {
				t.Fatalf("push %d not delivered", i)
			}
			f := nextFrame(t, r)
			if f.ID == "" {
				t.Fatalf("frame %d has no id", i)
			}
			ids = append(ids, f.ID)
		}
		_ = resp.Body.Close()

		_, r2 := openStream(t, srv, "alice-token", id, ids[4])
		gotID, resumed := readOpen(t, r2)
		if gotID != id || !resumed {
			t.Fatalf("want resumed session %q, got %q resumed=%v", id, gotID, resumed)
		}
		for _, want := range ids[5:] {
			f := nextFrame(t, r2)
			if f.ID != want {
				t.Fatalf("want replayed frame %q, got %q", want, f.ID)
			}
		}
	})

	t.Run("Unknown Last-Event-ID delivers live frames only", func(t *testing.T) {
		srv := mustServer(t)
		_, r := openStream(t, srv, "alice-token", "", "")
		id, _ := readOpen(t, r)

		_, r2 := openStream(t, srv, "alice-token", id, "no-such-event")
		if _, resumed := readOpen(t, r2); resumed {
			t.Fatalf("unknown Last-Event-ID reported as resumed")
		}
		data := []byte(`{"kind":"llm_event","type":"status","status":"live","seq":1}`)
		srv.registry.Push(context.Background(), id, sse.Frame{Event: sse.EventLLM, Data: data})
		if f := nextFrame(t, r2); !bytes.Equal(f.Data, data) {
			t.Fatalf("want live frame, got %s", f.Data)
		}
	})

	t.Run("Another principal cannot take over a session", func(t *testing.T) {
		srv := mustServer(t)
		_, r := openStream(t, srv, "alice-token", "", "")
		aliceID, _ := readOpen(t, r)

		_, r2 := openStream(t, srv, "bob-token", aliceID, "")
		bobID, _ := readOpen(t, r2)
		if bobID == aliceID {
			t.Fatalf("bob attached to alice's session")
		}
	})
}

func TestDELETE(t *testing.T) {
	doDelete := func(t *testing.T, srv *testServer, token, sessionID string) int {
		t.Helper()
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+endpointPath, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("Missing header is 400", func(t *testing.T) {
		srv := mustServer(t)
		if want, got := http.StatusBadRequest, doDelete(t, srv, "alice-token", ""); want != got {
			t.Fatalf("want %d got %d", want, got)
		}
	})

	t.Run("Unknown session is 204", func(t *testing.T) {
		srv := mustServer(t)
		for range 2 {
			if want, got := http.StatusNoContent, doDelete(t, srv, "alice-token", "never-existed"); want != got {
				t.Fatalf("want %d got %d", want, got)
			}
		}
	})

	t.Run("Terminates the owner's session and ends its stream", func(t *testing.T) {
		srv := mustServer(t)
		_, r := openStream(t, srv, "alice-token", "", "")
		id, _ := readOpen(t, r)

		if want, got := http.StatusNoContent, doDelete(t, srv, "bob-token", id); want != got {
			t.Fatalf("want %d got %d", want, got)
		}
		if _, ok := srv.registry.Lookup(id); !ok {
			t.Fatalf("bob terminated alice's session")
		}

		if want, got := http.StatusNoContent, doDelete(t, srv, "alice-token", id); want != got {
			t.Fatalf("want %d got %d", want, got)
		}
		if _, ok := srv.registry.Lookup(id); ok {
			t.Fatalf("session survived DELETE")
		}

		done := make(chan error, 1)
		go func() {
			_, err := r.Next()
			done <- err
		}()
		select {
		case err := <-done:
			if err != io.EOF {
				t.Fatalf("want EOF after terminate, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("stream still open after terminate")
		}
	})
}

func TestStreamingToolCallOverSSE(t *testing.T) {
	srv := mustServer(t)
	_, r := openStream(t, srv, "alice-token", "", "")
	id, _ := readOpen(t, r)

	resp := doPost(t, srv, "alice-token", id, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"stream_tool"}}`)
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	var rr rpcResponse
	body, _ := io.ReadAll(resp.Body)
	mustUnmarshalJSON(t, body, &rr)
	var res mcp.CallToolResult
	mustUnmarshalJSON(t, rr.Result, &res)
	if want, got := "streamed", res.Content[0].Text; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}

	for _, want := range []string{"progress", "result", "status"} {
		f := nextFrame(t, r)
		if f.Event != sse.EventLLM {
			t.Fatalf("want llm_event, got %q", f.Event)
		}
		ev, err := streaming.FromFrame(f)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got := string(ev.(streaming.LlmEvent).Type); got != want {
			t.Fatalf("want %s event, got %s", want, got)
		}
	}
	if f := nextFrame(t, r); f.Event != sse.EventEnd {
		t.Fatalf("want end frame, got %q", f.Event)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv := mustServer(t,
		withAuth(issuerAuth{Tokens: testTokens}),
		withHandlerOptions(streaminghttp.WithScopesSupported("mapbox:geocode")),
	)

	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource" + endpointPath)
	if err != nil {
		t.Fatalf("get prm: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := "*", resp.Header.Get("Access-Control-Allow-Origin"); want != got {
		t.Fatalf("want CORS origin %q, got %q", want, got)
	}
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		JwksURI              string   `json:"jwks_uri"`
		ScopesSupported      []string `json:"scopes_supported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode prm: %v", err)
	}
	if doc.Resource != srv.URL+endpointPath || len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example" {
		t.Fatalf("unexpected prm document: %+v", doc)
	}
	if len(doc.ScopesSupported) != 1 || doc.ScopesSupported[0] != "mapbox:geocode" {
		t.Fatalf("unexpected scopes: %v", doc.ScopesSupported)
	}

	unauth := doPost(t, srv, "", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	want := `resource_metadata="` + srv.URL + `/.well-known/oauth-protected-resource/mcp"`
	if c := unauth.Header.Get("WWW-Authenticate"); !strings.Contains(c, want) {
		t.Fatalf("want %s in challenge, got %q", want, c)
	}
}

func TestArtifactDownload(t *testing.T) {
	store := artifacts.NewStore("http://unused.example/artifacts")
	a := store.Put([]byte("PNGDATA"), "image/png", time.Minute)

	srv := mustServer(t, withHandlerOptions(streaminghttp.WithArtifacts("/artifacts", store.Handler())))

	resp, err := http.Get(srv.URL + "/artifacts/" + a.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "PNGDATA" {
		t.Fatalf("unexpected artifact response %d: %s", resp.StatusCode, body)
	}
	if want, got := "image/png", resp.Header.Get("Content-Type"); want != got {
		t.Fatalf("want content-type %q, got %q", want, got)
	}

	missing, err := http.Get(srv.URL + "/artifacts/unknown")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	missing.Body.Close()
	if want, got := http.StatusNotFound, missing.StatusCode; want != got {
		t.Fatalf("want %d got %d", want, got)
	}
}
