package streaminghttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/streaming"
	"github.com/ggoodman/mcp-gateway-go/streaminghttp"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"minLength=1"`
}

// testTools builds a registry with:
//   - echo: returns its text
//   - fail: always errors
//   - stream_tool: emits one progress event when streaming and reports whether it could
//   - geo: requires the "mapbox:geocode" scope
func testTools(t *testing.T) *tools.Registry {
	t.Helper()
	echo := tools.MustNew("echo", func(ctx context.Context, args echoArgs, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(args.Text)}}, nil
	}, tools.WithDescription("Echo text back"))

	fail := tools.MustNew("fail", func(ctx context.Context, args struct{}, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		return nil, errors.New("upstream exploded: secret detail")
	})

	streamer := tools.MustNew("stream_tool", func(ctx context.Context, args struct{}, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		s, ok := streaming.FromContext(ctx)
		if ok {
			s.Emit(streaming.Progress(50, "halfway"))
		}
		text := "inline"
		if ok {
			text = "streamed"
		}
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}, nil
	})

	geo := tools.MustNew("geo", func(ctx context.Context, args struct{}, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("ok")}}, nil
	}, tools.WithScope("mapbox:geocode"))

	reg, err := tools.NewRegistry(echo, fail, streamer, geo)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func handle(t *testing.T, gw *streaminghttp.Gateway, p *auth.Principal, body string) *streaminghttp.Outcome {
	t.Helper()
	out := gw.Handle(context.Background(), &streaminghttp.Request{
		Body:      []byte(body),
		Header:    http.Header{"Accept": []string{"application/json, text/event-stream"}},
		Principal: p,
	})
	if out == nil {
		t.Fatalf("nil outcome")
	}
	return out
}

func principal(perms ...string) *auth.Principal {
	return &auth.Principal{Subject: "user-1", Permissions: perms}
}

func TestHandle_BatchIsolation(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent"}},
		{"jsonrpc":"2.0","id":2,"method":"tools/list"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":"three","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}},
		{"jsonrpc":"2.0","id":4,"method":"no/such/method"}
	]`
	out := handle(t, gw, principal(), body)

	if want, got := http.StatusOK, out.Status; want != got {
		t.Fatalf("want status %d, got %d", want, got)
	}
	var resps []rpcResponse
	mustUnmarshalJSON(t, out.Body, &resps)
	if want, got := 4, len(resps); want != got {
		t.Fatalf("want %d responses, got %d: %s", want, got, out.Body)
	}

	if want, got := `1`, string(resps[0].ID); want != got {
		t.Fatalf("want first id %s, got %s", want, got)
	}
	if resps[0].Error == nil || resps[0].Error.Code != -32602 || !strings.Contains(resps[0].Error.Message, "not found") {
		t.Fatalf("want -32602 not found, got %+v", resps[0].Error)
	}

	if resps[1].Error != nil {
		t.Fatalf("tools/list failed: %+v", resps[1].Error)
	}
	var list mcp.ListToolsResult
	mustUnmarshalJSON(t, resps[1].Result, &list)
	if want, got := 4, len(list.Tools); want != got {
		t.Fatalf("want %d tools, got %d", want, got)
	}

	if want, got := `"three"`, string(resps[2].ID); want != got {
		t.Fatalf("want third id %s, got %s", want, got)
	}
	var res mcp.CallToolResult
	mustUnmarshalJSON(t, resps[2].Result, &res)
	if len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected echo result: %+v", res)
	}

	if resps[3].Error == nil || resps[3].Error.Code != -32601 {
		t.Fatalf("want -32601, got %+v", resps[3].Error)
	}
}

func TestHandle_SingleMessageIsNotWrapped(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)
	out := handle(t, gw, principal(), `{"jsonrpc":"2.0","id":7,"method":"ping"}`)

	if want, got := http.StatusOK, out.Status; want != got {
		t.Fatalf("want status %d, got %d", want, got)
	}
	var resp rpcResponse
	mustUnmarshalJSON(t, out.Body, &resp)
	if resp.Error != nil || string(resp.ID) != "7" {
		t.Fatalf("unexpected ping response: %s", out.Body)
	}
	if want, got := "application/json", out.Header.Get("Content-Type"); want != got {
		t.Fatalf("want content-type %q, got %q", want, got)
	}
}

func TestHandle_NotificationsOnly(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)

	for name, body := range map[string]string{
		"single": `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		"batch":  `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}]`,
		"mixed":  `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":1,"result":{}}]`,
	} {
		t.Run(name, func(t *testing.T) {
			out := handle(t, gw, principal(), body)
			if want, got := http.StatusAccepted, out.Status; want != got {
				t.Fatalf("want status %d, got %d", want, got)
			}
			if len(out.Body) != 0 {
				t.Fatalf("want empty body, got %s", out.Body)
			}
		})
	}
}

func TestHandle_MalformedPayload(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{"jsonrpc":`, -32700},
		{"empty body", ``, -32700},
		{"empty batch", `[]`, -32600},
		{"scalar", `42`, -32600},
		{"no method or result", `{"jsonrpc":"2.0","id":1}`, -32600},
		{"bad version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, -32600},
		{"bad batch item", `[{"jsonrpc":"2.0","id":1,"method":"ping"}, 5]`, -32600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := handle(t, gw, principal(), tt.body)
			if want, got := http.StatusBadRequest, out.Status; want != got {
				t.Fatalf("want status %d, got %d", want, got)
			}
			var resp rpcResponse
			mustUnmarshalJSON(t, out.Body, &resp)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("want code %d, got %s", tt.code, out.Body)
			}
			if want, got := "null", string(resp.ID); want != got {
				t.Fatalf("want id %s, got %s", want, got)
			}
		})
	}
}

func TestHandle_AcceptGate(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	tests := []struct {
		accept string
		status int
	}{
		{"", http.StatusOK},
		{"application/json", http.StatusOK},
		{"text/event-stream", http.StatusOK},
		{"*/*", http.StatusOK},
		{"application/*;q=0.5", http.StatusOK},
		{"text/html", http.StatusNotAcceptable},
		{"image/png, text/plain", http.StatusNotAcceptable},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			h := http.Header{}
			if tt.accept != "" {
				h.Set("Accept", tt.accept)
			}
			out := gw.Handle(context.Background(), &streaminghttp.Request{Body: body, Header: h, Principal: principal()})
			if want, got := tt.status, out.Status; want != got {
				t.Fatalf("want status %d, got %d: %s", want, got, out.Body)
			}
		})
	}
}

func TestHandle_MethodScopes(t *testing.T) {
	tests := []struct {
		name   string
		perms  []string
		method string
		opts   []streaminghttp.Option
		ok     bool
	}{
		{"resources without scope", nil, "resources/list", nil, false},
		{"resources with scope", []string{"resources"}, "resources/list", nil, true},
		{"resources with wildcard", []string{"*"}, "resources/list", nil, true},
		{"resources with prefix wildcard", []string{"resources:*"}, "resources/list", nil, true},
		{"tools/list always allowed", nil, "tools/list", nil, true},
		{"ping always allowed", nil, "ping", nil, true},
		{"initialize needs scope", []string{"mapbox:*"}, "initialize", nil, false},
		{"initialize unscoped by option", []string{"mapbox:*"}, "initialize", []streaminghttp.Option{streaminghttp.WithUnscopedMethods("initialize")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := streaminghttp.NewGateway(testTools(t), nil, tt.opts...)
			out := handle(t, gw, principal(tt.perms...), `{"jsonrpc":"2.0","id":1,"method":"`+tt.method+`","params":{}}`)
			var resp rpcResponse
			mustUnmarshalJSON(t, out.Body, &resp)
			if tt.ok && resp.Error != nil {
				t.Fatalf("want success, got %+v", resp.Error)
			}
			if !tt.ok && (resp.Error == nil || resp.Error.Code != -32602) {
				t.Fatalf("want -32602, got %s", out.Body)
			}
		})
	}
}

func TestHandle_ToolScope(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"geo","arguments":{}}}`

	var resp rpcResponse
	mustUnmarshalJSON(t, handle(t, gw, principal("mapbox:directions"), body).Body, &resp)
	if resp.Error == nil || resp.Error.Code != -32602 || !strings.Contains(resp.Error.Message, "Insufficient permissions") {
		t.Fatalf("want insufficient permissions, got %+v", resp.Error)
	}

	resp = rpcResponse{}
	mustUnmarshalJSON(t, handle(t, gw, principal("mapbox:*"), body).Body, &resp)
	if resp.Error != nil {
		t.Fatalf("want success, got %+v", resp.Error)
	}
}

func TestHandle_InvalidArguments(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil)

	for name, args := range map[string]string{
		"missing required": `{}`,
		"wrong type":       `{"text":5}`,
		"unknown field":    `{"text":"x","extra":true}`,
		"not an object":    `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			out := handle(t, gw, principal(), `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":`+args+`}}`)
			var resp rpcResponse
			mustUnmarshalJSON(t, out.Body, &resp)
			if resp.Error == nil || resp.Error.Code != -32602 {
				t.Fatalf("want -32602, got %s", out.Body)
			}
		})
	}
}

func TestHandle_InternalErrorSanitized(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail"}}`

	t.Run("production", func(t *testing.T) {
		gw := streaminghttp.NewGateway(testTools(t), nil)
		var resp rpcResponse
		mustUnmarshalJSON(t, handle(t, gw, principal(), body).Body, &resp)
		if resp.Error == nil || resp.Error.Code != -32603 {
			t.Fatalf("want -32603, got %+v", resp.Error)
		}
		if strings.Contains(resp.Error.Message, "secret") {
			t.Fatalf("internal detail leaked: %q", resp.Error.Message)
		}
	})

	t.Run("dev mode", func(t *testing.T) {
		gw := streaminghttp.NewGateway(testTools(t), nil, streaminghttp.WithDevMode(true))
		var resp rpcResponse
		mustUnmarshalJSON(t, handle(t, gw, principal(), body).Body, &resp)
		if resp.Error == nil || !strings.Contains(resp.Error.Message, "secret detail") {
			t.Fatalf("want detailed message, got %+v", resp.Error)
		}
	})
}

func TestHandle_Initialize(t *testing.T) {
	gw := streaminghttp.NewGateway(testTools(t), nil,
		streaminghttp.WithServerName("geo-gateway"),
		streaminghttp.WithServerVersion("1.2.3"),
	)

	tests := []struct {
		requested string
		want      string
	}{
		{"2025-03-26", "2025-03-26"},
		{"1999-01-01", mcp.LatestProtocolVersion},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			out := handle(t, gw, principal("*"), `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+tt.requested+`","clientInfo":{"name":"c","version":"1"}}}`)
			var resp rpcResponse
			mustUnmarshalJSON(t, out.Body, &resp)
			if resp.Error != nil {
				t.Fatalf("initialize failed: %+v", resp.Error)
			}
			var res mcp.InitializeResult
			mustUnmarshalJSON(t, resp.Result, &res)
			if want, got := tt.want, res.ProtocolVersion; want != got {
				t.Fatalf("want protocol %q, got %q", want, got)
			}
			if want, got := "geo-gateway", res.ServerInfo.Name; want != got {
				t.Fatalf("want server name %q, got %q", want, got)
			}
			if res.Capabilities.Tools == nil {
				t.Fatalf("tools capability missing")
			}
		})
	}
}

func TestHandle_ConcurrentBatch(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	block := tools.MustNew("block", func(ctx context.Context, args echoArgs, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		started.Done()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
			return nil, errors.New("batch items did not run concurrently")
		}
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(args.Text)}}, nil
	})
	reg, err := tools.NewRegistry(block)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gw := streaminghttp.NewGateway(reg, nil, streaminghttp.WithDevMode(true))

	out := handle(t, gw, principal(), `[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"block","arguments":{"text":"first"}}},
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"block","arguments":{"text":"second"}}}
	]`)

	var resps []rpcResponse
	mustUnmarshalJSON(t, out.Body, &resps)
	if want, got := 2, len(resps); want != got {
		t.Fatalf("want %d responses, got %d", want, got)
	}
	for i, want := range []string{"first", "second"} {
		if resps[i].Error != nil {
			t.Fatalf("item %d failed: %+v", i, resps[i].Error)
		}
		var res mcp.CallToolResult
		mustUnmarshalJSON(t, resps[i].Result, &res)
		if got := res.Content[0].Text; want != got {
			t.Fatalf("item %d: want %q, got %q", i, want, got)
		}
	}
}

// recordingSink captures frames written to a session.
type recordingSink struct {
	mu     sync.Mutex
	frames []sse.Frame
}

func (s *recordingSink) Open(string) error { return nil }

func (s *recordingSink) WriteFrame(f sse.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) snapshot() []sse.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sse.Frame(nil), s.frames...)
}

func connectSession(t *testing.T, reg *sessions.Registry, principalID string) (*sessions.Conn, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	conn, err := reg.Connect(context.Background(), sessions.ConnectRequest{PrincipalID: principalID, Sink: sink})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn, sink
}

func llmTypes(t *testing.T, frames []sse.Frame) []string {
	t.Helper()
	var out []string
	for _, f := range frames {
		switch f.Event {
		case sse.EventLLM:
			ev, err := streaming.FromFrame(f)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, string(ev.(streaming.LlmEvent).Type))
		case sse.EventEnd:
			out = append(out, "end")
		}
	}
	return out
}

func TestHandle_StreamingToolCall(t *testing.T) {
	registry := sessions.NewRegistry(sessions.WithHeartbeatInterval(time.Hour))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	gw := streaminghttp.NewGateway(testTools(t), registry)

	conn, sink := connectSession(t, registry, "user-1")

	out := gw.Handle(context.Background(), &streaminghttp.Request{
		Body:      []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"stream_tool"}}`),
		Header:    http.Header{},
		Principal: principal(),
		SessionID: conn.ID(),
	})

	var resp rpcResponse
	mustUnmarshalJSON(t, out.Body, &resp)
	var res mcp.CallToolResult
	mustUnmarshalJSON(t, resp.Result, &res)
	if want, got := "streamed", res.Content[0].Text; want != got {
		t.Fatalf("want %q, got %q", want, got)
	}

	frames := sink.snapshot()
	if want, got := sse.EventOpen, frames[0].Event; want != got {
		t.Fatalf("want first frame %q, got %q", want, got)
	}
	want := []string{"progress", "result", "status", "end"}
	got := llmTypes(t, frames)
	if strings.Join(want, ",") != strings.Join(got, ",") {
		t.Fatalf("want frames %v, got %v", want, got)
	}
	for _, f := range frames[1:] {
		if f.ID == "" {
			t.Fatalf("replayable frame %q has no event id", f.Event)
		}
	}
}

func TestHandle_StreamingToolCallFailure(t *testing.T) {
	registry := sessions.NewRegistry(sessions.WithHeartbeatInterval(time.Hour))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	gw := streaminghttp.NewGateway(testTools(t), registry)

	conn, sink := connectSession(t, registry, "user-1")

	out := gw.Handle(context.Background(), &streaminghttp.Request{
		Body:      []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail"}}`),
		Header:    http.Header{},
		Principal: principal(),
		SessionID: conn.ID(),
	})
	var resp rpcResponse
	mustUnmarshalJSON(t, out.Body, &resp)
	if resp.Error == nil || resp.Error.Code != -32603 {
		t.Fatalf("want -32603, got %s", out.Body)
	}

	want := []string{"cancel", "end"}
	got := llmTypes(t, sink.snapshot())
	if strings.Join(want, ",") != strings.Join(got, ",") {
		t.Fatalf("want frames %v, got %v", want, got)
	}
}

func TestHandle_StreamingRequiresOwnedSession(t *testing.T) {
	registry := sessions.NewRegistry(sessions.WithHeartbeatInterval(time.Hour))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	gw := streaminghttp.NewGateway(testTools(t), registry)

	conn, sink := connectSession(t, registry, "someone-else")

	for name, sessionID := range map[string]string{
		"foreign session": conn.ID(),
		"unknown session": "does-not-exist",
	} {
		t.Run(name, func(t *testing.T) {
			out := gw.Handle(context.Background(), &streaminghttp.Request{
				Body:      []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"stream_tool"}}`),
				Header:    http.Header{},
				Principal: principal(),
				SessionID: sessionID,
			})
			var resp rpcResponse
			mustUnmarshalJSON(t, out.Body, &resp)
			var res mcp.CallToolResult
			mustUnmarshalJSON(t, resp.Result, &res)
			if want, got := "inline", res.Content[0].Text; want != got {
				t.Fatalf("want %q, got %q", want, got)
			}
		})
	}

	if got := llmTypes(t, sink.snapshot()); len(got) != 0 {
		t.Fatalf("foreign session received frames: %v", got)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func TestHandle_StreamingResultFrameIsBounded(t *testing.T) {
	image := make([]byte, 512<<10)
	for i := range image {
		image[i] = byte(i)
	}
	longText := strings.Repeat("x", 64<<10)
	big := tools.MustNew("big_image", func(ctx context.Context, args struct{}, meta tools.ExecMeta) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.ContentBlock{
				mcp.ImageContent(image, "image/png"),
				mcp.TextContent(longText),
				mcp.ResourceLink("artifact://abc", "map.png", "image/png", "static map"),
			},
			StructuredContent: map[string]any{"blob": longText},
		}, nil
	})
	toolReg, err := tools.NewRegistry(big)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	registry := sessions.NewRegistry(sessions.WithHeartbeatInterval(time.Hour))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	gw := streaminghttp.NewGateway(toolReg, registry)

	conn, sink := connectSession(t, registry, "user-1")

	out := gw.Handle(context.Background(), &streaminghttp.Request{
		Body:      []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"big_image"}}`),
		Header:    http.Header{},
		Principal: principal(),
		SessionID: conn.ID(),
	})

	var resp rpcResponse
	mustUnmarshalJSON(t, out.Body, &resp)
	var res mcp.CallToolResult
	mustUnmarshalJSON(t, resp.Result, &res)
	if want, got := mcp.ImageContent(image, "image/png").Data, res.Content[0].Data; want != got {
		t.Fatalf("inline image altered: want %d base64 bytes, got %d", len(want), len(got))
	}
	if want, got := longText, res.Content[1].Text; want != got {
		t.Fatalf("inline text altered: got %d bytes", len(got))
	}

	var resultFrame *sse.Frame
	for _, f := range sink.snapshot() {
		if f.Event != sse.EventLLM {
			continue
		}
		ev, err := streaming.FromFrame(f)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if ev.(streaming.LlmEvent).Type == streaming.TypeResult {
			resultFrame = &f
		}
	}
	if resultFrame == nil {
		t.Fatalf("no result frame")
	}
	if limit := 16 << 10; len(resultFrame.Data) > limit {
		t.Fatalf("result frame is %d bytes, want at most %d", len(resultFrame.Data), limit)
	}

	var frame struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Type      string `json:"type"`
				Text      string `json:"text"`
				URI       string `json:"uri"`
				MimeType  string `json:"mimeType"`
				Bytes     int    `json:"bytes"`
				Truncated bool   `json:"truncated"`
			} `json:"content"`
			StructuredContent json.RawMessage `json:"structuredContent"`
			Truncated         bool            `json:"truncated"`
		} `json:"result"`
	}
	mustUnmarshalJSON(t, resultFrame.Data, &frame)
	sum := frame.Result
	if len(sum.Content) != 3 {
		t.Fatalf("want 3 content blocks, got %d", len(sum.Content))
	}
	if img := sum.Content[0]; img.Type != "image" || img.MimeType != "image/png" || img.Bytes != len(image) {
		t.Fatalf("unexpected image summary: %+v", img)
	}
	if txt := sum.Content[1]; !txt.Truncated || len(txt.Text) == 0 || len(txt.Text) >= len(longText) {
		t.Fatalf("text block not truncated: %d bytes", len(txt.Text))
	}
	if link := sum.Content[2]; link.URI != "artifact://abc" {
		t.Fatalf("resource link lost: %+v", link)
	}
	if !sum.Truncated || len(sum.StructuredContent) != 0 {
		t.Fatalf("oversized structured content kept: truncated=%v, %d bytes", sum.Truncated, len(sum.StructuredContent))
	}
}
