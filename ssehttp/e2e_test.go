package ssehttp_test

import (
	"net/http"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// authRT injects the static key into every client request.
type authRT struct{ base http.RoundTripper }

func (t authRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+testKey)
	return t.base.RoundTrip(r)
}

func TestSDKClient_E2E(t *testing.T) {
	srv := mustServer(t)
	ctx := t.Context()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.SSEClientTransport{
		Endpoint:   srv.URL + "/sse",
		HTTPClient: &http.Client{Transport: authRT{base: http.DefaultTransport}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	if err := cs.Ping(ctx, &sdk.PingParams{}); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("unexpected call result: %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("content = %#v", res.Content[0])
	}

	if _, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "missing"}); err == nil {
		t.Fatalf("expected an error calling an unknown tool")
	}
}
