package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// sandboxServer answers initialize and an execute_code tool that echoes its input.
func sandboxServer(t *testing.T, slow time.Duration) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req struct {
				ID     *int64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.ID == nil {
				continue
			}

			var result any
			switch req.Method {
			case MethodInitialize:
				result = InitializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: Implementation{Name: "sandbox", Version: "0.1"}}
			case MethodListTools:
				result = ListToolsResult{Tools: []Tool{{Name: "execute_code"}}}
			case MethodCallTool:
				time.Sleep(slow)
				var p CallToolParams
				json.Unmarshal(req.Params, &p)
				if p.Name != "execute_code" {
					conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "error": RPCError{Code: -32602, Message: "unknown tool"}})
					continue
				}
				result = CallToolResult{Content: []Content{{Type: "text", Text: "ran " + p.Arguments["language"].(string)}, {Type: "text", Text: p.Arguments["code"].(string)}}}
			}
			conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_WebSocketCallTool(t *testing.T) {
	srv := sandboxServer(t, 0)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Equal(t, "execute_code", tools[0].Name)

	res, err := client.CallTool(ctx, "execute_code", map[string]any{"language": "python", "code": "print(1)"})
	require.NoError(t, err)
	require.Equal(t, "ran python\nprint(1)", res.Text())
	require.False(t, res.IsError)

	_, err = client.CallTool(ctx, "rm_rf", map[string]any{})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32602, rpcErr.Code)
}

func TestClient_WebSocketCancel(t *testing.T) {
	srv := sandboxServer(t, 2*time.Second)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.CallTool(ctx, "execute_code", map[string]any{"language": "sh", "code": "sleep 5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestClient_ReconnectsAfterCancel(t *testing.T) {
	srv := sandboxServer(t, 300*time.Millisecond)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.CallTool(ctx, "execute_code", map[string]any{"language": "sh", "code": "sleep 5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	res, err := client.CallTool(context.Background(), "execute_code", map[string]any{"language": "sh", "code": "echo ok"})
	require.NoError(t, err)
	require.Equal(t, "ran sh\necho ok", res.Text())
}

func TestClient_BrokenTransportWithoutDialer(t *testing.T) {
	// sleep never answers, so the call can only end by cancellation
	tr, err := StartStdio("sleep 10", nil)
	require.NoError(t, err)
	client := NewClient("sleep", tr, nil, nil)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.CallTool(ctx, "execute_code", map[string]any{"code": "x"})
	require.Error(t, err)

	_, err = client.CallTool(context.Background(), "execute_code", map[string]any{"code": "x"})
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestClient_Closed(t *testing.T) {
	srv := sandboxServer(t, 0)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.ListTools(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestStdioTransport_Framing(t *testing.T) {
	// cat echoes each request line back, which parses as an empty response
	tr, err := StartStdio("cat", nil)
	require.NoError(t, err)

	client := NewClient("cat", tr, nil, nil)
	defer client.Close()

	require.NoError(t, client.Initialize(context.Background()))
	res, err := client.CallTool(context.Background(), "execute_code", map[string]any{"code": "x"})
	require.NoError(t, err)
	require.Empty(t, res.Text())
}
