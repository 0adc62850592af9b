package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocketTransport exchanges JSON-RPC messages over a websocket.
type WebSocketTransport struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger

	closeOnce sync.Once
}

// DialWebSocket connects to a remote MCP server.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocketTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to WebSocket")
	}
	logger.Info("connected to MCP WebSocket server", "url", url)
	return &WebSocketTransport{url: url, conn: conn, logger: logger}, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, req Request) (*Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		t.conn.SetReadDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
		t.conn.SetReadDeadline(time.Time{})
	}
	// cancellation unblocks a pending read
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := t.conn.WriteJSON(req); err != nil {
		return nil, t.wrap(ctx, err, "failed to write request")
	}
	if req.ID == nil {
		return nil, nil
	}

	for {
		var resp Response
		if err := t.conn.ReadJSON(&resp); err != nil {
			return nil, t.wrap(ctx, err, "failed to read response")
		}
		if resp.ID != nil {
			return &resp, nil
		}
	}
}

func (t *WebSocketTransport) wrap(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(err, msg)
}

// Close sends a close frame and drops the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = t.conn.Close()
	})
	return err
}

var _ Transport = (*WebSocketTransport)(nil)
