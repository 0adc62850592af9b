// Package mcp is a minimal Model Context Protocol client used to run code on
// a remote sandbox tool.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("mcp client is closed")

// Transport exchanges JSON-RPC messages with a server. Send with a nil ID
// delivers a notification and returns no response.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// ErrDisconnected is returned when the transport broke and the client has
// no way to reconnect.
var ErrDisconnected = errors.New("mcp transport is disconnected")

// DialFunc opens a fresh transport to the same server.
type DialFunc func(ctx context.Context) (Transport, error)

// Client speaks MCP over a Transport. Calls are serialized. A transport that
// fails mid-exchange, including by cancellation, is dropped; with a DialFunc
// the next call reconnects and repeats the handshake.
type Client struct {
	name   string
	dial   DialFunc
	reqID  atomic.Int64
	logger *slog.Logger

	mu        sync.Mutex
	transport Transport // nil once broken
	closed    bool
}

// NewClient wraps a transport. Without a DialFunc a broken transport makes
// every later call fail with ErrDisconnected.
func NewClient(name string, transport Transport, dial DialFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, transport: transport, dial: dial, logger: logger}
}

func dialTransport(server string, logger *slog.Logger) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
			return DialWebSocket(ctx, server, logger)
		}
		return StartStdio(server, logger)
	}
}

// Dial connects to server, which is either a ws:// or wss:// URL or a
// command line that starts a stdio server.
func Dial(ctx context.Context, server string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dial := dialTransport(server, logger)
	transport, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	client := NewClient(server, transport, dial, logger)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Name returns the client identifier
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	return c.handshakeLocked(ctx)
}

func (c *Client) handshakeLocked(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: "codechat", Version: "1.0.0"},
	}

	var result InitializeResult
	if err := c.callLocked(ctx, MethodInitialize, params, &result); err != nil {
		return errors.Wrap(err, "initialize failed")
	}
	if _, err := c.sendLocked(ctx, Request{JSONRPC: "2.0", Method: MethodInitialized}); err != nil {
		return errors.Wrap(err, "initialized notification failed")
	}

	c.logger.Info("MCP server initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns the tools the server offers.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodListTools, nil, &result); err != nil {
		return nil, errors.Wrap(err, "list tools failed")
	}
	return result.Tools, nil
}

// CallTool invokes a tool with given arguments
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (*CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodCallTool, CallToolParams{Name: toolName, Arguments: args}, &result); err != nil {
		return nil, errors.Wrapf(err, "call tool %s failed", toolName)
	}
	c.logger.Debug("called tool", "server", c.name, "tool", toolName, "is_error", result.IsError)
	return &result, nil
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closed MCP client", "name", c.name)
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// usableLocked makes sure a transport is connected, redialing a broken one.
// A reconnect repeats the handshake.
func (c *Client) usableLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.transport != nil {
		return nil
	}
	if c.dial == nil {
		return ErrDisconnected
	}

	transport, err := c.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to reconnect to %s", c.name)
	}
	c.transport = transport
	c.logger.Info("reconnected MCP client", "name", c.name)
	return c.handshakeLocked(ctx)
}

// sendLocked drops the transport when an exchange fails; its stream may be
// left mid-message.
func (c *Client) sendLocked(ctx context.Context, req Request) (*Response, error) {
	if c.transport == nil {
		return nil, ErrDisconnected
	}
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		c.logger.Warn("dropping MCP transport after failed exchange", "name", c.name, "method", req.Method, "error", err)
		c.transport.Close()
		c.transport = nil
		return nil, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(ctx); err != nil {
		return err
	}
	return c.callLocked(ctx, method, params, result)
}

func (c *Client) callLocked(ctx context.Context, method string, params any, result any) error {
	id := c.reqID.Add(1)
	resp, err := c.sendLocked(ctx, Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if resp.ID == nil || *resp.ID != id {
		return errors.Errorf("response id mismatch for request %d", id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrap(err, "failed to unmarshal result")
		}
	}
	return nil
}
