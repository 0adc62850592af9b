package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// StdioTransport runs an MCP server as a child process and exchanges
// newline-delimited JSON over its stdin and stdout.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	closeOnce sync.Once
}

// StartStdio launches command. A bare .py script is run with python3.
func StartStdio(command string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("empty MCP server command")
	}
	if len(args) == 1 && strings.HasSuffix(args[0], ".py") {
		args = []string{"python3", args[0]}
	}

	cmd := exec.Command(args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, errors.Wrapf(err, "failed to start %s", args[0])
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		scanner: scanner,
		logger:  logger,
	}
	go t.logStderr()

	logger.Info("started MCP stdio server", "command", command, "pid", cmd.Process.Pid)
	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, errors.Wrap(err, "failed to write request")
	}
	if req.ID == nil {
		return nil, nil
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.read()
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		// the reader is stuck mid-exchange, so the stream cannot be reused
		t.Close()
		return nil, ctx.Err()
	}
}

// read returns the next response, skipping server notifications.
func (t *StdioTransport) read() (*Response, error) {
	for t.scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(t.scanner.Bytes(), &resp); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response")
		}
		if resp.ID == nil {
			continue
		}
		return &resp, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	return nil, errors.New("EOF from MCP server")
}

// Close stops the server process.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()
		if t.cmd.Process != nil {
			if err := t.cmd.Process.Kill(); err != nil {
				t.logger.Warn("failed to kill MCP server process", "error", err)
			}
			t.cmd.Wait()
		}
	})
	return nil
}

func (t *StdioTransport) logStderr() {
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Warn("MCP server stderr", "message", scanner.Text())
	}
}

var _ Transport = (*StdioTransport)(nil)
