// Package executor runs code blocks and captures what they print.
package executor

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"CodeChat/internal/mcp"

	"github.com/pkg/errors"
)

var ErrUnsupportedLanguage = errors.New("no interpreter for language")

// Result is the captured output of one run.
type Result struct {
	Output   string
	ExitCode int
}

// Executor runs a code string verbatim.
type Executor interface {
	Execute(ctx context.Context, language, code string) (Result, error)
}

// DefaultInterpreters maps language tags to commands that read a program
// from stdin.
var DefaultInterpreters = map[string][]string{
	"":           {"python3", "-"},
	"python":     {"python3", "-"},
	"python3":    {"python3", "-"},
	"py":         {"python3", "-"},
	"sh":         {"sh", "-s"},
	"shell":      {"sh", "-s"},
	"bash":       {"bash", "-s"},
	"js":         {"node", "-"},
	"javascript": {"node", "-"},
	"node":       {"node", "-"},
}

// ProcessExecutor runs code with a local interpreter.
type ProcessExecutor struct {
	timeout      time.Duration
	interpreters map[string][]string
	logger       *slog.Logger
}

// NewProcessExecutor creates an executor. A zero timeout means no limit
// beyond the caller's context.
func NewProcessExecutor(timeout time.Duration, logger *slog.Logger) *ProcessExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{timeout: timeout, interpreters: DefaultInterpreters, logger: logger}
}

func (p *ProcessExecutor) Execute(ctx context.Context, language, code string) (Result, error) {
	argv, ok := p.interpreters[strings.ToLower(language)]
	if !ok {
		return Result{}, errors.Wrapf(ErrUnsupportedLanguage, "%q", language)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(code)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// children that inherit the pipes must not hold Run open after a kill
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	p.logger.Info("code executed",
		"language", language,
		"interpreter", argv[0],
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Output: out.String(), ExitCode: -1}, errors.Wrap(ctxErr, "execution stopped")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Output: out.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "failed to run %s", argv[0])
	}
	return Result{Output: out.String()}, nil
}

// MCPExecutor hands code to a sandbox tool on an MCP server.
type MCPExecutor struct {
	client  *mcp.Client
	tool    string
	timeout time.Duration
}

func NewMCPExecutor(client *mcp.Client, tool string, timeout time.Duration) *MCPExecutor {
	return &MCPExecutor{client: client, tool: tool, timeout: timeout}
}

func (m *MCPExecutor) Execute(ctx context.Context, language, code string) (Result, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	res, err := m.client.CallTool(ctx, m.tool, map[string]any{
		"language": language,
		"code":     code,
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{Output: res.Text()}
	if res.IsError {
		result.ExitCode = 1
	}
	return result, nil
}

var (
	_ Executor = (*ProcessExecutor)(nil)
	_ Executor = (*MCPExecutor)(nil)
)
