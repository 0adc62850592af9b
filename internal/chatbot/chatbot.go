// Package chatbot is the terminal front end. It reads lines from the user,
// drives the engine and the session manager, and prints the events they
// publish.
package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"CodeChat/internal/codeblock"
	"CodeChat/internal/engine"
	"CodeChat/internal/events"
	"CodeChat/internal/manager"
	"CodeChat/internal/session"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Renderer turns an assistant reply into terminal output.
type Renderer interface {
	Render(markdown string) (string, error)
}

type plain struct{}

func (plain) Render(s string) (string, error) { return s, nil }

// NewRenderer returns a glamour renderer when markdown is true and a
// pass-through renderer otherwise.
func NewRenderer(markdown bool, width int) (Renderer, error) {
	if !markdown {
		return plain{}, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create markdown renderer")
	}
	return r, nil
}

// Options configures a ChatBot. Zero values fall back to plain output and
// slog.Default.
type Options struct {
	In       io.Reader
	Out      io.Writer
	Renderer Renderer
	Logger   *slog.Logger
}

// ChatBot is the REPL.
type ChatBot struct {
	engine   *engine.Engine
	manager  *manager.Manager
	in       io.Reader
	renderer Renderer
	logger   *slog.Logger

	// mu guards out and blocks; events and commands print from different
	// goroutines.
	mu     sync.Mutex
	out    io.Writer
	blocks []codeblock.Block
}

func NewChatBot(eng *engine.Engine, mgr *manager.Manager, opts Options) *ChatBot {
	if opts.Renderer == nil {
		opts.Renderer = plain{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChatBot{
		engine:   eng,
		manager:  mgr,
		in:       opts.In,
		out:      opts.Out,
		renderer: opts.Renderer,
		logger:   opts.Logger,
	}
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// Run prints the active session, then reads input until EOF or /quit while
// printing events from subscriber. The subscription is taken before the
// first line is read so no event is lost.
func (cb *ChatBot) Run(ctx context.Context, subscriber message.Subscriber, topic string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to events")
	}

	current, _ := cb.engine.Snapshot()
	st := cb.engine.Settings()
	cb.printf("=== CodeChat ===\n")
	cb.printf("Model: %s\n", st.ActiveModel)
	cb.showSession(current.ID, current.Ephemeral, current.Messages)
	cb.printf("Type /help for commands, /quit to exit\n\n")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return events.Drain(gctx, messages, cb.logger, cb.HandleEvent)
	})
	g.Go(func() error {
		defer cancel()
		return cb.readLoop(gctx)
	})
	err = g.Wait()

	cb.printf("Goodbye!\n")
	return err
}

func (cb *ChatBot) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(cb.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		cb.printf("You: ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := cb.engine.Submit(input); err != nil {
			if errors.Is(err, engine.ErrBusy) {
				cb.printf("A request is already in progress. Use /cancel to abandon it.\n")
				continue
			}
			cb.printf("Error: %v\n", err)
			cb.logger.Error("failed to submit message", "error", err)
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read input")
}

// HandleEvent prints one engine event.
func (cb *ChatBot) HandleEvent(e events.Event) {
	switch ev := e.(type) {
	case *events.UserMessage:
		cb.logger.Debug("user message accepted", "session_id", ev.SessionID, "request_id", ev.RequestID)

	case *events.Reply:
		// a reply can trail the switch away from its session
		if active := cb.engine.ActiveID(); ev.SessionID != active {
			cb.logger.Debug("ignoring reply for inactive session", "session_id", ev.SessionID, "active", active)
			return
		}
		rendered, err := cb.renderer.Render(ev.Message.Content)
		if err != nil {
			cb.logger.Warn("failed to render reply", "error", err)
			rendered = ev.Message.Content
		}
		cb.mu.Lock()
		cb.blocks = ev.Blocks
		fmt.Fprintf(cb.out, "\nAI: %s\n", strings.TrimRight(rendered, "\n"))
		if n := len(ev.Blocks); n > 0 {
			fmt.Fprintf(cb.out, "[%d code block(s): /blocks to list, /run <n> to execute]\n", n)
		}
		fmt.Fprintln(cb.out)
		cb.mu.Unlock()

	case *events.Error:
		cb.printf("\n%s\n", describe(ev.Kind, ev.Message))

	case *events.Warning:
		cb.printf("\nWarning: %s\n", describe(ev.Kind, ev.Message))

	case *events.SessionChanged:
		cb.showSession(ev.SessionID, ev.Ephemeral, ev.Messages)

	case *events.ExecutionOutput:
		cb.mu.Lock()
		fmt.Fprintf(cb.out, "\n--- %s output (exit %d) ---\n%s", langName(ev.Language), ev.ExitCode, ev.Output)
		if ev.Output != "" && !strings.HasSuffix(ev.Output, "\n") {
			fmt.Fprintln(cb.out)
		}
		if ev.Error != "" {
			fmt.Fprintf(cb.out, "Execution failed: %s\n", ev.Error)
		}
		fmt.Fprintln(cb.out, "---")
		cb.mu.Unlock()
	}
}

func describe(kind events.Kind, msg string) string {
	switch kind {
	case events.KindBackendUnavailable:
		return "Backend unavailable: " + msg + " (is the inference server running?)"
	case events.KindBackendError:
		return "Backend error: " + msg
	case events.KindCancelled:
		return "Request cancelled. Your message was kept; send again to retry."
	case events.KindIOFailure:
		return "Could not save: " + msg + " (the conversation is kept in memory)"
	case events.KindNotFound, events.KindCorruptRecord:
		return msg + " (started a fresh session)"
	default:
		return msg
	}
}

func langName(lang string) string {
	if lang == "" {
		return "untagged"
	}
	return lang
}

// showSession prints a session header and its transcript without the system
// message.
func (cb *ChatBot) showSession(id string, ephemeral bool, messages []session.Message) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	label := id
	if ephemeral {
		label += " (temporary, not saved)"
	}
	fmt.Fprintf(cb.out, "Session: %s\n", label)

	cb.blocks = nil
	for _, m := range messages {
		switch m.Role {
		case session.RoleUser:
			fmt.Fprintf(cb.out, "You: %s\n", m.Content)
		case session.RoleAssistant:
			fmt.Fprintf(cb.out, "AI: %s\n", m.Content)
			cb.blocks = codeblock.Extract(m.Content)
		}
	}
}

const helpText = `Available commands:
  /new                 - Start a new saved session
  /temp                - Start a temporary session that is never saved
  /sessions            - List saved sessions, newest first
  /open <id>           - Open a saved session
  /delete <id>         - Delete a saved session
  /model <name>        - Use another model from the next message on
  /models              - List models the backend offers
  /persona <name>      - Use another system prompt from the next message on
  /personas            - List personas
  /blocks              - List code blocks of the last reply
  /run <n>             - Execute code block n
  /cancel              - Abandon the request in progress
  /help                - Show this help message
  /quit, /exit         - Exit
`

// handleCommand runs a slash command and reports whether to quit.
func (cb *ChatBot) handleCommand(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	arg := func(usage string) (string, error) {
		if len(parts) < 2 {
			return "", errors.Errorf("usage: %s", usage)
		}
		return parts[1], nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		_, err := cb.manager.CreateSession()
		return false, err

	case "/temp":
		_, err := cb.manager.CreateTemporarySession()
		return false, err

	case "/sessions":
		ids, err := cb.manager.Sessions()
		if err != nil {
			return false, errors.Wrap(err, "failed to list sessions")
		}
		if len(ids) == 0 {
			cb.printf("No saved sessions.\n")
			return false, nil
		}
		active := cb.manager.Active()
		cb.mu.Lock()
		for i, id := range ids {
			marker := ""
			if id == active {
				marker = " (active)"
			}
			fmt.Fprintf(cb.out, "%d. %s%s\n", i+1, id, marker)
		}
		cb.mu.Unlock()
		return false, nil

	case "/open":
		id, err := arg("/open <id>")
		if err != nil {
			return false, err
		}
		// a failed open is reported as a warning event along with the
		// fallback; only a failed fallback is left to report here
		if sess, err := cb.manager.OpenSession(id); sess == nil {
			return false, err
		}
		return false, nil

	case "/delete":
		id, err := arg("/delete <id>")
		if err != nil {
			return false, err
		}
		if err := cb.manager.DeleteSession(id); err != nil {
			return false, errors.Wrapf(err, "failed to delete %s", id)
		}
		cb.printf("Deleted %s\n", id)
		return false, nil

	case "/model":
		name, err := arg("/model <name>")
		if err != nil {
			return false, err
		}
		if err := cb.engine.ChangeModel(name); err != nil {
			return false, err
		}
		cb.printf("Model set to: %s\n", name)
		return false, nil

	case "/models":
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		models, err := cb.engine.ListModels(ctx)
		if err != nil {
			return false, errors.Wrap(err, "failed to list models")
		}
		current := cb.engine.Settings().ActiveModel
		cb.mu.Lock()
		fmt.Fprintln(cb.out, "Available models:")
		for i, m := range models {
			marker := ""
			if m.Name == current {
				marker = " (current)"
			}
			if m.Size > 0 {
				fmt.Fprintf(cb.out, "%d. %s - %.2f GB%s\n", i+1, m.Name, float64(m.Size)/(1<<30), marker)
			} else {
				fmt.Fprintf(cb.out, "%d. %s%s\n", i+1, m.Name, marker)
			}
		}
		cb.mu.Unlock()
		return false, nil

	case "/persona":
		name, err := arg("/persona <name>")
		if err != nil {
			return false, err
		}
		if err := cb.engine.ChangePersona(name); err != nil {
			return false, err
		}
		cb.printf("Persona set to: %s\n", name)
		return false, nil

	case "/personas":
		current := cb.engine.Settings().Persona
		cb.mu.Lock()
		for _, name := range cb.engine.Personas() {
			marker := ""
			if name == current {
				marker = " (current)"
			}
			fmt.Fprintf(cb.out, "  %s%s\n", name, marker)
		}
		cb.mu.Unlock()
		return false, nil

	case "/blocks":
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if len(cb.blocks) == 0 {
			fmt.Fprintln(cb.out, "No code blocks in the last reply.")
			return false, nil
		}
		for i, b := range cb.blocks {
			fmt.Fprintf(cb.out, "[%d] %s\n%s\n", i+1, langName(b.Language), b.Code)
		}
		return false, nil

	case "/run":
		raw, err := arg("/run <n>")
		if err != nil {
			return false, err
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false, errors.Errorf("not a block number: %q", raw)
		}
		cb.mu.Lock()
		if n < 1 || n > len(cb.blocks) {
			count := len(cb.blocks)
			cb.mu.Unlock()
			return false, errors.Errorf("no block %d (last reply has %d)", n, count)
		}
		block := cb.blocks[n-1]
		cb.mu.Unlock()
		return false, cb.engine.Execute(block)

	case "/cancel":
		if !cb.engine.Cancel() {
			cb.printf("Nothing to cancel.\n")
		}
		return false, nil

	case "/help":
		cb.printf("%s", helpText)
		return false, nil

	default:
		return false, errors.Errorf("unknown command %s (try /help)", parts[0])
	}
}
