package engine

import (
	"context"
	"strings"
	"sync"

	"CodeChat/internal/backend"
	"CodeChat/internal/codeblock"
	"CodeChat/internal/events"
	"CodeChat/internal/session"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

// flight is the single request slot. Only the flight currently stored in
// Engine.flight may merge its result.
type flight struct {
	id        string
	sessionID string
	cancel    context.CancelFunc
	handle    *Handle
}

// Handle tracks one submitted request. It is cancelable and waitable.
type Handle struct {
	RequestID string
	SessionID string

	done   chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	reply  string
	err    error
}

func newHandle(requestID, sessionID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		RequestID: requestID,
		SessionID: sessionID,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

func (h *Handle) setResult(reply string, err error) {
	h.mu.Lock()
	h.reply = reply
	h.err = err
	h.cancel = nil
	close(h.done)
	h.mu.Unlock()
}

// Cancel abandons the request if it is still running. The engine drops the
// reply should one arrive anyway.
func (h *Handle) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the request has been resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the request is resolved. A dropped reply yields ErrCancelled.
func (h *Handle) Wait() (string, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reply, h.err
}

// Submit appends a user message and starts the backend call in the
// background. It fails with ErrBusy while another call is outstanding.
func (e *Engine) Submit(utterance string) (*Handle, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.state != Idle {
		e.mu.Unlock()
		return nil, ErrBusy
	}

	msg := e.active.Append(session.RoleUser, utterance)

	current := e.settings.Get()
	req := backend.Request{
		Model:    current.ActiveModel,
		Messages: withSystemPrompt(e.active.Messages, current.SystemPrompt),
		Options:  clone.Clone(e.generation).(backend.Options),
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	f := &flight{
		id:        uuid.NewString(),
		sessionID: e.active.ID,
		cancel:    cancel,
	}
	f.handle = newHandle(f.id, f.sessionID, cancel)
	e.flight = f
	e.state = AwaitingReply
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("request submitted",
		"session_id", f.sessionID,
		"request_id", f.id,
		"model", req.Model,
		"message_count", len(req.Messages),
	)
	e.publish(&events.UserMessage{SessionID: f.sessionID, RequestID: f.id, Message: msg})

	go e.run(ctx, f, req)
	return f.handle, nil
}

func (e *Engine) run(ctx context.Context, f *flight, req backend.Request) {
	defer e.wg.Done()
	defer f.cancel()

	reply, err := e.backend.Chat(ctx, req)
	e.finish(f, reply, err)
}

func (e *Engine) finish(f *flight, reply string, err error) {
	e.mu.Lock()
	if e.flight != f {
		e.mu.Unlock()
		e.logger.Info("dropping reply of abandoned request", "session_id", f.sessionID, "request_id", f.id)
		f.handle.setResult("", ErrCancelled)
		return
	}
	e.flight = nil
	e.state = Idle

	if err != nil {
		e.mu.Unlock()
		kind := ErrorKind(err)
		e.logger.Error("request failed", "session_id", f.sessionID, "request_id", f.id, "kind", kind, "error", err)
		e.publish(&events.Error{SessionID: f.sessionID, RequestID: f.id, Kind: kind, Message: err.Error()})
		f.handle.setResult("", err)
		return
	}

	msg := e.active.Append(session.RoleAssistant, reply)
	snapshot := e.active.Clone()
	e.mu.Unlock()

	saveErr := e.saveIfDirty(snapshot)
	blocks := codeblock.Extract(reply)

	e.publish(&events.Reply{
		SessionID: snapshot.ID,
		RequestID: f.id,
		Message:   msg,
		Messages:  snapshot.Messages,
		Blocks:    blocks,
	})
	if saveErr != nil {
		e.publish(&events.Warning{SessionID: snapshot.ID, Kind: ErrorKind(saveErr), Message: saveErr.Error()})
	}
	f.handle.setResult(reply, nil)
}

// Cancel abandons the outstanding request without switching sessions. The
// user message stays in the log. It reports whether anything was cancelled.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	f := e.flight
	if f == nil {
		e.mu.Unlock()
		return false
	}
	e.flight = nil
	e.state = Idle
	e.mu.Unlock()

	f.cancel()
	e.logger.Info("request cancelled", "session_id", f.sessionID, "request_id", f.id)
	e.publish(&events.Error{SessionID: f.sessionID, RequestID: f.id, Kind: events.KindCancelled, Message: ErrCancelled.Error()})
	return true
}

// Execute runs a code block with the configured executor and publishes its
// output. The code is passed on verbatim.
func (e *Engine) Execute(block codeblock.Block) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.executor == nil {
		e.mu.Unlock()
		return ErrNoExecutor
	}
	sessionID := e.active.ID
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		res, err := e.executor.Execute(e.ctx, block.Language, block.Code)
		out := &events.ExecutionOutput{
			SessionID: sessionID,
			Language:  block.Language,
			Output:    res.Output,
			ExitCode:  res.ExitCode,
		}
		if err != nil {
			out.Error = err.Error()
			e.logger.Warn("execution failed", "session_id", sessionID, "language", block.Language, "error", err)
		}
		e.publish(out)
	}()
	return nil
}

// withSystemPrompt copies messages, putting prompt in the leading system slot.
func withSystemPrompt(messages []session.Message, prompt string) []session.Message {
	out := make([]session.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == session.RoleSystem {
		messages = messages[1:]
	}
	out = append(out, session.Message{Role: session.RoleSystem, Content: prompt})
	return append(out, messages...)
}
