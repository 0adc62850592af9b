// Package events carries engine notifications to the presentation layer.
package events

import (
	"encoding/json"

	"CodeChat/internal/codeblock"
	"CodeChat/internal/session"

	"github.com/pkg/errors"
)

type Type string

const (
	TypeUserMessage     Type = "user-message"
	TypeReply           Type = "reply"
	TypeError           Type = "error"
	TypeWarning         Type = "warning"
	TypeSessionChanged  Type = "session-changed"
	TypeExecutionOutput Type = "execution-output"
)

// Kind classifies errors and warnings so the user can tell an unreachable
// backend from a bad request.
type Kind string

const (
	KindBusy               Kind = "busy"
	KindBackendUnavailable Kind = "backend-unavailable"
	KindBackendError       Kind = "backend-error"
	KindCancelled          Kind = "cancelled"
	KindIOFailure          Kind = "io-failure"
	KindNotFound           Kind = "not-found"
	KindCorruptRecord      Kind = "corrupt-record"
	KindExecution          Kind = "execution"
	KindInternal           Kind = "internal"
)

// Event is anything the engine reports.
type Event interface {
	Type() Type
	Session() string
}

// UserMessage is emitted as soon as a submitted utterance is appended.
type UserMessage struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Message   session.Message `json:"message"`
}

// Reply carries the updated log and the code blocks of the new reply.
type Reply struct {
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id"`
	Message   session.Message   `json:"message"`
	Messages  []session.Message `json:"messages"`
	Blocks    []codeblock.Block `json:"blocks,omitempty"`
}

// Error reports a failed request. The triggering user message stays in the log.
type Error struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
}

// Warning reports a recovered problem, such as a corrupt session that was
// replaced or a save that did not reach disk.
type Warning struct {
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
}

// SessionChanged is emitted whenever a different session becomes active.
type SessionChanged struct {
	SessionID string            `json:"session_id"`
	Ephemeral bool              `json:"ephemeral"`
	Messages  []session.Message `json:"messages"`
}

// ExecutionOutput relays what an executor printed.
type ExecutionOutput struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language,omitempty"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
}

func (e *UserMessage) Type() Type { return TypeUserMessage }
func (e *UserMessage) Session() string { return e.SessionID }

func (e *Reply) Type() Type { return TypeReply }
func (e *Reply) Session() string { return e.SessionID }

func (e *Error) Type() Type { return TypeError }
func (e *Error) Session() string { return e.SessionID }

func (e *Warning) Type() Type { return TypeWarning }
func (e *Warning) Session() string { return e.SessionID }

func (e *SessionChanged) Type() Type { return TypeSessionChanged }
func (e *SessionChanged) Session() string { return e.SessionID }

func (e *ExecutionOutput) Type() Type { return TypeExecutionOutput }
func (e *ExecutionOutput) Session() string { return e.SessionID }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes an event with its type tag.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s event", e.Type())
	}
	return json.Marshal(envelope{Type: e.Type(), Payload: payload})
}

// Decode reverses Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event envelope")
	}

	var e Event
	switch env.Type {
	case TypeUserMessage:
		e = &UserMessage{}
	case TypeReply:
		e = &Reply{}
	case TypeError:
		e = &Error{}
	case TypeWarning:
		e = &Warning{}
	case TypeSessionChanged:
		e = &SessionChanged{}
	case TypeExecutionOutput:
		e = &ExecutionOutput{}
	default:
		return nil, errors.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s event", env.Type)
	}
	return e, nil
}
