// Package backend talks to language-model inference services.
package backend

import (
	"context"
	"fmt"

	"CodeChat/internal/session"

	"github.com/pkg/errors"
)

const (
	KindOllama = "ollama"
	KindOpenAI = "openai"
)

var (
	// ErrUnavailable means the service could not be reached.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrBackend means the service answered but the answer was unusable.
	ErrBackend = errors.New("backend error")
)

// Options are the generation parameters sent with every request.
type Options struct {
	Temperature   float64  `json:"temperature" yaml:"temperature"`
	TopP          float64  `json:"top_p" yaml:"top_p"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	Stop          []string `json:"stop,omitempty" yaml:"stop"`
}

// DefaultOptions returns the generation defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:   0.7,
		TopP:          0.9,
		ContextWindow: 4096,
	}
}

// Request is one chat completion call.
type Request struct {
	Model    string
	Messages []session.Message
	Options  Options
}

// Backend produces an assistant reply for a message log.
type Backend interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// ModelLister is implemented by backends that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// Model describes an installed model.
type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Error is a classified failure of a backend call.
type Error struct {
	Unavailable bool
	Op          string
	StatusCode  int
	Err         error
}

func (e *Error) Error() string {
	kind := "backend error"
	if e.Unavailable {
		kind = "backend unavailable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", kind, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Unavailable
	case ErrBackend:
		return !e.Unavailable
	}
	return false
}

func unavailable(op string, err error) error {
	return &Error{Unavailable: true, Op: op, Err: err}
}

func failed(op string, status int, err error) error {
	return &Error{Op: op, StatusCode: status, Err: err}
}

// transportError classifies a failed round trip. Cancellation of ctx is
// passed through untouched so callers can tell it apart from an outage.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, op)
	}
	return unavailable(op, err)
}

// statusError classifies a non-200 answer. Gateway style statuses mean the
// model server behind a proxy is down.
func statusError(op string, status int, body []byte) error {
	msg := errors.New(string(body))
	switch status {
	case 502, 503, 504:
		return &Error{Unavailable: true, Op: op, StatusCode: status, Err: msg}
	}
	return failed(op, status, msg)
}

// ErrListUnsupported is returned when a backend cannot enumerate models.
var ErrListUnsupported = errors.New("backend cannot list models")

// ListModels lists models if b supports it.
func ListModels(ctx context.Context, b Backend) ([]Model, error) {
	lister, ok := b.(ModelLister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return lister.ListModels(ctx)
}

// FailureKind names the class of a failed call for logs and metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBackend):
		return "backend"
	default:
		return "other"
	}
}
