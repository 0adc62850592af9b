// Package engine owns the active conversation.
//
// At most one backend call is in flight at a time. A call that is cancelled,
// by the user or by a session switch, may still return afterwards; its reply
// is dropped and never lands in whichever session is active by then.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"CodeChat/internal/backend"
	"CodeChat/internal/events"
	"CodeChat/internal/executor"
	"CodeChat/internal/session"
	"CodeChat/internal/settings"
	"CodeChat/internal/store"

	"github.com/pkg/errors"
)

const DefaultRequestTimeout = 5 * time.Minute

var (
	ErrBusy          = errors.New("a request is already in progress")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrCancelled     = errors.New("request cancelled")
	ErrClosed        = errors.New("engine is closed")
	ErrNoExecutor    = errors.New("no executor configured")
	ErrActiveSession = errors.New("session is active")
)

// State of the active session.
type State int

const (
	Idle State = iota
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReply:
		return "awaiting-reply"
	default:
		return "unknown"
	}
}

// Config wires the engine to its collaborators. Backend, Store and Settings
// are required.
type Config struct {
	Backend        backend.Backend
	Store          store.Store
	Settings       *settings.Store
	Sink           events.Sink
	Executor       executor.Executor
	IDs            *session.IDGenerator
	Generation     backend.Options
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Engine holds the single active session and drives requests against it.
type Engine struct {
	backend    backend.Backend
	store      store.Store
	settings   *settings.Store
	sink       events.Sink
	executor   executor.Executor
	ids        *session.IDGenerator
	generation backend.Options
	timeout    time.Duration
	logger     *slog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	state  State
	active *session.Session
	flight *flight
	closed bool

	// saveMu orders writes to the store. saved holds the message count last
	// written per session and deleted the ids that must not be written again.
	saveMu  sync.Mutex
	saved   map[string]int
	deleted map[string]struct{}
}

// New creates an engine whose active session is fresh and not yet persisted.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil || cfg.Store == nil || cfg.Settings == nil {
		return nil, errors.New("engine needs a backend, a store and settings")
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NullSink{}
	}
	if cfg.IDs == nil {
		cfg.IDs = session.NewIDGenerator()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		backend:    cfg.Backend,
		store:      cfg.Store,
		settings:   cfg.Settings,
		sink:       cfg.Sink,
		executor:   cfg.Executor,
		ids:        cfg.IDs,
		generation: cfg.Generation,
		timeout:    cfg.RequestTimeout,
		logger:     cfg.Logger,
		ctx:        ctx,
		stop:       stop,
		saved:      make(map[string]int),
		deleted:    make(map[string]struct{}),
	}
	e.active = session.New(e.ids.Next(), cfg.Settings.Get().SystemPrompt)
	return e, nil
}

// Snapshot returns a copy of the active session and the current state.
func (e *Engine) Snapshot() (*session.Session, State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Clone(), e.state
}

// ActiveID returns the id of the active session.
func (e *Engine) ActiveID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.ID
}

// State reports whether a request is outstanding.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Settings returns the current model and persona.
func (e *Engine) Settings() settings.Settings {
	return e.settings.Get()
}

// Personas lists the persona names ChangePersona accepts.
func (e *Engine) Personas() []string {
	return e.settings.Personas()
}

// ChangeModel switches the model used from the next Submit on.
func (e *Engine) ChangeModel(name string) error {
	if err := e.settings.ChangeModel(name); err != nil {
		return err
	}
	e.logger.Info("model changed", "model", name)
	return nil
}

// ChangePersona switches the system prompt used from the next Submit on.
func (e *Engine) ChangePersona(name string) error {
	if err := e.settings.ChangePersona(name); err != nil {
		return err
	}
	e.logger.Info("persona changed", "persona", name)
	return nil
}

// ListModels asks the backend which models it has.
func (e *Engine) ListModels(ctx context.Context) ([]backend.Model, error) {
	return backend.ListModels(ctx, e.backend)
}

// Close cancels outstanding work, waits for it and saves unsaved turns of
// the active session.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	f := e.flight
	e.flight = nil
	e.state = Idle
	active := e.active.Clone()
	e.mu.Unlock()

	if f != nil {
		f.cancel()
	}
	e.stop()
	e.wg.Wait()

	return e.saveIfDirty(active)
}

func (e *Engine) publish(ev events.Event) {
	if err := e.sink.Publish(ev); err != nil {
		e.logger.Error("failed to publish event", "type", ev.Type(), "session_id", ev.Session(), "error", err)
	}
}

// ErrorKind maps an error onto the kinds shown to the user.
func ErrorKind(err error) events.Kind {
	switch {
	case errors.Is(err, ErrBusy):
		return events.KindBusy
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return events.KindCancelled
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return events.KindBackendUnavailable
	case errors.Is(err, backend.ErrBackend):
		return events.KindBackendError
	case errors.Is(err, store.ErrIO):
		return events.KindIOFailure
	case errors.Is(err, store.ErrNotFound):
		return events.KindNotFound
	case errors.Is(err, store.ErrCorruptRecord):
		return events.KindCorruptRecord
	default:
		return events.KindInternal
	}
}
