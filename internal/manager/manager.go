// Package manager is the session catalog on top of the store and the engine.
package manager

import (
	"iter"
	"log/slog"

	"CodeChat/internal/engine"
	"CodeChat/internal/events"
	"CodeChat/internal/session"
	"CodeChat/internal/store"

	"github.com/pkg/errors"
)

// Manager lists, opens, creates and deletes sessions. The engine always has
// a valid active session after any of its operations.
type Manager struct {
	store  store.Store
	engine *engine.Engine
	sink   events.Sink
	logger *slog.Logger
}

func New(st store.Store, eng *engine.Engine, sink events.Sink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = events.NullSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, engine: eng, sink: sink, logger: logger}
}

// ListSessions yields stored session ids newest first. Ephemeral sessions
// are never stored and so never listed.
func (m *Manager) ListSessions() iter.Seq2[string, error] {
	return m.store.List()
}

// Sessions collects ListSessions.
func (m *Manager) Sessions() ([]string, error) {
	return store.Collect(m.ListSessions())
}

// Active returns the id of the engine's session.
func (m *Manager) Active() string {
	return m.engine.ActiveID()
}

// OpenSession makes a stored session active. A missing or unreadable record
// is replaced by a fresh session and reported as a warning; the returned
// error then describes why the requested session could not be opened.
func (m *Manager) OpenSession(id string) (*session.Session, error) {
	sess, err := m.engine.SwitchSession(id)
	if err == nil {
		return sess, nil
	}

	m.logger.Warn("could not open session, starting a fresh one", "session_id", id, "error", err)
	fresh, newErr := m.engine.NewSession(false)
	if fresh == nil {
		return nil, errors.Wrap(newErr, "failed to start fallback session")
	}
	m.publish(&events.Warning{
		SessionID: fresh.ID,
		Kind:      engine.ErrorKind(err),
		Message:   "could not open " + id + ": " + err.Error(),
	})
	return fresh, err
}

// CreateSession starts and persists a fresh session.
func (m *Manager) CreateSession() (*session.Session, error) {
	return m.engine.NewSession(false)
}

// CreateTemporarySession starts a session that is never saved.
func (m *Manager) CreateTemporarySession() (*session.Session, error) {
	return m.engine.NewSession(true)
}

// DeleteSession removes a stored session. Deleting the active session first
// activates a fresh one.
func (m *Manager) DeleteSession(id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}

	// the active session may change between the check and the delete
	for attempt := 0; attempt < 3; attempt++ {
		if m.engine.ActiveID() == id {
			if _, err := m.engine.NewSession(false); err != nil && m.engine.ActiveID() == id {
				return errors.Wrap(err, "failed to replace active session")
			}
		}
		err := m.engine.DeleteSession(id)
		if errors.Is(err, engine.ErrActiveSession) {
			continue
		}
		if err != nil {
			return err
		}
		m.logger.Info("session removed from catalog", "session_id", id)
		return nil
	}
	return errors.Wrapf(engine.ErrActiveSession, "%s kept being reopened", id)
}

func (m *Manager) publish(ev events.Event) {
	if err := m.sink.Publish(ev); err != nil {
		m.logger.Error("failed to publish event", "type", ev.Type(), "error", err)
	}
}
