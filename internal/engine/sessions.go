package engine

import (
	"CodeChat/internal/events"
	"CodeChat/internal/session"

	"github.com/pkg/errors"
)

// NewSession makes a fresh session active, cancelling any outstanding
// request. Non-ephemeral sessions are written at once so they show up in the
// catalog. A failed write still activates the session and is returned.
func (e *Engine) NewSession(ephemeral bool) (*session.Session, error) {
	sess := session.New(e.ids.Next(), e.settings.Get().SystemPrompt)
	sess.Ephemeral = ephemeral

	var saveErr error
	if !ephemeral {
		saveErr = e.save(sess.Clone())
	}
	out := sess.Clone()
	if err := e.install(sess); err != nil {
		return nil, err
	}
	if saveErr != nil {
		e.publish(&events.Warning{SessionID: sess.ID, Kind: ErrorKind(saveErr), Message: saveErr.Error()})
	}
	return out, saveErr
}

// SwitchSession loads id and makes it active, cancelling any outstanding
// request. On a load failure the active session is left alone.
func (e *Engine) SwitchSession(id string) (*session.Session, error) {
	if current, _ := e.Snapshot(); current.ID == id {
		return current, nil
	}

	sess, err := e.store.Load(id)
	if err != nil {
		return nil, err
	}

	e.saveMu.Lock()
	delete(e.deleted, id)
	e.saved[id] = len(sess.Messages)
	e.saveMu.Unlock()

	out := sess.Clone()
	if err := e.install(sess); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a stored session. The active session cannot be
// deleted; activate another one first. The id is tombstoned before the
// record is removed, so no save can bring it back.
func (e *Engine) DeleteSession(id string) error {
	e.mu.Lock()
	if e.active.ID == id {
		e.mu.Unlock()
		return errors.Wrapf(ErrActiveSession, "%s", id)
	}
	e.saveMu.Lock()
	e.deleted[id] = struct{}{}
	delete(e.saved, id)
	e.saveMu.Unlock()
	e.mu.Unlock()

	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.logger.Info("session deleted", "session_id", id)
	return nil
}

// install replaces the active session. Unsaved turns of the outgoing session
// are written first.
func (e *Engine) install(next *session.Session) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	prev := e.active
	f := e.flight
	e.flight = nil
	e.state = Idle
	e.active = next
	e.mu.Unlock()

	if f != nil {
		f.cancel()
		e.logger.Info("request abandoned by session switch", "session_id", f.sessionID, "request_id", f.id)
	}

	if err := e.saveIfDirty(prev); err != nil {
		e.publish(&events.Warning{SessionID: prev.ID, Kind: ErrorKind(err), Message: err.Error()})
	}

	e.logger.Info("session activated", "session_id", next.ID, "ephemeral", next.Ephemeral, "message_count", len(next.Messages))
	e.publish(&events.SessionChanged{
		SessionID: next.ID,
		Ephemeral: next.Ephemeral,
		Messages:  append([]session.Message(nil), next.Messages...),
	})
	return nil
}

// saveIfDirty writes sess if it has turns the store has not seen.
func (e *Engine) saveIfDirty(sess *session.Session) error {
	if sess.Ephemeral || !sess.HasTurns() {
		return nil
	}
	return e.save(sess)
}

// save writes sess unless it was deleted or a longer version of it has
// already been written.
func (e *Engine) save(sess *session.Session) error {
	if sess.Ephemeral {
		return nil
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if _, gone := e.deleted[sess.ID]; gone {
		return nil
	}
	if n, ok := e.saved[sess.ID]; ok && len(sess.Messages) <= n {
		return nil
	}
	if err := e.store.Save(sess); err != nil {
		e.logger.Error("failed to save session", "session_id", sess.ID, "error", err)
		return err
	}
	e.saved[sess.ID] = len(sess.Messages)
	return nil
}
