// Package store persists chat sessions.
//
// Every implementation guarantees that a reader observes either the previous
// complete version of a session or the new one, never a partial write.
package store

import (
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"

	"CodeChat/internal/session"

	"github.com/pkg/errors"
)

const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrCorruptRecord = errors.New("corrupt session record")
	ErrIO            = errors.New("session storage failure")
)

// Store maps sessions to durable records and back.
type Store interface {
	// Save replaces the record for s.ID with the full message sequence.
	Save(s *session.Session) error

	// Load returns the session stored under id.
	Load(id string) (*session.Session, error)

	// List yields session ids newest first. Each range re-reads the catalog.
	List() iter.Seq2[string, error]

	// Delete removes the record. Deleting a missing id is not an error.
	Delete(id string) error

	Close() error
}

// IOError reports a failed read or write of the underlying storage.
type IOError struct {
	Op  string
	ID  string
	Err error
}

func (e *IOError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Open creates the store selected by kind under dataDir.
func Open(kind string, dataDir string, logger *slog.Logger) (Store, error) {
	switch kind {
	case KindFile, "":
		return NewFileStore(filepath.Join(dataDir, "chats"), logger)
	case KindSQLite:
		return OpenSQLite(filepath.Join(dataDir, "codechat.db"), logger)
	default:
		return nil, errors.Errorf("unknown store kind: %s", kind)
	}
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var ids []string
	for id, err := range seq {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func checkMessages(id string, messages []session.Message) error {
	if err := session.Validate(messages); err != nil {
		return errors.Wrapf(ErrCorruptRecord, "session %s: %v", id, err)
	}
	return nil
}
