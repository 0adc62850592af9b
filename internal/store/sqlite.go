package store

import (
	"database/sql"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"CodeChat/internal/session"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	last_modified INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);`

type sessionRow struct {
	ID           string `db:"id"`
	LastModified int64  `db:"last_modified"`
}

type messageRow struct {
	Role    string `db:"role"`
	Content string `db:"content"`
}

// SQLiteStore keeps sessions in a single SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IOError{Op: "create database directory", Err: err}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, &IOError{Op: "open database", Err: err}
	}
	// one writer keeps transactions from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &IOError{Op: "create tables", Err: err}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save replaces the session row and all of its messages in one transaction.
func (s *SQLiteStore) Save(sess *session.Session) error {
	if err := session.ValidateID(sess.ID); err != nil {
		return err
	}
	modified := sess.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return &IOError{Op: "save", ID: sess.ID, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO sessions (id, last_modified) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified",
		sess.ID, modified.UnixNano(),
	); err != nil {
		return &IOError{Op: "save", ID: sess.ID, Err: err}
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return &IOError{Op: "save", ID: sess.ID, Err: err}
	}
	for i, msg := range sess.Messages {
		if _, err := tx.Exec(
			"INSERT INTO messages (session_id, seq, role, content) VALUES (?, ?, ?, ?)",
			sess.ID, i, string(msg.Role), msg.Content,
		); err != nil {
			return &IOError{Op: "save", ID: sess.ID, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &IOError{Op: "save", ID: sess.ID, Err: err}
	}

	s.logger.Debug("session saved",
		slog.String("session_id", sess.ID),
		slog.Int("message_count", len(sess.Messages)),
	)
	return nil
}

// Load reads a session and its messages in order.
func (s *SQLiteStore) Load(id string) (*session.Session, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}

	var row sessionRow
	if err := s.db.Get(&row, "SELECT id, last_modified FROM sessions WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "session %s", id)
		}
		return nil, &IOError{Op: "load", ID: id, Err: err}
	}

	var rows []messageRow
	if err := s.db.Select(&rows, "SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq ASC", id); err != nil {
		return nil, &IOError{Op: "load", ID: id, Err: err}
	}

	messages := make([]session.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, session.Message{Role: session.Role(r.Role), Content: r.Content})
	}
	if err := checkMessages(id, messages); err != nil {
		return nil, err
	}

	return &session.Session{
		ID:           row.ID,
		Messages:     messages,
		LastModified: time.Unix(0, row.LastModified),
	}, nil
}

// List yields ids newest first.
func (s *SQLiteStore) List() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var ids []string
		if err := s.db.Select(&ids, "SELECT id FROM sessions ORDER BY id DESC"); err != nil {
			yield("", &IOError{Op: "list", Err: err})
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Delete removes a session and its messages.
func (s *SQLiteStore) Delete(id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return &IOError{Op: "delete", ID: id, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return &IOError{Op: "delete", ID: id, Err: err}
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return &IOError{Op: "delete", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &IOError{Op: "delete", ID: id, Err: err}
	}

	s.logger.Debug("session deleted", slog.String("session_id", id))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
