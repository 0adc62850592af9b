package store

import (
	"bytes"
	"encoding/json"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"CodeChat/internal/session"

	"github.com/pkg/errors"
)

const recordExt = ".json"

// record is the on-disk shape of a session.
type record struct {
	ID           string            `json:"id"`
	LastModified time.Time         `json:"last_modified"`
	Messages     []session.Message `json:"messages"`
}

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "create session directory", Err: err}
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding the session files.
func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+recordExt)
}

// Save atomically replaces the session file.
func (fs *FileStore) Save(s *session.Session) error {
	if err := session.ValidateID(s.ID); err != nil {
		return err
	}

	rec := record{
		ID:           s.ID,
		LastModified: s.LastModified,
		Messages:     s.Messages,
	}
	if rec.Messages == nil {
		rec.Messages = []session.Message{}
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}

	if err := AtomicWriteFile(fs.path(s.ID), data, 0o644); err != nil {
		return &IOError{Op: "save", ID: s.ID, Err: err}
	}

	fs.logger.Debug("session saved", "session_id", s.ID, "message_count", len(rec.Messages))
	return nil
}

// Load reads a session file. Both the current object form and the bare
// message array written by older versions are accepted.
func (fs *FileStore) Load(id string) (*session.Session, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}

	path := fs.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "session %s", id)
		}
		return nil, &IOError{Op: "load", ID: id, Err: err}
	}

	sess, err := decodeRecord(id, data)
	if err != nil {
		return nil, err
	}
	if sess.LastModified.IsZero() {
		if info, err := os.Stat(path); err == nil {
			sess.LastModified = info.ModTime()
		}
	}
	return sess, nil
}

func decodeRecord(id string, data []byte) (*session.Session, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.Wrapf(ErrCorruptRecord, "session %s: empty file", id)
	}

	var rec record
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rec.Messages); err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "session %s: %v", id, err)
		}
	} else {
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "session %s: %v", id, err)
		}
	}

	if rec.Messages == nil {
		rec.Messages = []session.Message{}
	}
	if err := checkMessages(id, rec.Messages); err != nil {
		return nil, err
	}

	return &session.Session{
		ID:           id,
		Messages:     rec.Messages,
		LastModified: rec.LastModified,
	}, nil
}

// List yields ids newest first.
func (fs *FileStore) List() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := os.ReadDir(fs.dir)
		if err != nil {
			yield("", &IOError{Op: "list", Err: err})
			return
		}

		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, recordExt))
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Delete removes the session file.
func (fs *FileStore) Delete(id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "delete", ID: id, Err: err}
	}
	fs.logger.Debug("session deleted", "session_id", id)
	return nil
}

func (fs *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
