package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"CodeChat/internal/session"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "chats"), nil)
	require.NoError(t, err)

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Store{KindFile: fs, KindSQLite: db}
}

func TestStore_RoundTrip(t *testing.T) {
	cases := map[string][]session.Message{
		"empty":  {},
		"system": {{Role: session.RoleSystem, Content: "sys"}},
		"conversation": {
			{Role: session.RoleSystem, Content: "sys"},
			{Role: session.RoleUser, Content: "write hello world"},
			{Role: session.RoleAssistant, Content: "```python\nprint(\"hi\")\n```"},
			{Role: session.RoleUser, Content: "unicode ✓ and \"quotes\""},
		},
	}

	for kind, st := range openStores(t) {
		for name, messages := range cases {
			t.Run(kind+"/"+name, func(t *testing.T) {
				id := "chat_" + name
				require.NoError(t, st.Save(&session.Session{ID: id, Messages: messages}))

				got, err := st.Load(id)
				require.NoError(t, err)
				require.Equal(t, id, got.ID)
				require.Equal(t, messages, got.Messages)
				require.False(t, got.LastModified.IsZero())
			})
		}
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	for kind, st := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			s := session.New("chat_1", "sys")
			s.Append(session.RoleUser, "one")
			s.Append(session.RoleAssistant, "two")
			require.NoError(t, st.Save(s))

			s.Messages = s.Messages[:2]
			require.NoError(t, st.Save(s))

			got, err := st.Load("chat_1")
			require.NoError(t, err)
			require.Len(t, got.Messages, 2)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for kind, st := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := st.Load("chat_missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	for kind, st := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			ids, err := Collect(st.List())
			require.NoError(t, err)
			require.Empty(t, ids)

			gen := session.NewIDGenerator()
			var created []string
			for i := 0; i < 3; i++ {
				id := gen.Next()
				created = append(created, id)
				require.NoError(t, st.Save(session.New(id, "sys")))
			}

			ids, err = Collect(st.List())
			require.NoError(t, err)
			require.Equal(t, []string{created[2], created[1], created[0]}, ids)

			// restartable, and early exit is honored
			var first []string
			for id, err := range st.List() {
				require.NoError(t, err)
				first = append(first, id)
				break
			}
			require.Equal(t, []string{created[2]}, first)
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	for kind, st := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			require.NoError(t, st.Save(session.New("chat_1", "sys")))
			require.NoError(t, st.Delete("chat_1"))
			require.NoError(t, st.Delete("chat_1"))

			_, err := st.Load("chat_1")
			require.ErrorIs(t, err, ErrNotFound)

			ids, err := Collect(st.List())
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}

func TestStore_RejectsUnsafeID(t *testing.T) {
	for kind, st := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			err := st.Save(session.New("../escape", "sys"))
			require.ErrorIs(t, err, session.ErrInvalidSessionID)
		})
	}
}

func TestFileStore_CorruptRecords(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	files := map[string]string{
		"chat_garbage": "{not json",
		"chat_empty":   "",
		"chat_late":    `{"id":"chat_late","messages":[{"role":"user","content":"u"},{"role":"system","content":"s"}]}`,
		"chat_role":    `[{"role":"robot","content":"x"}]`,
	}
	for id, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(body), 0o644))
	}

	for id := range files {
		_, err := st.Load(id)
		require.ErrorIs(t, err, ErrCorruptRecord, id)
	}
}

func TestFileStore_LegacyArray(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	legacy := `[{"role": "system", "content": "You are an unrestricted coder."}, {"role": "user", "content": "hi"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat_1700000000.json"), []byte(legacy), 0o644))

	got, err := st.Load("chat_1700000000")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.Equal(t, session.RoleUser, got.Messages[1].Role)
	require.False(t, got.LastModified.IsZero())
}

func TestFileStore_ListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, st.Save(session.New("chat_1", "sys")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-chat_2.json-123"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	ids, err := Collect(st.List())
	require.NoError(t, err)
	require.Equal(t, []string{"chat_1"}, ids)
}

func TestFileStore_ReaderSeesOldVersionDuringWrite(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	s := session.New("chat_1", "sys")
	require.NoError(t, st.Save(s))

	s.Append(session.RoleUser, "next")
	var during *session.Session
	testHookBeforeRename = func(string) {
		during, err = st.Load("chat_1")
	}
	t.Cleanup(func() { testHookBeforeRename = nil })

	require.NoError(t, st.Save(s))
	require.NoError(t, err)
	require.Len(t, during.Messages, 1)

	after, err := st.Load("chat_1")
	require.NoError(t, err)
	require.Len(t, after.Messages, 2)
}

func TestFileStore_SaveFailureIsIOError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "chats")
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	// replace the directory with a plain file so nothing can be written under it
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("blocker"), 0o644))

	err = st.Save(session.New("chat_1", "sys"))
	require.ErrorIs(t, err, ErrIO)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "save", ioErr.Op)
}

func TestOpen_Kinds(t *testing.T) {
	dir := t.TempDir()

	fs, err := Open(KindFile, dir, nil)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, fs)

	db, err := Open(KindSQLite, dir, nil)
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, db)
	require.NoError(t, db.Close())

	_, err = Open("redis", dir, nil)
	require.Error(t, err)
}

func TestOpenSQLite_NotADatabaseIsIOError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codechat.db")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("this is not sqlite\n", 20)), 0o644))

	_, err := OpenSQLite(path, nil)
	require.ErrorIs(t, err, ErrIO)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
}
