package session

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_StartsWithSystemMessage(t *testing.T) {
	s := New("chat_1", "be brief")
	require.Len(t, s.Messages, 1)
	prompt, ok := s.SystemPrompt()
	require.True(t, ok)
	require.Equal(t, "be brief", prompt)
	require.False(t, s.HasTurns())
	require.Empty(t, s.Transcript())
}

func TestClone_IsIndependent(t *testing.T) {
	s := New("chat_1", "sys")
	s.Append(RoleUser, "hi")

	c := s.Clone()
	c.Append(RoleAssistant, "hello")
	c.Messages[1].Content = "changed"

	require.Len(t, s.Messages, 2)
	require.Equal(t, "hi", s.Messages[1].Content)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		err      error
	}{
		{name: "empty"},
		{name: "system first", messages: []Message{{RoleSystem, "s"}, {RoleUser, "u"}, {RoleAssistant, "a"}}},
		{name: "no system", messages: []Message{{RoleUser, "u"}}},
		{name: "second system", messages: []Message{{RoleSystem, "s"}, {RoleSystem, "t"}}, err: ErrMultipleSystem},
		{name: "late system", messages: []Message{{RoleUser, "u"}, {RoleSystem, "s"}}, err: ErrMisplacedSystem},
		{name: "bad role", messages: []Message{{Role: "tool", Content: "x"}}, err: ErrUnknownRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.messages)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidateID(t *testing.T) {
	require.NoError(t, ValidateID("chat_0001"))
	require.ErrorIs(t, ValidateID(""), ErrEmptySessionID)
	require.ErrorIs(t, ValidateID("../etc"), ErrInvalidSessionID)
	require.ErrorIs(t, ValidateID(`a\b`), ErrInvalidSessionID)
}

func TestIDGenerator_MonotonicUnderFrozenClock(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	g := &IDGenerator{now: func() time.Time { return frozen }}

	ids := make([]string, 0, 50)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids = append(ids, id)
	}
	require.True(t, sort.StringsAreSorted(ids))
}

func TestIDGenerator_Format(t *testing.T) {
	g := NewIDGenerator()
	id := g.Next()
	require.Len(t, id, len(IDPrefix)+19)
	require.NoError(t, ValidateID(id))
}
