package cache

import (
	"testing"
	"time"

	"CodeChat/internal/session"

	"github.com/stretchr/testify/require"
)

func TestGenerateCacheKey(t *testing.T) {
	msgs := []session.Message{{Role: session.RoleUser, Content: "hi"}}

	a := GenerateCacheKey("llama3", "t=0.7", msgs)
	require.Equal(t, a, GenerateCacheKey("llama3", "t=0.7", msgs))
	require.NotEqual(t, a, GenerateCacheKey("mistral", "t=0.7", msgs))
	require.NotEqual(t, a, GenerateCacheKey("llama3", "t=0.2", msgs))

	// boundaries between fields matter
	split := []session.Message{{Role: session.RoleUser, Content: "ab"}, {Role: session.RoleUser, Content: "c"}}
	joined := []session.Message{{Role: session.RoleUser, Content: "a"}, {Role: session.RoleUser, Content: "bc"}}
	require.NotEqual(t, GenerateCacheKey("m", "", split), GenerateCacheKey("m", "", joined))
}

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(time.Minute)
	c.now = func() time.Time { return now }

	c.Put("k", "reply")
	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "reply", got)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(0)
	c.now = func() time.Time { return now }

	c.Put("k", "reply")
	now = now.Add(24 * time.Hour)
	_, ok := c.Get("k")
	require.True(t, ok)
}
