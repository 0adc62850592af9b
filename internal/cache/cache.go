package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"CodeChat/internal/session"
)

// CachedResponse represents a cached backend reply
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Cache holds replies keyed by request, each valid for ttl.
type Cache struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache. A ttl of zero keeps entries forever.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// GenerateCacheKey generates a cache key from the model, its parameters and
// the messages. Fields are length-prefixed so adjacent values cannot run into
// each other.
func GenerateCacheKey(model, params string, messages []session.Message) string {
	h := sha256.New()
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(model)
	write(params)
	for _, msg := range messages {
		write(string(msg.Role))
		write(msg.Content)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns a live entry.
func (c *Cache) Get(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

// Put stores a reply.
func (c *Cache) Put(key, response string) {
	c.entries.Store(key, CachedResponse{Response: response, Timestamp: c.now()})
}
