package backend

import (
	"context"
	"fmt"
	"log/slog"

	"CodeChat/internal/cache"
)

// Cached answers repeated identical requests from a response cache.
type Cached struct {
	next   Backend
	cache  *cache.Cache
	logger *slog.Logger
}

func NewCached(next Backend, c *cache.Cache, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: c, logger: logger}
}

func (c *Cached) Chat(ctx context.Context, req Request) (string, error) {
	key := cache.GenerateCacheKey(req.Model, fmt.Sprintf("%+v", req.Options), req.Messages)
	if reply, ok := c.cache.Get(key); ok {
		c.logger.Info("cache hit", "key", key[:16])
		return reply, nil
	}

	reply, err := c.next.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	c.cache.Put(key, reply)
	c.logger.Debug("cached response", "key", key[:16])
	return reply, nil
}

func (c *Cached) ListModels(ctx context.Context) ([]Model, error) {
	return ListModels(ctx, c.next)
}

var _ ModelLister = (*Cached)(nil)
