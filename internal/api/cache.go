package api

import (
	"sync"
	"time"
)

// previewCache memoizes the chat-list projection for a short window. It is
// owned by the API instance, never shared process-wide, and is invalidated
// explicitly by every handler that mutates conversation state; the TTL
// bounds staleness from realtime merges that bypass the handlers.
type previewCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	fetchedAt time.Time
	chats     []chatDTO
}

func newPreviewCache(ttl time.Duration) *previewCache {
	return &previewCache{ttl: ttl}
}

func (c *previewCache) get() ([]chatDTO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chats == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.chats, true
}

func (c *previewCache) put(chats []chatDTO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = chats
	c.fetchedAt = time.Now()
}

// Invalidate drops the cached projection; the next read refetches.
func (c *previewCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = nil
}
