package karma

import (
	"container/list"
	"sync"
)

type msgKey struct {
	chat, msg int64
}

type authorEntry struct {
	key    msgKey
	author int64
}

// authorCache is a bounded LRU of message authors in front of the
// message_authors table.
type authorCache struct {
	mu    sync.Mutex
	limit int
	ll    *list.List
	items map[msgKey]*list.Element
}

func newAuthorCache(limit int) *authorCache {
	return &authorCache{limit: limit, ll: list.New(), items: make(map[msgKey]*list.Element)}
}

func (c *authorCache) put(k msgKey, author int64) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		return
	}
	c.items[k] = c.ll.PushFront(&authorEntry{key: k, author: author})
	for c.ll.Len() > c.limit {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*authorEntry).key)
	}
}

func (c *authorCache) get(k msgKey) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*authorEntry).author, true
}

func (c *authorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
