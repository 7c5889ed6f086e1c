// Package cache implements a bounded, in-memory, FIFO-evicted response
// cache. There is no disk persistence and nothing survives a restart.
package cache

import (
	"container/list"
	"sync"
)

// Entry is a cached response body and its headers.
type Entry struct {
	Body    []byte
	Headers map[string]string
}

// Cache is a bounded FIFO cache keyed by request URL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = oldest insertion, back = newest
}

type node struct {
	key   string
	entry Entry
}

// New returns a Cache that holds at most capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached entry for url, if present.
func (c *Cache) Get(url string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[url]
	if !ok {
		return Entry{}, false
	}
	return elem.Value.(*node).entry, true
}

// Save stores body and headers under url. If url is already present its
// prior position in FIFO order is dropped and the new write is inserted at
// the back, so an overwrite counts as a fresh insertion for eviction
// purposes (see DESIGN.md Open Question 1).
func (c *Cache) Save(url string, body []byte, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[url]; ok {
		c.order.Remove(elem)
		delete(c.entries, url)
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*node).key)
		}
	}

	elem := c.order.PushBack(&node{key: url, entry: Entry{Body: body, Headers: headers}})
	c.entries[url] = elem
}

// Size returns the current number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
