package cache

import (
	"sync"
	"time"
)

// hotEntry is a doubly-linked list node of the hot tier.
type hotEntry struct {
	key     string
	value   []byte
	expires time.Time
	prev    *hotEntry
	next    *hotEntry
}

// hotTier is a bounded in-memory LRU with per-entry expiry.
type hotTier struct {
	mu       sync.Mutex
	entries  map[string]*hotEntry
	head     *hotEntry // Most recently used.
	tail     *hotEntry // Least recently used.
	capacity int
}

func newHotTier(capacity int) *hotTier {
	return &hotTier{
		entries:  make(map[string]*hotEntry, capacity),
		capacity: capacity,
	}
}

func (h *hotTier) get(key string, now time.Time) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[key]
	if !ok {
		return nil, false
	}

	if !entry.expires.IsZero() && !now.Before(entry.expires) {
		h.unlink(entry)
		delete(h.entries, key)

		return nil, false
	}

	h.moveToFront(entry)

	return entry.value, true
}

func (h *hotTier) put(key string, value []byte, expires time.Time) {
	if h.capacity <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if entry, ok := h.entries[key]; ok {
		entry.value = value
		entry.expires = expires
		h.moveToFront(entry)

		return
	}

	for len(h.entries) >= h.capacity && h.tail != nil {
		evicted := h.tail
		h.unlink(evicted)
		delete(h.entries, evicted.key)
	}

	entry := &hotEntry{key: key, value: value, expires: expires}
	h.entries[key] = entry
	h.addToFront(entry)
}

func (h *hotTier) remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[key]
	if !ok {
		return
	}

	h.unlink(entry)
	delete(h.entries, key)
}

func (h *hotTier) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.entries)
}

func (h *hotTier) addToFront(entry *hotEntry) {
	entry.prev = nil
	entry.next = h.head

	if h.head != nil {
		h.head.prev = entry
	}

	h.head = entry

	if h.tail == nil {
		h.tail = entry
	}
}

func (h *hotTier) unlink(entry *hotEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		h.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		h.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}

func (h *hotTier) moveToFront(entry *hotEntry) {
	if h.head == entry {
		return
	}

	h.unlink(entry)
	h.addToFront(entry)
}
