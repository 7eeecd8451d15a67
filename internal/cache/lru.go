package cache

import (
	"container/list"
	"sync"
	"time"
)

// lru is the in-process fallback tier: TTL semantics identical to the
// primary, eviction by recency under a hard byte ceiling.
type lru struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type lruEntry struct {
	key string
	val []byte
	exp time.Time
}

func newLRU(maxBytes int64) *lru {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &lru{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (l *lru) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if time.Now().After(e.exp) {
		l.removeLocked(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return e.val, true
}

func (l *lru) set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		l.removeLocked(el)
	}
	e := &lruEntry{key: key, val: append([]byte(nil), val...), exp: time.Now().Add(ttl)}
	l.entries[key] = l.order.PushFront(e)
	l.bytes += int64(len(e.val))

	for l.bytes > l.maxBytes {
		back := l.order.Back()
		if back == nil {
			break
		}
		l.removeLocked(back)
	}
}

func (l *lru) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.Init()
	l.entries = make(map[string]*list.Element)
	l.bytes = 0
}

func (l *lru) removeLocked(el *list.Element) {
	e := el.Value.(*lruEntry)
	l.order.Remove(el)
	delete(l.entries, e.key)
	l.bytes -= int64(len(e.val))
}
