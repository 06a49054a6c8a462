package engine

import (
	"container/list"
	"sync"
	"time"
)

const defaultDedupeSize = 10000

// dedupe remembers recently seen event ids so platform redeliveries are
// dropped. Entries expire after ttl; the oldest entry is evicted when full.
type dedupe struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type dedupeEntry struct {
	key string
	at  time.Time
}

func newDedupe(ttl time.Duration, maxSize int, now func() time.Time) *dedupe {
	if maxSize <= 0 {
		maxSize = defaultDedupeSize
	}
	if now == nil {
		now = time.Now
	}

	return &dedupe{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// checkAndMark reports whether key was seen within ttl, marking it otherwise.
func (d *dedupe) checkAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if elem, ok := d.seen[key]; ok {
		if now.Sub(elem.Value.(*dedupeEntry).at) < d.ttl {
			return true
		}
		d.order.Remove(elem)
		delete(d.seen, key)
	}

	if len(d.seen) >= d.maxSize {
		if front := d.order.Front(); front != nil {
			d.order.Remove(front)
			delete(d.seen, front.Value.(*dedupeEntry).key)
		}
	}
	d.seen[key] = d.order.PushBack(&dedupeEntry{key: key, at: now})
	return false
}

// expireLocked drops expired entries from the front; insertion order is age order.
func (d *dedupe) expireLocked(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		entry := front.Value.(*dedupeEntry)
		if now.Sub(entry.at) < d.ttl {
			return
		}
		d.order.Remove(front)
		delete(d.seen, entry.key)
	}
}

func (d *dedupe) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
