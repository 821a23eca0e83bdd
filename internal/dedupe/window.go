// ABOUTME: Bounded TTL window of recently seen keys
// ABOUTME: Lets bus consumers ignore a request id they have already acted on

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Window remembers keys for ttl, holding at most limit of them. Every key has
// the same lifetime, so insertion order is also expiry order and pruning
// only ever looks at the front of the list.
type Window struct {
	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List
	ttl   time.Duration
	limit int
	now   func() time.Time
}

// New creates a Window. limit <= 0 means unbounded.
func New(ttl time.Duration, limit int) *Window {
	return &Window{
		keys:  make(map[string]*list.Element),
		order: list.New(),
		ttl:   ttl,
		limit: limit,
		now:   time.Now,
	}
}

// Seen reports whether key was recorded within the window, recording it if
// not. The check and the record happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if _, ok := w.keys[key]; ok {
		return true
	}

	if w.limit > 0 && w.order.Len() >= w.limit {
		w.removeLocked(w.order.Front())
	}
	w.keys[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns how many unexpired keys are held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return w.order.Len()
}

func (w *Window) pruneLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*entry).seen) < w.ttl {
			return
		}
		w.removeLocked(front)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.keys, el.Value.(*entry).key)
}
