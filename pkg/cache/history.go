// Package cache keeps hot conversation state out of Postgres: a read-through
// per-thread history cache and a short-TTL blob cache for downloaded media.
package cache

import (
	"container/list"
	"context"
	"sync"

	"quill/pkg/model"
)

// Loader fetches a thread's recent messages on cache miss.
type Loader func(ctx context.Context, threadID int64) ([]model.Message, error)

type historyEntry struct {
	threadID int64
	messages []model.Message
}

// History is a read-through cache of thread message lists, bounded to a fixed
// number of threads with LRU eviction. Appends go through the cache so a hot
// thread never re-reads Postgres between turns.
type History struct {
	mu      sync.Mutex
	load    Loader
	maxSize int
	order   *list.List
	entries map[int64]*list.Element
}

func NewHistory(load Loader, maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &History{
		load:    load,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[int64]*list.Element),
	}
}

// Get returns the cached history for a thread, loading it from the store on
// miss. The returned slice is shared; callers must not mutate it.
func (h *History) Get(ctx context.Context, threadID int64) ([]model.Message, error) {
	h.mu.Lock()
	if el, ok := h.entries[threadID]; ok {
		h.order.MoveToFront(el)
		msgs := el.Value.(*historyEntry).messages
		h.mu.Unlock()
		return msgs, nil
	}
	h.mu.Unlock()

	msgs, err := h.load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Another goroutine may have loaded meanwhile; last write wins, both
	// loads saw the same store state.
	h.put(threadID, msgs)
	return msgs, nil
}

// Append adds messages to a thread's cached history. A thread that is not
// cached is left alone; the next Get will pick the rows up from the store.
func (h *History) Append(threadID int64, msgs ...model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	el, ok := h.entries[threadID]
	if !ok {
		return
	}
	entry := el.Value.(*historyEntry)
	entry.messages = append(entry.messages, msgs...)
	h.order.MoveToFront(el)
}

// Invalidate drops a thread from the cache, e.g. after the user clears it.
func (h *History) Invalidate(threadID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if el, ok := h.entries[threadID]; ok {
		h.order.Remove(el)
		delete(h.entries, threadID)
	}
}

// Len reports how many threads are currently cached.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) put(threadID int64, msgs []model.Message) {
	if el, ok := h.entries[threadID]; ok {
		el.Value.(*historyEntry).messages = msgs
		h.order.MoveToFront(el)
		return
	}

	h.entries[threadID] = h.order.PushFront(&historyEntry{threadID: threadID, messages: msgs})
	for len(h.entries) > h.maxSize {
		oldest := h.order.Back()
		h.order.Remove(oldest)
		delete(h.entries, oldest.Value.(*historyEntry).threadID)
	}
}
