// Package agent drives the LLM tool loop for one conversation turn and owns
// the cancellation registry behind the /stop command.
package agent

import (
	"sync"
	"sync/atomic"
)

type genKey struct {
	chatID  int64
	topicID int
	userID  int64
}

// Generation is the cancel handle of one in-flight turn.
type Generation struct {
	cancelled atomic.Bool
	reason    atomic.Value // string
	done      func()
}

// Cancelled reports whether the turn should stop at the next checkpoint.
func (g *Generation) Cancelled() bool {
	return g.cancelled.Load()
}

// Reason returns why the turn was cancelled, empty while it is live.
func (g *Generation) Reason() string {
	if r, ok := g.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Cancel flags the generation. The stream notices on its next event.
func (g *Generation) Cancel(reason string) {
	g.reason.Store(reason)
	g.cancelled.Store(true)
}

// End releases the registry slot. Safe to call more than once.
func (g *Generation) End() {
	if g.done != nil {
		g.done()
		g.done = nil
	}
}

// Registry tracks the active generation per (chat, topic, user) so /stop can
// find and flag it.
type Registry struct {
	mu     sync.Mutex
	active map[genKey]*Generation
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[genKey]*Generation)}
}

// Begin registers a new generation. An older generation on the same key is
// cancelled first; the newest turn wins.
func (r *Registry) Begin(chatID int64, topicID int, userID int64) *Generation {
	key := genKey{chatID: chatID, topicID: topicID, userID: userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.active[key]; ok {
		old.Cancel("superseded")
	}

	gen := &Generation{}
	gen.done = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.active[key] == gen {
			delete(r.active, key)
		}
	}
	r.active[key] = gen
	return gen
}

// Stop cancels the active generation for a key. Returns false when nothing
// was running.
func (r *Registry) Stop(chatID int64, topicID int, userID int64, reason string) bool {
	key := genKey{chatID: chatID, topicID: topicID, userID: userID}

	r.mu.Lock()
	gen, ok := r.active[key]
	r.mu.Unlock()

	if !ok {
		return false
	}
	gen.Cancel(reason)
	return true
}

// Active reports whether a generation is running for a key.
func (r *Registry) Active(chatID int64, topicID int, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[genKey{chatID: chatID, topicID: topicID, userID: userID}]
	return ok
}
