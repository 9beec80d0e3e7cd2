// Package batch coalesces rapid message bursts per thread before they reach
// the orchestrator. A picture followed by its caption, or an album with a
// question, becomes one LLM turn instead of several.
package batch

import (
	"sync"
	"time"

	"quill/pkg/model"
)

type threadKey struct {
	chatID  int64
	topicID int
	userID  int64
}

type pendingBatch struct {
	messages []model.ProcessedMessage
	timer    *time.Timer
}

// Coordinator debounces processed messages per thread: the first arrival
// opens a window, later arrivals join it, and when the window closes the
// whole batch is emitted atomically.
type Coordinator struct {
	window time.Duration
	emit   func(batch []model.ProcessedMessage)

	mu      sync.Mutex
	pending map[threadKey]*pendingBatch
}

func NewCoordinator(window time.Duration, emit func(batch []model.ProcessedMessage)) *Coordinator {
	return &Coordinator{
		window:  window,
		emit:    emit,
		pending: make(map[threadKey]*pendingBatch),
	}
}

// Add queues a message into its thread's window, opening one if needed.
func (c *Coordinator) Add(msg model.ProcessedMessage) {
	key := threadKey{chatID: msg.ChatID, topicID: msg.TopicID, userID: msg.UserID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if buf, ok := c.pending[key]; ok {
		buf.messages = append(buf.messages, msg)
		return
	}

	buf := &pendingBatch{messages: []model.ProcessedMessage{msg}}
	c.pending[key] = buf
	buf.timer = time.AfterFunc(c.window, func() {
		c.flush(key)
	})
}

// Flush closes every open window immediately. Used on shutdown so queued
// messages are not lost.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	keys := make([]threadKey, 0, len(c.pending))
	for key, buf := range c.pending {
		buf.timer.Stop()
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.flush(key)
	}
}

// PendingCount reports how many windows are open.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) flush(key threadKey) {
	c.mu.Lock()
	buf, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	c.emit(buf.messages)
}
