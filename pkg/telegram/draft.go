package telegram

import (
	"log/slog"
	"sync"
	"time"
)

// Transport is the slice of Client the draft machinery uses. Split out so
// tests can drive the streamer without a live bot.
type Transport interface {
	Send(chatID int64, topicID int, text string, markdown bool) (int, error)
	Edit(chatID int64, messageID int, text string, markdown bool) error
	Delete(chatID int64, messageID int) error
	MessageLimit() int
}

// DraftStreamer presents model output incrementally by editing a placeholder
// message in place. Updates are throttled to one edit per MinUpdateInterval;
// text arriving between edits is kept as pending and flushed by the keepalive
// tick, so the visible draft never lags more than one interval behind.
type DraftStreamer struct {
	transport      Transport
	chatID         int64
	topicID        int
	minInterval    time.Duration
	keepaliveEvery time.Duration
	now            func() time.Time

	mu            sync.Mutex
	messageID     int
	lastSent      string
	lastFlush     time.Time
	pending       string
	finalized     bool
	stopKeepalive chan struct{}
}

func NewDraftStreamer(t Transport, chatID int64, topicID int, minInterval, keepaliveEvery time.Duration) *DraftStreamer {
	return &DraftStreamer{
		transport:      t,
		chatID:         chatID,
		topicID:        topicID,
		minInterval:    minInterval,
		keepaliveEvery: keepaliveEvery,
		now:            time.Now,
	}
}

// Update reflects text in the draft. Without force the edit is sent only when
// the throttle interval has elapsed and the text actually changed; otherwise
// the text is remembered and superseded by later calls.
func (d *DraftStreamer) Update(text string, force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finalized {
		return
	}
	d.pending = text
	d.startKeepaliveLocked()

	if force || (d.now().Sub(d.lastFlush) >= d.minInterval && text != d.lastSent) {
		d.flushLocked(text)
	}
}

// Finalize converts the draft into its permanent form and returns the id of
// the last message holding the text. finalText, when non-empty, replaces the
// streamed text (tool markers are stripped from the permanent rendering).
// Text over the platform limit is split across follow-up messages.
func (d *DraftStreamer) Finalize(finalText string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopKeepaliveLocked()
	if d.finalized {
		return d.messageID, nil
	}
	d.finalized = true

	text := finalText
	if text == "" {
		text = d.pending
	}
	if text == "" {
		text = d.lastSent
	}
	if text == "" {
		return d.messageID, nil
	}

	chunks := Split(text, d.transport.MessageLimit())

	lastID := d.messageID
	if d.messageID == 0 {
		id, err := d.transport.Send(d.chatID, d.topicID, chunks[0], true)
		if err != nil {
			return 0, err
		}
		lastID = id
	} else if chunks[0] != d.lastSent {
		if err := d.transport.Edit(d.chatID, d.messageID, chunks[0], true); err != nil {
			return d.messageID, err
		}
	}

	for _, chunk := range chunks[1:] {
		id, err := d.transport.Send(d.chatID, d.topicID, chunk, true)
		if err != nil {
			return lastID, err
		}
		lastID = id
	}
	return lastID, nil
}

// Clear abandons the draft: the keepalive stops and the placeholder message,
// if one was sent, is removed so no partial text lingers. Nothing new is
// written into the draft.
func (d *DraftStreamer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopKeepaliveLocked()
	if d.finalized {
		return
	}
	d.finalized = true

	if d.messageID != 0 {
		if err := d.transport.Delete(d.chatID, d.messageID); err != nil {
			slog.Warn("Draft cleanup delete failed", "chat_id", d.chatID, "error", err)
		}
	}
}

// Finalized reports whether the draft has been committed or cleared.
func (d *DraftStreamer) Finalized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized
}

// MessageID returns the placeholder message id, 0 before the first flush.
func (d *DraftStreamer) MessageID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageID
}

func (d *DraftStreamer) flushLocked(text string) {
	text = Truncate(text, d.transport.MessageLimit())
	if text == "" || text == d.lastSent {
		return
	}

	if d.messageID == 0 {
		id, err := d.transport.Send(d.chatID, d.topicID, text, true)
		if err != nil {
			slog.Warn("Draft send failed", "chat_id", d.chatID, "error", err)
			return
		}
		d.messageID = id
	} else if err := d.transport.Edit(d.chatID, d.messageID, text, true); err != nil {
		slog.Warn("Draft edit failed", "chat_id", d.chatID, "error", err)
		return
	}
	d.lastSent = text
	d.lastFlush = d.now()
}

// startKeepaliveLocked launches the periodic flusher once. The tick drains
// pending text that arrived inside a throttle window, so a burst of deltas
// followed by silence still reaches the screen.
func (d *DraftStreamer) startKeepaliveLocked() {
	if d.stopKeepalive != nil || d.keepaliveEvery <= 0 {
		return
	}
	stop := make(chan struct{})
	d.stopKeepalive = stop

	go func() {
		ticker := time.NewTicker(d.keepaliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.mu.Lock()
				if !d.finalized && d.pending != d.lastSent {
					d.flushLocked(d.pending)
				}
				d.mu.Unlock()
			}
		}
	}()
}

func (d *DraftStreamer) stopKeepaliveLocked() {
	if d.stopKeepalive != nil {
		close(d.stopKeepalive)
		d.stopKeepalive = nil
	}
}

// DraftManager owns the streamer for one response and survives mid-turn
// commits: when a tool is about to emit a file, the accumulated text is
// committed as a permanent message and a fresh draft begins for what follows.
type DraftManager struct {
	transport      Transport
	chatID         int64
	topicID        int
	minInterval    time.Duration
	keepaliveEvery time.Duration

	mu      sync.Mutex
	current *DraftStreamer
	sentIDs []int
}

func NewDraftManager(t Transport, chatID int64, topicID int, minInterval, keepaliveEvery time.Duration) *DraftManager {
	return &DraftManager{
		transport:      t,
		chatID:         chatID,
		topicID:        topicID,
		minInterval:    minInterval,
		keepaliveEvery: keepaliveEvery,
	}
}

// Current returns the active streamer, creating one on first use.
func (m *DraftManager) Current() *DraftStreamer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		m.current = NewDraftStreamer(m.transport, m.chatID, m.topicID, m.minInterval, m.keepaliveEvery)
	}
	return m.current
}

// Update forwards to the active streamer, creating it on first use.
func (m *DraftManager) Update(text string, force bool) {
	m.Current().Update(text, force)
}

// CommitAndCreateNew finalizes the active draft with finalText and starts a
// fresh one for the next segment.
func (m *DraftManager) CommitAndCreateNew(finalText string) (int, error) {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	var id int
	var err error
	if cur != nil {
		id, err = cur.Finalize(finalText)
		if id != 0 {
			m.mu.Lock()
			m.sentIDs = append(m.sentIDs, id)
			m.mu.Unlock()
		}
	}
	return id, err
}

// Finalize commits the active draft and records the permanent message id.
func (m *DraftManager) Finalize(finalText string) (int, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur == nil {
		return 0, nil
	}
	id, err := cur.Finalize(finalText)
	if id != 0 {
		m.mu.Lock()
		m.sentIDs = append(m.sentIDs, id)
		m.mu.Unlock()
	}
	return id, err
}

// Close releases the draft unconditionally. Safe after Finalize; a draft
// still live at this point is cleared, never leaked.
func (m *DraftManager) Close() {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur != nil && !cur.Finalized() {
		cur.Clear()
	}
}

// SentIDs lists permanent message ids committed through this manager.
func (m *DraftManager) SentIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sentIDs...)
}
