package telegram

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"quill/pkg/model"
)

// Phase is a coarse activity the bot is engaged in. Each maps to a platform
// chat action, refined by the file kind being handled.
type Phase int

const (
	PhaseGenerating Phase = iota
	PhaseProcessing
	PhaseDownloading
	PhaseUploading
	PhaseSearching
)

// Higher priority wins when several scopes are active at once. Uploading a
// file is more informative than the generic typing indicator behind it.
var phasePriority = map[Phase]int{
	PhaseGenerating:  10,
	PhaseSearching:   20,
	PhaseProcessing:  30,
	PhaseDownloading: 40,
	PhaseUploading:   50,
}

// ActionSender fires one ephemeral chat action. Satisfied by *Client.
type ActionSender interface {
	SendChatAction(chatID int64, topicID int, action string) error
}

type actionScope struct {
	id       string
	phase    Phase
	kind     model.FileKind
	priority int
}

// ChatActionManager keeps Telegram's ephemeral presence indicator alive for
// one (chat, topic). Callers push a scope while an activity runs and pop it
// when done; a single refresher re-sends whatever the highest-priority scope
// resolves to every few seconds.
type ChatActionManager struct {
	sender  ActionSender
	chatID  int64
	topicID int
	refresh time.Duration

	mu     sync.Mutex
	scopes []actionScope
	stop   chan struct{}
}

func NewChatActionManager(sender ActionSender, chatID int64, topicID int, refresh time.Duration) *ChatActionManager {
	return &ChatActionManager{
		sender:  sender,
		chatID:  chatID,
		topicID: topicID,
		refresh: refresh,
	}
}

// Push activates a scope and returns its id for Pop. The action fires
// immediately and then keeps refreshing.
func (m *ChatActionManager) Push(phase Phase, kind model.FileKind) string {
	m.mu.Lock()
	id := uuid.NewString()
	m.scopes = append(m.scopes, actionScope{
		id:       id,
		phase:    phase,
		kind:     kind,
		priority: phasePriority[phase],
	})
	action := m.topActionLocked()
	m.startRefresherLocked()
	m.mu.Unlock()

	_ = m.sender.SendChatAction(m.chatID, m.topicID, action)
	return id
}

// Pop removes a scope by id. Out-of-order pops are fine; popping the last
// scope stops the refresher and lets the indicator expire on its own.
func (m *ChatActionManager) Pop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.scopes {
		if s.id == id {
			m.scopes = append(m.scopes[:i], m.scopes[i+1:]...)
			break
		}
	}
	if len(m.scopes) == 0 && m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Active reports whether any scope is live.
func (m *ChatActionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes) > 0
}

func (m *ChatActionManager) topActionLocked() string {
	top := m.scopes[0]
	for _, s := range m.scopes[1:] {
		if s.priority >= top.priority {
			top = s
		}
	}
	return resolveAction(top.phase, top.kind)
}

func (m *ChatActionManager) startRefresherLocked() {
	if m.stop != nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop

	go func() {
		ticker := time.NewTicker(m.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				if len(m.scopes) == 0 {
					m.mu.Unlock()
					return
				}
				action := m.topActionLocked()
				m.mu.Unlock()
				_ = m.sender.SendChatAction(m.chatID, m.topicID, action)
			}
		}
	}()
}

// resolveAction maps a phase and file kind to a Telegram chat action string.
func resolveAction(phase Phase, kind model.FileKind) string {
	switch phase {
	case PhaseUploading:
		switch kind {
		case model.FileKindImage:
			return "upload_photo"
		case model.FileKindAudio:
			return "upload_voice"
		case model.FileKindVideo:
			return "upload_video"
		default:
			return "upload_document"
		}
	case PhaseDownloading, PhaseProcessing:
		if kind == model.FileKindAudio {
			return "record_voice"
		}
		return "typing"
	default:
		return "typing"
	}
}

// ActionRegistry hands out one manager per (chat, topic) and drops managers
// whose scope stack has emptied, so idle chats do not accumulate state.
type ActionRegistry struct {
	sender  ActionSender
	refresh time.Duration

	mu       sync.Mutex
	managers map[actionKey]*ChatActionManager
}

type actionKey struct {
	chatID  int64
	topicID int
}

func NewActionRegistry(sender ActionSender, refresh time.Duration) *ActionRegistry {
	return &ActionRegistry{
		sender:   sender,
		refresh:  refresh,
		managers: make(map[actionKey]*ChatActionManager),
	}
}

// For returns the manager for a chat and topic, creating it on first use.
func (r *ActionRegistry) For(chatID int64, topicID int) *ChatActionManager {
	key := actionKey{chatID: chatID, topicID: topicID}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Opportunistic sweep of idle managers.
	for k, m := range r.managers {
		if k != key && !m.Active() {
			delete(r.managers, k)
		}
	}

	m, ok := r.managers[key]
	if !ok {
		m = NewChatActionManager(r.sender, chatID, topicID, r.refresh)
		r.managers[key] = m
	}
	return m
}
