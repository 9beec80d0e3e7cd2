package telegram

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/model"
)

type fakeActionSender struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeActionSender) SendChatAction(chatID int64, topicID int, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeActionSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func TestActionManagerImmediateFire(t *testing.T) {
	sender := &fakeActionSender{}
	m := NewChatActionManager(sender, 1, 0, time.Hour)

	id := m.Push(PhaseGenerating, "")
	defer m.Pop(id)

	assert.Equal(t, []string{"typing"}, sender.snapshot())
}

func TestActionManagerPriority(t *testing.T) {
	sender := &fakeActionSender{}
	m := NewChatActionManager(sender, 1, 0, time.Hour)

	gen := m.Push(PhaseGenerating, "")
	up := m.Push(PhaseUploading, model.FileKindImage)

	actions := sender.snapshot()
	require.Len(t, actions, 2)
	assert.Equal(t, "upload_photo", actions[1], "uploading outranks typing")

	m.Pop(up)
	m.Pop(gen)
	assert.False(t, m.Active())
}

func TestActionManagerOutOfOrderPop(t *testing.T) {
	sender := &fakeActionSender{}
	m := NewChatActionManager(sender, 1, 0, time.Hour)

	a := m.Push(PhaseGenerating, "")
	b := m.Push(PhaseProcessing, "")

	m.Pop(a) // inner scope outlives outer
	assert.True(t, m.Active())
	m.Pop(b)
	assert.False(t, m.Active())

	m.Pop(b) // double pop is harmless
}

func TestActionManagerRefreshes(t *testing.T) {
	sender := &fakeActionSender{}
	m := NewChatActionManager(sender, 1, 0, 10*time.Millisecond)

	id := m.Push(PhaseGenerating, "")
	assert.Eventually(t, func() bool {
		return len(sender.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)
	m.Pop(id)
}

func TestResolveAction(t *testing.T) {
	assert.Equal(t, "typing", resolveAction(PhaseGenerating, ""))
	assert.Equal(t, "upload_voice", resolveAction(PhaseUploading, model.FileKindAudio))
	assert.Equal(t, "upload_video", resolveAction(PhaseUploading, model.FileKindVideo))
	assert.Equal(t, "upload_document", resolveAction(PhaseUploading, model.FileKindPDF))
	assert.Equal(t, "record_voice", resolveAction(PhaseProcessing, model.FileKindAudio))
	assert.Equal(t, "typing", resolveAction(PhaseSearching, ""))
}

func TestActionRegistrySweepsIdle(t *testing.T) {
	sender := &fakeActionSender{}
	r := NewActionRegistry(sender, time.Hour)

	m1 := r.For(1, 0)
	id := m1.Push(PhaseGenerating, "")

	same := r.For(1, 0)
	assert.Same(t, m1, same)

	m1.Pop(id)
	r.For(2, 0) // sweep drops the idle manager for chat 1

	fresh := r.For(1, 0)
	assert.NotSame(t, m1, fresh)
}
