package agent

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/pkg/llm"
	"quill/pkg/model"
	"quill/pkg/telegram"
	"quill/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func message(t *testing.T, raw string) *anthropic.BetaMessage {
	t.Helper()
	var msg anthropic.BetaMessage
	require.NoError(t, json.UnmarshalFromString(raw, &msg))
	return &msg
}

func endTurnMessage(t *testing.T, text string) *anthropic.BetaMessage {
	return message(t, `{
		"role": "assistant", "stop_reason": "end_turn",
		"content": [{"type": "text", "text": "`+text+`"}],
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`)
}

func toolUseMessage(t *testing.T, toolName string) *anthropic.BetaMessage {
	return message(t, `{
		"role": "assistant", "stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "using a tool"},
			{"type": "tool_use", "id": "tu_1", "name": "`+toolName+`", "input": {}}
		],
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`)
}

// step is one scripted stream iteration: deltas delivered, then the message
// (or error) returned.
type step struct {
	deltas  []string
	msg     *anthropic.BetaMessage
	err     error
	cancels bool // flip the generation's cancel flag mid-stream
}

type fakeStreamer struct {
	steps []step
	calls int
	gen   *Generation
}

func (f *fakeStreamer) Stream(ctx context.Context, params anthropic.BetaMessageNewParams, events llm.StreamEvents, cancelled func() bool) (*anthropic.BetaMessage, error) {
	if f.calls >= len(f.steps) {
		panic("unexpected extra stream call")
	}
	s := f.steps[f.calls]
	f.calls++

	for _, d := range s.deltas {
		events.TextDelta(d)
		if s.cancels && f.gen != nil {
			f.gen.Cancel("user_stop")
		}
		if cancelled() {
			return nil, llm.ErrCancelled
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.msg, nil
}

type fakeDrafts struct {
	updates   []string
	finals    []string
	commits   []string
	closed    bool
	finalized bool
}

func (f *fakeDrafts) Update(text string, force bool) { f.updates = append(f.updates, text) }

func (f *fakeDrafts) Finalize(finalText string) (int, error) {
	f.finals = append(f.finals, finalText)
	f.finalized = true
	return 500 + len(f.finals), nil
}

func (f *fakeDrafts) CommitAndCreateNew(finalText string) (int, error) {
	f.commits = append(f.commits, finalText)
	return 600 + len(f.commits), nil
}

func (f *fakeDrafts) Close()          { f.closed = true }
func (f *fakeDrafts) SentIDs() []int  { return nil }

type fakeActions struct {
	pushes []telegram.Phase
	pops   int
}

func (f *fakeActions) Push(phase telegram.Phase, kind model.FileKind) string {
	f.pushes = append(f.pushes, phase)
	return "scope"
}

func (f *fakeActions) Pop(id string) { f.pops++ }

type fakeExecutor struct {
	batches []tools.BatchResult
	calls   int
	gotten  [][]llm.PendingTool
	onFile  *tools.ExecResult // fired through onFileReady when set
	cancel  func()            // invoked mid-batch when set
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, pending []llm.PendingTool, cancelled func() bool, onFileReady func(tools.ExecResult)) tools.BatchResult {
	f.gotten = append(f.gotten, pending)
	batch := f.batches[f.calls]
	f.calls++
	if f.cancel != nil {
		f.cancel()
	}
	if f.onFile != nil && onFileReady != nil {
		onFileReady(*f.onFile)
	}
	return batch
}

func newOrchestrator(streamer Streamer, executor BatchExecutor) *Orchestrator {
	return NewOrchestrator(streamer, executor, 5, 8192, 0, false)
}

func baseRequest(drafts *fakeDrafts, actions *fakeActions, gen *Generation) Request {
	return Request{
		ModelID:      "claude-sonnet-4-5",
		System:       "be helpful",
		Conversation: []anthropic.BetaMessageParam{anthropic.NewBetaUserMessage(anthropic.NewBetaTextBlock("hi"))},
		Drafts:       drafts,
		Actions:      actions,
		Gen:          gen,
	}
}

func TestStreamSingleIteration(t *testing.T) {
	drafts := &fakeDrafts{}
	actions := &fakeActions{}
	streamer := &fakeStreamer{steps: []step{
		{deltas: []string{"Hello", " there"}, msg: endTurnMessage(t, "Hello there")},
	}}

	o := newOrchestrator(streamer, &fakeExecutor{})
	result, err := o.Stream(context.Background(), baseRequest(drafts, actions, NewRegistry().Begin(1, 0, 7)))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.False(t, result.WasCancelled)
	assert.False(t, result.NeedsContinuation)
	assert.Equal(t, "Hello there", result.Text)
	assert.NotEmpty(t, drafts.updates, "draft mirrored the deltas")
	assert.Equal(t, []string{"Hello there"}, drafts.finals)
	assert.True(t, drafts.closed, "draft scope released")
	assert.Len(t, result.Conversation, 2, "captured message appended")
	assert.NotEmpty(t, result.ContentBlob)
	assert.Equal(t, int64(100), result.Usage.InputTokens)
}

func TestStreamToolLoop(t *testing.T) {
	drafts := &fakeDrafts{}
	actions := &fakeActions{}
	streamer := &fakeStreamer{steps: []step{
		{deltas: []string{"using a tool"}, msg: toolUseMessage(t, "lookup")},
		{deltas: []string{"final answer"}, msg: endTurnMessage(t, "final answer")},
	}}
	executor := &fakeExecutor{batches: []tools.BatchResult{
		{Results: []tools.ExecResult{{ToolID: "tu_1", Name: "lookup", Output: "found it"}}},
	}}

	o := newOrchestrator(streamer, executor)
	result, err := o.Stream(context.Background(), baseRequest(drafts, actions, NewRegistry().Begin(1, 0, 7)))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Iterations)
	require.Len(t, executor.gotten, 1)
	assert.Equal(t, "lookup", executor.gotten[0][0].Name)

	// initial user + assistant(tool_use) + tool results + final assistant
	assert.Len(t, result.Conversation, 4)
	assert.Len(t, result.ToolCalls, 1)
	assert.Equal(t, int64(200), result.Usage.InputTokens, "usage summed over iterations")
	assert.Equal(t, []telegram.Phase{telegram.PhaseGenerating, telegram.PhaseProcessing, telegram.PhaseGenerating}, actions.pushes)
	assert.Equal(t, 3, actions.pops)
}

func TestStreamCancellation(t *testing.T) {
	gen := NewRegistry().Begin(1, 0, 7)
	drafts := &fakeDrafts{}
	streamer := &fakeStreamer{gen: gen, steps: []step{
		{deltas: []string{"partial ", "answer"}, cancels: true},
	}}

	o := newOrchestrator(streamer, &fakeExecutor{})
	result, err := o.Stream(context.Background(), baseRequest(drafts, &fakeActions{}, gen))
	require.NoError(t, err)

	assert.True(t, result.WasCancelled)
	assert.Equal(t, "user_stop", result.CancellationReason)
	require.NotEmpty(t, drafts.finals)
	assert.Contains(t, drafts.finals[0], "interrupted")
	assert.Contains(t, drafts.finals[0], "partial")
}

func TestStreamCancelBetweenIterations(t *testing.T) {
	gen := NewRegistry().Begin(1, 0, 7)
	drafts := &fakeDrafts{}
	streamer := &fakeStreamer{steps: []step{
		{deltas: []string{"using a tool"}, msg: toolUseMessage(t, "lookup")},
	}}
	executor := &fakeExecutor{
		batches: []tools.BatchResult{
			{Results: []tools.ExecResult{{ToolID: "tu_1", Name: "lookup", Output: "found"}}},
		},
		cancel: func() { gen.Cancel("user_stop") },
	}

	o := newOrchestrator(streamer, executor)
	result, err := o.Stream(context.Background(), baseRequest(drafts, &fakeActions{}, gen))
	require.NoError(t, err)

	assert.True(t, result.WasCancelled)
	assert.Equal(t, "user_stop", result.CancellationReason)
	assert.Equal(t, 1, streamer.calls, "no new call once the turn is stopped")
}

func TestStreamTurnBreak(t *testing.T) {
	drafts := &fakeDrafts{}
	streamer := &fakeStreamer{steps: []step{
		{deltas: []string{"making a file"}, msg: toolUseMessage(t, "deliver_file")},
	}}
	fileRes := tools.ExecResult{ToolID: "tu_1", Name: "deliver_file", Output: "delivered", FileName: "out.txt", FileBytes: []byte("x"), TurnBreak: true}
	executor := &fakeExecutor{
		batches: []tools.BatchResult{{Results: []tools.ExecResult{fileRes}, TurnBreak: true}},
		onFile:  &fileRes,
	}

	var delivered []string
	req := baseRequest(drafts, &fakeActions{}, NewRegistry().Begin(1, 0, 7))
	req.OnFile = func(res tools.ExecResult) { delivered = append(delivered, res.FileName) }

	o := newOrchestrator(streamer, executor)
	result, err := o.Stream(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.NeedsContinuation)
	assert.True(t, result.HasDeliveredFiles)
	assert.Equal(t, []string{"out.txt"}, delivered)
	require.Len(t, drafts.commits, 1, "text committed before the file went out")
	assert.Contains(t, drafts.commits[0], "making a file")
	assert.Len(t, result.Conversation, 3, "assistant and tool results retained for continuation")
}

func TestStreamServerToolsOnlyContinues(t *testing.T) {
	serverOnly := message(t, `{
		"role": "assistant", "stop_reason": "tool_use",
		"content": [{"type": "server_tool_use", "id": "tu_s", "name": "web_search", "input": {}}],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	drafts := &fakeDrafts{}
	streamer := &fakeStreamer{steps: []step{
		{msg: serverOnly},
		{deltas: []string{"searched answer"}, msg: endTurnMessage(t, "searched answer")},
	}}
	executor := &fakeExecutor{}

	o := newOrchestrator(streamer, executor)
	result, err := o.Stream(context.Background(), baseRequest(drafts, &fakeActions{}, NewRegistry().Begin(1, 0, 7)))
	require.NoError(t, err)

	assert.Zero(t, executor.calls, "nothing to execute client-side")
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, "searched answer", result.Text)
}

func TestStreamIterationCap(t *testing.T) {
	loop := make([]step, 5)
	batches := make([]tools.BatchResult, 5)
	for i := range loop {
		loop[i] = step{msg: toolUseMessage(t, "lookup")}
		batches[i] = tools.BatchResult{Results: []tools.ExecResult{{ToolID: "tu_1", Name: "lookup", Output: "again"}}}
	}

	drafts := &fakeDrafts{}
	o := newOrchestrator(&fakeStreamer{steps: loop}, &fakeExecutor{batches: batches})
	result, err := o.Stream(context.Background(), baseRequest(drafts, &fakeActions{}, NewRegistry().Begin(1, 0, 7)))
	require.NoError(t, err)

	assert.Equal(t, 5, result.Iterations)
	require.NotEmpty(t, drafts.finals)
	assert.Contains(t, drafts.finals[0], "too many consecutive tool calls")
}

func TestStreamErrorPropagates(t *testing.T) {
	drafts := &fakeDrafts{}
	streamer := &fakeStreamer{steps: []step{{err: assert.AnError}}}

	o := newOrchestrator(streamer, &fakeExecutor{})
	_, err := o.Stream(context.Background(), baseRequest(drafts, &fakeActions{}, NewRegistry().Begin(1, 0, 7)))

	assert.Error(t, err)
	assert.True(t, drafts.closed, "draft released on the error path")
}

func TestRegistryStopAndSupersede(t *testing.T) {
	r := NewRegistry()

	gen := r.Begin(1, 0, 7)
	assert.False(t, gen.Cancelled())
	assert.True(t, r.Stop(1, 0, 7, "user_stop"))
	assert.True(t, gen.Cancelled())
	assert.Equal(t, "user_stop", gen.Reason())

	gen.End()
	assert.False(t, r.Stop(1, 0, 7, "user_stop"), "nothing active after End")

	first := r.Begin(2, 0, 7)
	second := r.Begin(2, 0, 7)
	assert.True(t, first.Cancelled(), "older generation superseded")
	assert.False(t, second.Cancelled())
	second.End()
}
