package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"

	"quill/pkg/llm"
	"quill/pkg/model"
	"quill/pkg/telegram"
	"quill/pkg/tools"
)

// Streamer opens one streaming LLM call. Satisfied by *llm.Client.
type Streamer interface {
	Stream(ctx context.Context, params anthropic.BetaMessageNewParams, events llm.StreamEvents, cancelled func() bool) (*anthropic.BetaMessage, error)
}

// BatchExecutor runs the client tools of one iteration. Satisfied by
// *tools.Executor.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, pending []llm.PendingTool, cancelled func() bool, onFileReady func(tools.ExecResult)) tools.BatchResult
}

// Drafts is the draft lifecycle the orchestrator drives. Satisfied by
// *telegram.DraftManager.
type Drafts interface {
	Update(text string, force bool)
	Finalize(finalText string) (int, error)
	CommitAndCreateNew(finalText string) (int, error)
	Close()
	SentIDs() []int
}

// Actions is the presence indicator surface. Satisfied by
// *telegram.ChatActionManager.
type Actions interface {
	Push(phase telegram.Phase, kind model.FileKind) string
	Pop(id string)
}

// Request is everything one turn needs: the conversation so far, the tool
// list, the UI surfaces and the cancellation probe.
type Request struct {
	ModelID      string
	System       string
	Conversation []anthropic.BetaMessageParam
	Tools        []anthropic.BetaToolUnionParam

	Drafts  Drafts
	Actions Actions
	Gen     *Generation

	// OnFile delivers a tool-produced file to the chat. Called after the
	// in-flight draft text has been committed, so ordering on screen holds.
	OnFile func(res tools.ExecResult)
}

// StreamResult is the outcome of one turn, possibly spanning several stream
// iterations of the tool loop.
type StreamResult struct {
	Text               string
	SentParts          []string
	Message            *anthropic.BetaMessage
	ContentBlob        []byte
	StopReason         string
	WasCancelled       bool
	CancellationReason string
	NeedsContinuation  bool
	Conversation       []anthropic.BetaMessageParam
	HasDeliveredFiles  bool
	Iterations         int
	Usage              anthropic.BetaUsage
	ToolCalls          []tools.ExecResult
}

// Orchestrator runs the streaming tool loop.
type Orchestrator struct {
	llm      Streamer
	executor BatchExecutor

	maxIterations   int
	maxOutputTokens int64
	thinkingBudget  int64
	showThinking    bool
}

func NewOrchestrator(streamer Streamer, executor BatchExecutor, maxIterations int, maxOutputTokens, thinkingBudget int64, showThinking bool) *Orchestrator {
	return &Orchestrator{
		llm:             streamer,
		executor:        executor,
		maxIterations:   maxIterations,
		maxOutputTokens: maxOutputTokens,
		thinkingBudget:  thinkingBudget,
		showThinking:    showThinking,
	}
}

const stopModelContextWindow = "model_context_window_exceeded"

// Stream runs the tool loop until a terminal stop reason, a cancellation, a
// turn-break tool or the iteration cap. The draft is finalized or cleared on
// every exit path.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*StreamResult, error) {
	session := llm.NewSession(o.showThinking)
	result := &StreamResult{Conversation: req.Conversation}
	defer req.Drafts.Close()

	events := &renderingEvents{session: session, drafts: req.Drafts}

	for iter := 1; iter <= o.maxIterations; iter++ {
		result.Iterations = iter

		// A stop that landed between iterations must not open a new call.
		if req.Gen.Cancelled() {
			o.finishCancelled(req, session, result)
			return result, nil
		}

		params := llm.BuildParams(req.ModelID, req.System, result.Conversation, req.Tools, o.maxOutputTokens, o.thinkingBudget)

		actionID := req.Actions.Push(telegram.PhaseGenerating, "")
		msg, err := o.llm.Stream(ctx, params, events, req.Gen.Cancelled)
		req.Actions.Pop(actionID)

		if errors.Is(err, llm.ErrCancelled) {
			o.finishCancelled(req, session, result)
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("agent: stream iteration %d: %w", iter, err)
		}

		session.Complete(msg)
		result.Message = msg
		result.StopReason = session.StopReason()
		addUsage(&result.Usage, msg.Usage)

		switch anthropic.BetaStopReason(result.StopReason) {
		case anthropic.BetaStopReasonEndTurn, anthropic.BetaStopReasonPauseTurn, anthropic.BetaStopReasonStopSequence:
			o.finish(req, session, result, "")
			return result, nil

		case anthropic.BetaStopReasonMaxTokens:
			slog.Warn("Generation hit max output tokens", "iterations", iter)
			o.finish(req, session, result, "")
			return result, nil

		case anthropic.BetaStopReasonRefusal:
			o.finish(req, session, result, "[the model declined to continue]")
			return result, nil

		case anthropic.BetaStopReasonToolUse:
			done, err := o.runTools(ctx, req, session, result)
			if err != nil {
				return nil, err
			}
			if done {
				return result, nil
			}

		default:
			if result.StopReason == stopModelContextWindow {
				o.finish(req, session, result, "[the conversation no longer fits the context window, use /clear to start fresh]")
				return result, nil
			}
			slog.Error("Unexpected stop reason", "stop_reason", result.StopReason)
			o.finish(req, session, result, "[generation stopped unexpectedly]")
			return result, nil
		}
	}

	slog.Error("Generation exceeded iteration cap", "max_iterations", o.maxIterations)
	o.finish(req, session, result, "[stopped: too many consecutive tool calls]")
	return result, nil
}

// runTools executes one tool batch. Returns done=true when the turn is over:
// cancellation or a turn-break tool.
func (o *Orchestrator) runTools(ctx context.Context, req Request, session *llm.Session, result *StreamResult) (bool, error) {
	o.appendCaptured(session, result)

	pending := session.PendingTools()
	if len(pending) == 0 {
		// Server tools only; the API already ran them, keep streaming.
		return false, nil
	}

	actionID := req.Actions.Push(telegram.PhaseProcessing, "")
	batch := o.executor.ExecuteBatch(ctx, pending, req.Gen.Cancelled, func(res tools.ExecResult) {
		// Commit the draft text so far, then let the file through. The
		// permanent message must precede the file on screen.
		committed := session.FinalText()
		session.CommitSegment()
		if _, err := req.Drafts.CommitAndCreateNew(committed); err != nil {
			slog.Warn("Mid-turn draft commit failed", "error", err)
		}
		if req.OnFile != nil {
			req.OnFile(res)
		}
		result.HasDeliveredFiles = true
	})
	req.Actions.Pop(actionID)

	if batch.Cancelled {
		o.finishCancelled(req, session, result)
		return true, nil
	}

	result.ToolCalls = append(result.ToolCalls, batch.Results...)
	result.Conversation = append(result.Conversation, anthropic.NewBetaUserMessage(tools.ResultBlocks(batch)...))

	if batch.TurnBreak {
		o.finish(req, session, result, "")
		result.NeedsContinuation = true
		return true, nil
	}
	return false, nil
}

// appendCaptured adds the assistant message to the conversation with
// response-only fields scrubbed and serializes the blob for persistence.
func (o *Orchestrator) appendCaptured(session *llm.Session, result *StreamResult) {
	msg := session.Captured()
	if msg == nil {
		return
	}
	param := msg.ToParam()
	llm.ScrubAssistantParam(&param)
	result.Conversation = append(result.Conversation, param)

	if blob, err := session.ContentBlob(); err == nil {
		result.ContentBlob = blob
	}
}

func (o *Orchestrator) finish(req Request, session *llm.Session, result *StreamResult, note string) {
	if note != "" {
		session.SystemNote(note)
	}

	if result.StopReason != string(anthropic.BetaStopReasonToolUse) {
		o.appendCaptured(session, result)
	}

	text := session.FinalText()
	if text != "" {
		if _, err := req.Drafts.Finalize(text); err != nil {
			slog.Warn("Draft finalize failed", "error", err)
		}
	}
	result.Text = text
	result.SentParts = session.SentParts()
}

func (o *Orchestrator) finishCancelled(req Request, session *llm.Session, result *StreamResult) {
	result.WasCancelled = true
	result.CancellationReason = req.Gen.Reason()

	if session.HasVisibleText() {
		session.SystemNote("[interrupted]")
		if _, err := req.Drafts.Finalize(session.FinalText()); err != nil {
			slog.Warn("Draft finalize after cancel failed", "error", err)
		}
		result.Text = session.FinalText()
	}
	result.SentParts = session.SentParts()
}

func addUsage(total *anthropic.BetaUsage, u anthropic.BetaUsage) {
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.CacheCreationInputTokens += u.CacheCreationInputTokens
	total.CacheReadInputTokens += u.CacheReadInputTokens
	total.ServerToolUse.WebSearchRequests += u.ServerToolUse.WebSearchRequests
}

// renderingEvents forwards stream events into the session and mirrors the
// updated view into the draft after each one.
type renderingEvents struct {
	session *llm.Session
	drafts  Drafts
}

func (r *renderingEvents) ThinkingDelta(chunk string) {
	r.session.ThinkingDelta(chunk)
	r.refresh()
}

func (r *renderingEvents) TextDelta(chunk string) {
	r.session.TextDelta(chunk)
	r.refresh()
}

func (r *renderingEvents) ToolUseStart(name string) {
	r.session.ToolUseStart(name)
	r.refresh()
}

func (r *renderingEvents) BlockEnd() {
	r.session.BlockEnd()
}

func (r *renderingEvents) refresh() {
	if text := r.session.StreamText(); text != "" {
		r.drafts.Update(text, false)
	}
}
