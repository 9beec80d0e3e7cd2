package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrCancelled is returned when the user stops generation mid-stream.
var ErrCancelled = errors.New("llm: stream cancelled")

// StreamEvents receives the decoded stream events. Satisfied by *Session.
type StreamEvents interface {
	ThinkingDelta(chunk string)
	TextDelta(chunk string)
	ToolUseStart(name string)
	BlockEnd()
}

// Client wraps the Anthropic SDK with open-retry and cancellation checks.
type Client struct {
	api        *anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

func NewClient(api *anthropic.Client, maxRetries int, retryDelay time.Duration) *Client {
	return &Client{api: api, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Stream opens a streaming message call, forwards events and returns the
// accumulated message. cancelled is polled on every event; a positive answer
// aborts with ErrCancelled. Transient open failures are retried with a delay
// as long as no content has been delivered yet.
func (c *Client) Stream(ctx context.Context, params anthropic.BetaMessageNewParams, events StreamEvents, cancelled func() bool) (*anthropic.BetaMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryAfter(lastErr, c.retryDelay)
			slog.Warn("Retrying LLM stream open", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		msg, delivered, err := c.streamOnce(ctx, params, events, cancelled)
		if err == nil {
			return msg, nil
		}
		if delivered || !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) streamOnce(ctx context.Context, params anthropic.BetaMessageNewParams, events StreamEvents, cancelled func() bool) (*anthropic.BetaMessage, bool, error) {
	stream := c.api.Beta.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	if stream.Err() != nil {
		return nil, false, stream.Err()
	}

	message := anthropic.BetaMessage{}
	delivered := false
	for stream.Next() {
		if cancelled() {
			return nil, delivered, ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, delivered, ctx.Err()
		}

		event := stream.Current()
		if err := stream.Err(); err != nil {
			return nil, delivered, err
		}
		if err := message.Accumulate(event); err != nil {
			// An accumulation failure loses that event; the surrounding
			// agent loop recovers when the resulting tool call comes back
			// empty, so keep streaming rather than drop all progress.
			slog.Error("Failed to accumulate stream event", "error", err)
			continue
		}

		if forwardEvent(event, events) {
			delivered = true
		}
	}

	if err := stream.Err(); err != nil {
		return nil, delivered, err
	}
	if cancelled() {
		return nil, delivered, ErrCancelled
	}
	return &message, delivered, nil
}

// forwardEvent dispatches one decoded stream event into the handler set and
// reports whether it carried content.
func forwardEvent(event anthropic.BetaRawMessageStreamEventUnion, events StreamEvents) bool {
	switch ev := event.AsAny().(type) {
	case anthropic.BetaRawContentBlockStartEvent:
		switch block := ev.ContentBlock.AsAny().(type) {
		case anthropic.BetaToolUseBlock:
			events.ToolUseStart(block.Name)
			return true
		case anthropic.BetaServerToolUseBlock:
			events.ToolUseStart(string(block.Name))
			return true
		}
	case anthropic.BetaRawContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.BetaTextDelta:
			events.TextDelta(delta.Text)
			return true
		case anthropic.BetaThinkingDelta:
			events.ThinkingDelta(delta.Thinking)
			return true
		}
	case anthropic.BetaRawContentBlockStopEvent:
		events.BlockEnd()
	}
	return false
}
