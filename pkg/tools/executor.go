package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/xeipuuv/gojsonschema"

	"quill/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExecResult is one tool outcome, annotated with identity and timing the way
// the audit trail wants it.
type ExecResult struct {
	ToolID    string
	Name      string
	Input     jsoniter.RawMessage
	Output    string
	IsError   bool
	Duration  time.Duration
	FileName  string
	FileBytes []byte
	FileMime  string
	TurnBreak bool
}

// BatchResult is the aggregate of one concurrent batch. Results keep the
// order the model requested the tools in, regardless of completion order.
type BatchResult struct {
	Results   []ExecResult
	TurnBreak bool
	Cancelled bool
}

// Executor runs the client tools of one iteration concurrently, each wrapped
// with schema validation, a per-tool timeout and panic containment.
type Executor struct {
	registry *Registry
	timeout  time.Duration
}

func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	return &Executor{registry: registry, timeout: timeout}
}

// ExecuteBatch launches every pending tool at once and waits for all of
// them. onFileReady fires as soon as a completed result carries file bytes,
// letting the caller commit in-flight draft text before the file appears.
// A cancellation that lands before launch runs nothing; after launch the
// in-flight tools finish but their results are dropped and no onFileReady
// fires.
func (e *Executor) ExecuteBatch(ctx context.Context, pending []llm.PendingTool, cancelled func() bool, onFileReady func(ExecResult)) BatchResult {
	if cancelled() {
		return BatchResult{Cancelled: true}
	}

	results := make([]ExecResult, len(pending))

	var mu sync.Mutex // serializes onFileReady
	var wg sync.WaitGroup
	for i, p := range pending {
		wg.Add(1)
		go func(idx int, tool llm.PendingTool) {
			defer wg.Done()
			res := e.runOne(ctx, tool)
			results[idx] = res

			if len(res.FileBytes) > 0 && onFileReady != nil && !cancelled() {
				mu.Lock()
				defer mu.Unlock()
				if !cancelled() {
					onFileReady(res)
				}
			}
		}(i, p)
	}
	wg.Wait()

	if cancelled() {
		return BatchResult{Cancelled: true}
	}

	batch := BatchResult{Results: results}
	for _, r := range results {
		if r.TurnBreak && !r.IsError {
			batch.TurnBreak = true
		}
	}
	return batch
}

func (e *Executor) runOne(ctx context.Context, p llm.PendingTool) (res ExecResult) {
	start := time.Now()
	res = ExecResult{ToolID: p.ID, Name: p.Name, Input: p.Input}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "tool", p.Name, "panic", r)
			res.Output = fmt.Sprintf("tool %s failed: internal error", p.Name)
			res.IsError = true
		}
		res.Duration = time.Since(start)
	}()

	tool, ok := e.registry.Get(p.Name)
	if !ok {
		res.Output = fmt.Sprintf("unknown tool: %s", p.Name)
		res.IsError = true
		return res
	}
	res.TurnBreak = tool.TurnBreak()

	args, vErr := validateInput(tool, p.Input)
	if vErr != "" {
		res.Output = vErr
		res.IsError = true
		return res
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := tool.Execute(execCtx, args)
	if err != nil {
		res.Output = fmt.Sprintf("tool %s failed: %v", p.Name, err)
		res.IsError = true
		return res
	}

	res.Output = out.Text
	res.IsError = out.IsError
	res.FileName = out.FileName
	res.FileBytes = out.FileBytes
	res.FileMime = out.FileMime
	return res
}

// validateInput checks the raw input against the tool's schema and decodes
// it. A validation failure becomes a structured error string the model can
// correct from, never a Go error.
func validateInput(tool Tool, raw jsoniter.RawMessage) (map[string]any, string) {
	input := raw
	if len(input) == 0 {
		input = jsoniter.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(tool.InputSchema()),
		gojsonschema.NewBytesLoader(input),
	)
	if err != nil {
		return nil, fmt.Sprintf("invalid input for %s: %v", tool.Name(), err)
	}
	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Sprintf("invalid input for %s: %s", tool.Name(), strings.Join(issues, "; "))
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Sprintf("invalid input for %s: %v", tool.Name(), err)
	}
	return args, ""
}

// ResultBlocks renders a batch into the tool_result content of the next user
// turn, in launch order.
func ResultBlocks(batch BatchResult) []anthropic.BetaContentBlockParamUnion {
	blocks := make([]anthropic.BetaContentBlockParamUnion, 0, len(batch.Results))
	for _, r := range batch.Results {
		output := r.Output
		if output == "" {
			output = "(no output)"
		}
		blocks = append(blocks, anthropic.NewBetaToolResultBlock(r.ToolID, output, r.IsError))
	}
	return blocks
}
