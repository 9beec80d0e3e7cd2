// Package tools holds the client-side tool inventory and the concurrent
// batch executor driving it.
package tools

import (
	"context"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
)

// Tool is a capability the model can invoke. The schema is standard JSON
// Schema; it is both advertised to the model and enforced before Execute.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	// TurnBreak marks tools whose completion must end the current turn so
	// their side effect (a delivered file) is visible before the model
	// continues.
	TurnBreak() bool
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the outcome of one tool execution.
type Result struct {
	Text      string
	IsError   bool
	FileName  string
	FileBytes []byte
	FileMime  string
}

// Registry is the central inventory of tools available to the agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Params renders the registry, plus any server tools, into the tool list for
// a messages call.
func (r *Registry) Params(serverTools ...anthropic.BetaToolUnionParam) []anthropic.BetaToolUnionParam {
	var params []anthropic.BetaToolUnionParam
	for _, tool := range r.All() {
		params = append(params, toolParam(tool))
	}
	return append(params, serverTools...)
}

func toolParam(tool Tool) anthropic.BetaToolUnionParam {
	schema := tool.InputSchema()

	input := anthropic.BetaToolInputSchemaParam{}
	if props, ok := schema["properties"]; ok {
		input.Properties = props
	}
	if req, ok := schema["required"].([]string); ok {
		input.Required = req
	}

	return anthropic.BetaToolUnionParam{
		OfTool: &anthropic.BetaToolParam{
			Name:        tool.Name(),
			Description: anthropic.String(tool.Description()),
			InputSchema: input,
		},
	}
}

// WebSearchParam declares the API-side web search tool. It executes on
// Anthropic's side; client code only displays its markers and pays per
// request.
func WebSearchParam(maxUses int64) anthropic.BetaToolUnionParam {
	return anthropic.BetaToolUnionParam{
		OfWebSearchTool20250305: &anthropic.BetaWebSearchTool20250305Param{
			MaxUses: anthropic.Int(maxUses),
		},
	}
}
