package acpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/larkcoder/larkcoder/internal/lark"
)

// Extension method names agents may invoke against this client.
const (
	ExtMethodToolList = "autocoder/tool/list"
	ExtMethodToolCall = "autocoder/tool/call"
)

// ToolSpec describes one host tool exposed to agents.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolFunc executes a host tool. args is the raw JSON object the agent sent.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ToolRegistry holds the host tools agents can reach through the
// autocoder/tool/* extension methods.
type ToolRegistry struct {
	mu    sync.RWMutex
	specs map[string]ToolSpec
	funcs map[string]ToolFunc
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		specs: make(map[string]ToolSpec),
		funcs: make(map[string]ToolFunc),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(spec ToolSpec, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	r.funcs[spec.Name] = fn
}

// List returns the registered tools sorted by name.
func (r *ToolRegistry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes a tool by name.
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported tool: %s", name)
	}
	return fn(ctx, args)
}

// toolCallParams is the wire shape of an autocoder/tool/call request.
type toolCallParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Dispatch handles one extension method invocation. Unknown methods fail
// with an unsupported error.
func (r *ToolRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case ExtMethodToolList:
		return map[string]any{"tools": r.List()}, nil
	case ExtMethodToolCall:
		var call toolCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, fmt.Errorf("invalid tool call params: %w", err)
		}
		return r.Call(ctx, call.Name, call.Args)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

// RegisterDocTools exposes the session document over the tool registry so
// agents can read and extend their own session notes.
func RegisterDocTools(r *ToolRegistry, docs lark.DocClient, docToken func() string) {
	r.Register(ToolSpec{
		Name:        "doc_read",
		Description: "Read the session document's plain-text content",
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		token := docToken()
		if token == "" {
			return nil, fmt.Errorf("session has no document")
		}
		content, err := docs.ReadDoc(ctx, token)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": content}, nil
	})

	r.Register(ToolSpec{
		Name:        "doc_append",
		Description: "Append a text block to the session document",
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		token := docToken()
		if token == "" {
			return nil, fmt.Errorf("session has no document")
		}
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid doc_append args: %w", err)
		}
		if in.Text == "" {
			return nil, fmt.Errorf("doc_append requires text")
		}
		if err := docs.AppendDoc(ctx, token, in.Text); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}
