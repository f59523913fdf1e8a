package acpbridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larkcoder/larkcoder/internal/lark"
)

func TestToolRegistryDispatch(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(ToolSpec{Name: "echo", Description: "Echo the input"}, func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]any{"text": in.Text}, nil
	})

	t.Run("list", func(t *testing.T) {
		result, err := reg.Dispatch(context.Background(), ExtMethodToolList, nil)
		require.NoError(t, err)
		tools := result.(map[string]any)["tools"].([]ToolSpec)
		require.Len(t, tools, 1)
		assert.Equal(t, "echo", tools[0].Name)
	})

	t.Run("call", func(t *testing.T) {
		result, err := reg.Dispatch(context.Background(), ExtMethodToolCall,
			json.RawMessage(`{"name":"echo","args":{"text":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"text": "hi"}, result)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := reg.Dispatch(context.Background(), ExtMethodToolCall,
			json.RawMessage(`{"name":"nope"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported tool")
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := reg.Dispatch(context.Background(), "autocoder/other", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported method")
	})
}

func TestDocTools(t *testing.T) {
	rec := lark.NewRecordingMessenger()
	rec.DocContent = "session notes"

	token := "doccn_123"
	reg := NewToolRegistry()
	RegisterDocTools(reg, rec, func() string { return token })

	t.Run("read", func(t *testing.T) {
		result, err := reg.Call(context.Background(), "doc_read", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"content": "session notes"}, result)
	})

	t.Run("append", func(t *testing.T) {
		_, err := reg.Call(context.Background(), "doc_append", json.RawMessage(`{"text":"new findings"}`))
		require.NoError(t, err)
		calls := rec.CallsTo("AppendDoc")
		require.Len(t, calls, 1)
		assert.Equal(t, "new findings", calls[0].Content)
	})

	t.Run("append without text", func(t *testing.T) {
		_, err := reg.Call(context.Background(), "doc_append", json.RawMessage(`{}`))
		require.Error(t, err)
	})

	t.Run("no document bound", func(t *testing.T) {
		token = ""
		defer func() { token = "doccn_123" }()
		_, err := reg.Call(context.Background(), "doc_read", nil)
		require.Error(t, err)
	})
}
