package acpbridge

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larkcoder/larkcoder/internal/agent/mockagent"
)

// updateCollector gathers session updates for assertion.
type updateCollector struct {
	mu      sync.Mutex
	updates []acpsdk.SessionNotification
}

func (c *updateCollector) add(_ context.Context, n acpsdk.SessionNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, n)
}

func (c *updateCollector) snapshot() []acpsdk.SessionNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]acpsdk.SessionNotification, len(c.updates))
	copy(out, c.updates)
	return out
}

func (c *updateCollector) messageText() string {
	var b strings.Builder
	for _, n := range c.snapshot() {
		if n.Update.AgentMessageChunk != nil && n.Update.AgentMessageChunk.Content.Text != nil {
			b.WriteString(n.Update.AgentMessageChunk.Content.Text.Text)
		}
	}
	return b.String()
}

func (c *updateCollector) has(pred func(acpsdk.SessionUpdate) bool) bool {
	for _, n := range c.snapshot() {
		if pred(n.Update) {
			return true
		}
	}
	return false
}

// newTestBridge wires a bridge to the mock agent across in-memory pipes.
func newTestBridge(t *testing.T, hooks Hooks) *Bridge {
	t.Helper()

	agentIn, bridgeOut := io.Pipe()
	bridgeIn, agentOut := io.Pipe()
	go mockagent.Serve(agentIn, agentOut)
	t.Cleanup(func() {
		bridgeOut.Close()
		bridgeIn.Close()
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(log, bridgeOut, bridgeIn, hooks, NewToolRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Initialize(ctx))
	return b
}

func TestBridgePromptTurn(t *testing.T) {
	collector := &updateCollector{}
	var permissions []acpsdk.RequestPermissionRequest
	var mu sync.Mutex

	b := newTestBridge(t, Hooks{
		OnUpdate: collector.add,
		OnPermission: func(_ context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			mu.Lock()
			permissions = append(permissions, req)
			mu.Unlock()
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected("allow"),
			}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	info, err := b.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, info.SessionID)
	require.NotNil(t, info.Models)
	assert.Len(t, info.Models.AvailableModels, 2)
	require.NotNil(t, info.Modes)
	assert.Len(t, info.Modes.AvailableModes, 3)
	assert.Equal(t, acpsdk.SessionModeId("default"), info.Modes.CurrentModeId)

	stop, err := b.Prompt(ctx, info.SessionID, "fix the failing test")
	require.NoError(t, err)
	assert.Equal(t, acpsdk.StopReasonEndTurn, stop)

	mu.Lock()
	require.Len(t, permissions, 1)
	assert.NotNil(t, permissions[0].ToolCall.Title)
	mu.Unlock()

	assert.True(t, collector.has(func(u acpsdk.SessionUpdate) bool {
		return u.AgentThoughtChunk != nil
	}), "expected a thought chunk")
	assert.True(t, collector.has(func(u acpsdk.SessionUpdate) bool {
		return u.Plan != nil
	}), "expected a plan update")
	assert.True(t, collector.has(func(u acpsdk.SessionUpdate) bool {
		return u.ToolCall != nil
	}), "expected tool call starts")
	assert.True(t, collector.has(func(u acpsdk.SessionUpdate) bool {
		return u.AvailableCommandsUpdate != nil
	}), "expected available commands")
	assert.Contains(t, collector.messageText(), "fix the failing test")
	assert.Contains(t, collector.messageText(), "applied the change")
}

func TestBridgePermissionRejected(t *testing.T) {
	collector := &updateCollector{}
	b := newTestBridge(t, Hooks{
		OnUpdate: collector.add,
		OnPermission: func(context.Context, acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected("reject"),
			}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	info, err := b.NewSession(ctx, t.TempDir())
	require.NoError(t, err)

	stop, err := b.Prompt(ctx, info.SessionID, "delete everything")
	require.NoError(t, err)
	assert.Equal(t, acpsdk.StopReasonEndTurn, stop)
	assert.Contains(t, collector.messageText(), "left the file untouched")
}

func TestBridgeBypassSkipsPermission(t *testing.T) {
	permissionAsked := false
	collector := &updateCollector{}
	b := newTestBridge(t, Hooks{
		OnUpdate: collector.add,
		OnPermission: func(context.Context, acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
			permissionAsked = true
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected("allow"),
			}, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	info, err := b.NewSession(ctx, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.SetSessionMode(ctx, info.SessionID, "bypassPermissions"))
	assert.True(t, collector.has(func(u acpsdk.SessionUpdate) bool {
		return u.CurrentModeUpdate != nil && u.CurrentModeUpdate.CurrentModeId == "bypassPermissions"
	}), "expected mode update notification")

	stop, err := b.Prompt(ctx, info.SessionID, "just do it")
	require.NoError(t, err)
	assert.Equal(t, acpsdk.StopReasonEndTurn, stop)
	assert.False(t, permissionAsked)
}

func TestBridgeResumeSession(t *testing.T) {
	collector := &updateCollector{}
	b := newTestBridge(t, Hooks{OnUpdate: collector.add})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := b.ResumeSession(ctx, "session-from-last-week", t.TempDir())
	require.NoError(t, err)
	assert.True(t, info.Resumed)
	assert.Equal(t, "session-from-last-week", info.SessionID)
	require.NotNil(t, info.Modes)
}

func TestFindAllowOptionID(t *testing.T) {
	opts := []acpsdk.PermissionOption{
		{OptionId: "always", Kind: acpsdk.PermissionOptionKindAllowAlways},
		{OptionId: "once", Kind: acpsdk.PermissionOptionKindAllowOnce},
		{OptionId: "no", Kind: acpsdk.PermissionOptionKindRejectOnce},
	}
	assert.Equal(t, acpsdk.PermissionOptionId("once"), findAllowOptionID(opts))

	assert.Equal(t, acpsdk.PermissionOptionId("always"), findAllowOptionID(opts[:1]))
	assert.Equal(t, acpsdk.PermissionOptionId(""), findAllowOptionID(opts[2:]))
}
