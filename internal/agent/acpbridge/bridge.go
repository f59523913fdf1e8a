// Package acpbridge is the client side of the agent wire: it owns the ACP
// connection to one agent process and exposes the handful of calls the rest
// of the service needs.
package acpbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Hooks are the callbacks the bridge invokes for agent-initiated traffic.
type Hooks struct {
	// OnUpdate receives every session/update notification.
	OnUpdate func(ctx context.Context, n acpsdk.SessionNotification)

	// OnPermission resolves a permission request. When nil the bridge
	// approves the first allow option it finds.
	OnPermission func(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error)
}

// SessionInfo is what session/new or session/load came back with.
type SessionInfo struct {
	SessionID string
	Models    *acpsdk.SessionModelState
	Modes     *acpsdk.SessionModeState

	// Resumed is false when a resume attempt fell back to a fresh session.
	Resumed bool
}

// Bridge wraps a ClientSideConnection over an agent's stdio.
type Bridge struct {
	log  *slog.Logger
	conn *acpsdk.ClientSideConnection
}

// New builds a bridge over the agent's stdin (w) and stdout (r). Tools, when
// non-nil, are served to the agent over the autocoder/* extension methods.
func New(log *slog.Logger, w io.Writer, r io.Reader, hooks Hooks, tools *ToolRegistry) *Bridge {
	log = log.With("component", "acp-bridge")
	c := &client{log: log, hooks: hooks}
	if tools != nil {
		router := newExtRouter(log, tools, w, r)
		w, r = router.connWriter(), router.connReader()
	}
	conn := acpsdk.NewClientSideConnection(c, w, r)
	conn.SetLogger(log)
	return &Bridge{log: log, conn: conn}
}

// Done is closed when the underlying connection shuts down.
func (b *Bridge) Done() <-chan struct{} {
	return b.conn.Done()
}

// Initialize performs the ACP handshake.
func (b *Bridge) Initialize(ctx context.Context) error {
	resp, err := b.conn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersion(acpsdk.ProtocolVersionNumber),
		ClientInfo: &acpsdk.Implementation{
			Name:    "larkcoder",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("ACP initialize failed: %w", err)
	}
	if resp.AgentInfo != nil {
		b.log.Info("agent initialized", "name", resp.AgentInfo.Name, "version", resp.AgentInfo.Version)
	}
	return nil
}

// NewSession creates a fresh agent session rooted at cwd.
func (b *Bridge) NewSession(ctx context.Context, cwd string) (SessionInfo, error) {
	resp, err := b.conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session/new failed: %w", err)
	}
	return SessionInfo{
		SessionID: string(resp.SessionId),
		Models:    resp.Models,
		Modes:     resp.Modes,
	}, nil
}

// ResumeSession loads an existing agent session. Agents without session/load
// support get a fresh session instead; Resumed reports which path was taken.
func (b *Bridge) ResumeSession(ctx context.Context, sessionID, cwd string) (SessionInfo, error) {
	resp, err := b.conn.LoadSession(ctx, acpsdk.LoadSessionRequest{
		SessionId:  acpsdk.SessionId(sessionID),
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		if !isMethodNotFound(err) {
			return SessionInfo{}, fmt.Errorf("session/load failed: %w", err)
		}
		b.log.Warn("agent does not support session/load, starting fresh", "session_id", sessionID)
		return b.NewSession(ctx, cwd)
	}
	return SessionInfo{
		SessionID: sessionID,
		Models:    resp.Models,
		Modes:     resp.Modes,
		Resumed:   true,
	}, nil
}

// Prompt runs one turn and blocks until the agent ends it.
func (b *Bridge) Prompt(ctx context.Context, sessionID, text string) (acpsdk.StopReason, error) {
	resp, err := b.conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(sessionID),
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err != nil {
		return "", fmt.Errorf("session/prompt failed: %w", err)
	}
	return resp.StopReason, nil
}

// Cancel asks the agent to interrupt the in-flight turn.
func (b *Bridge) Cancel(ctx context.Context, sessionID string) error {
	return b.conn.Cancel(ctx, acpsdk.CancelNotification{
		SessionId: acpsdk.SessionId(sessionID),
	})
}

// SetSessionMode switches the agent's permission mode.
func (b *Bridge) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	_, err := b.conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ModeId:    acpsdk.SessionModeId(modeID),
	})
	return err
}

// SetSessionModel switches the agent's model.
func (b *Bridge) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	_, err := b.conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ModelId:   acpsdk.ModelId(modelID),
	})
	return err
}

// isMethodNotFound matches the JSON-RPC error agents return for methods they
// do not implement.
func isMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") || strings.Contains(msg, "-32601")
}
