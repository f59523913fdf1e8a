// Package mockagent is a scripted ACP agent used for development and tests.
// It speaks the same wire protocol as a real coding agent but produces a
// deterministic turn: thoughts, a plan, a few tool calls, one permission
// request, and a streamed answer.
package mockagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// stepDelay paces the scripted updates so streaming behaviour is observable.
var stepDelay = 40 * time.Millisecond

// Serve runs the mock agent over the given streams until the peer closes
// them. It blocks.
func Serve(in io.Reader, out io.Writer) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a := &agent{
		log:   log.With("component", "mock-agent"),
		mode:  "default",
		model: "dev-standard",
	}
	conn := acpsdk.NewAgentSideConnection(a, out, in)
	a.SetConnection(conn)
	<-conn.Done()
}

type agent struct {
	log  *slog.Logger
	conn *acpsdk.AgentSideConnection

	mu           sync.Mutex
	sessionID    string
	mode         acpsdk.SessionModeId
	model        acpsdk.ModelId
	promptCancel context.CancelFunc
	turn         int
	commandsSent bool
}

func (a *agent) SetConnection(conn *acpsdk.AgentSideConnection) {
	a.conn = conn
}

func (a *agent) Authenticate(_ context.Context, _ acpsdk.AuthenticateRequest) (acpsdk.AuthenticateResponse, error) {
	return acpsdk.AuthenticateResponse{}, nil
}

func (a *agent) Initialize(_ context.Context, _ acpsdk.InitializeRequest) (acpsdk.InitializeResponse, error) {
	return acpsdk.InitializeResponse{
		ProtocolVersion: acpsdk.ProtocolVersion(acpsdk.ProtocolVersionNumber),
		AgentInfo: &acpsdk.Implementation{
			Name:    "mock-agent",
			Version: "1.0.0",
		},
	}, nil
}

func (a *agent) Cancel(_ context.Context, _ acpsdk.CancelNotification) error {
	a.mu.Lock()
	cancel := a.promptCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *agent) NewSession(_ context.Context, _ acpsdk.NewSessionRequest) (acpsdk.NewSessionResponse, error) {
	a.mu.Lock()
	a.sessionID = uuid.New().String()
	a.turn = 0
	a.commandsSent = false
	id := a.sessionID
	a.mu.Unlock()

	a.log.Info("mock session created", "session_id", id)
	return acpsdk.NewSessionResponse{
		SessionId: acpsdk.SessionId(id),
		Models:    a.modelState(),
		Modes:     a.modeState(),
	}, nil
}

// LoadSession adopts the caller's session id so resumed conversations keep
// their identity across restarts.
func (a *agent) LoadSession(_ context.Context, req acpsdk.LoadSessionRequest) (acpsdk.LoadSessionResponse, error) {
	a.mu.Lock()
	a.sessionID = string(req.SessionId)
	a.commandsSent = false
	a.mu.Unlock()

	a.log.Info("mock session loaded", "session_id", req.SessionId)
	return acpsdk.LoadSessionResponse{
		Models: a.modelState(),
		Modes:  a.modeState(),
	}, nil
}

func (a *agent) modelState() *acpsdk.SessionModelState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &acpsdk.SessionModelState{
		AvailableModels: []acpsdk.ModelInfo{
			{ModelId: "dev-standard", Name: "Dev Standard"},
			{ModelId: "dev-fast", Name: "Dev Fast"},
		},
		CurrentModelId: a.model,
	}
}

func (a *agent) modeState() *acpsdk.SessionModeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &acpsdk.SessionModeState{
		CurrentModeId: a.mode,
		AvailableModes: []acpsdk.SessionMode{
			{Id: "default", Name: "Always Ask"},
			{Id: "acceptEdits", Name: "Accept Edits"},
			{Id: "bypassPermissions", Name: "Bypass Permissions"},
		},
	}
}

func (a *agent) SetSessionMode(ctx context.Context, req acpsdk.SetSessionModeRequest) (acpsdk.SetSessionModeResponse, error) {
	a.mu.Lock()
	a.mode = req.ModeId
	id := a.sessionID
	a.mu.Unlock()

	a.sendUpdate(ctx, acpsdk.SessionId(id), acpsdk.SessionUpdate{
		CurrentModeUpdate: &acpsdk.SessionCurrentModeUpdate{
			CurrentModeId: req.ModeId,
		},
	})
	return acpsdk.SetSessionModeResponse{}, nil
}

func (a *agent) SetSessionModel(_ context.Context, req acpsdk.SetSessionModelRequest) (acpsdk.SetSessionModelResponse, error) {
	a.mu.Lock()
	a.model = req.ModelId
	a.mu.Unlock()
	return acpsdk.SetSessionModelResponse{}, nil
}

func (a *agent) Prompt(ctx context.Context, req acpsdk.PromptRequest) (acpsdk.PromptResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.promptCancel = cancel
	a.turn++
	turn := a.turn
	mode := a.mode
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.promptCancel = nil
		a.mu.Unlock()
		cancel()
	}()

	var promptText string
	for _, block := range req.Prompt {
		if block.Text != nil {
			promptText += block.Text.Text
		}
	}

	a.emitAvailableCommands(ctx, req.SessionId)

	script := []func(context.Context) bool{
		func(ctx context.Context) bool {
			a.sendUpdate(ctx, req.SessionId, acpsdk.UpdateAgentThoughtText("Reading the request and inspecting the project."))
			return a.pause(ctx)
		},
		func(ctx context.Context) bool {
			a.sendPlan(ctx, req.SessionId, acpsdk.PlanEntryStatusInProgress)
			return a.pause(ctx)
		},
		func(ctx context.Context) bool {
			return a.runTool(ctx, req.SessionId, fmt.Sprintf("read_%d", turn), "Read main.go", acpsdk.ToolKindRead,
				map[string]any{"file_path": "main.go"})
		},
		func(ctx context.Context) bool {
			return a.runTool(ctx, req.SessionId, fmt.Sprintf("search_%d", turn), "Grep TODO", acpsdk.ToolKindSearch,
				map[string]any{"pattern": "TODO"})
		},
		func(ctx context.Context) bool {
			return a.runTool(ctx, req.SessionId, fmt.Sprintf("exec_%d", turn), "go test ./...", acpsdk.ToolKindExecute,
				map[string]any{"command": "go test ./..."})
		},
	}
	for _, step := range script {
		if !step(ctx) {
			return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonCancelled}, nil
		}
	}

	// The edit is permission-gated unless the session bypasses permissions.
	allowed := true
	if mode != "bypassPermissions" {
		outcome, ok := a.requestEditPermission(ctx, req.SessionId, turn)
		if !ok {
			return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonCancelled}, nil
		}
		allowed = outcome
	}
	if allowed {
		if !a.runTool(ctx, req.SessionId, fmt.Sprintf("edit_%d", turn), "Edit main.go", acpsdk.ToolKindEdit,
			map[string]any{"file_path": "main.go", "old_string": "TODO", "new_string": "done"}) {
			return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonCancelled}, nil
		}
	}

	a.sendPlan(ctx, req.SessionId, acpsdk.PlanEntryStatusCompleted)

	chunks := []string{
		"I looked into it.\n\n",
		fmt.Sprintf("You asked: %q. ", promptText),
	}
	if allowed {
		chunks = append(chunks, "I applied the change and the tests pass.")
	} else {
		chunks = append(chunks, "I left the file untouched since the edit was rejected.")
	}
	for _, chunk := range chunks {
		a.sendUpdate(ctx, req.SessionId, acpsdk.UpdateAgentMessageText(chunk))
		if !a.pause(ctx) {
			return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonCancelled}, nil
		}
	}

	return acpsdk.PromptResponse{StopReason: acpsdk.StopReasonEndTurn}, nil
}

// runTool emits a pending tool call, flips it to in_progress, then completes
// it. Returns false when the prompt was cancelled mid-tool.
func (a *agent) runTool(ctx context.Context, sessionID acpsdk.SessionId, id, title string, kind acpsdk.ToolKind, input map[string]any) bool {
	a.sendUpdate(ctx, sessionID, acpsdk.StartToolCall(
		acpsdk.ToolCallId(id),
		title,
		acpsdk.WithStartKind(kind),
		acpsdk.WithStartStatus(acpsdk.ToolCallStatusPending),
		acpsdk.WithStartRawInput(input),
	))
	if !a.pause(ctx) {
		return false
	}
	a.sendUpdate(ctx, sessionID, acpsdk.UpdateToolCall(
		acpsdk.ToolCallId(id),
		acpsdk.WithUpdateStatus(acpsdk.ToolCallStatusInProgress),
	))
	if !a.pause(ctx) {
		return false
	}
	a.sendUpdate(ctx, sessionID, acpsdk.UpdateToolCall(
		acpsdk.ToolCallId(id),
		acpsdk.WithUpdateStatus(acpsdk.ToolCallStatusCompleted),
	))
	return true
}

func (a *agent) requestEditPermission(ctx context.Context, sessionID acpsdk.SessionId, turn int) (allowed, ok bool) {
	if a.conn == nil {
		return false, true
	}
	title := "Edit main.go"
	kind := acpsdk.ToolKindEdit
	resp, err := a.conn.RequestPermission(ctx, acpsdk.RequestPermissionRequest{
		SessionId: sessionID,
		Options: []acpsdk.PermissionOption{
			{OptionId: "allow_always", Name: "Always Allow", Kind: acpsdk.PermissionOptionKindAllowAlways},
			{OptionId: "allow", Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
			{OptionId: "reject", Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
		},
		ToolCall: acpsdk.RequestPermissionToolCall{
			ToolCallId: acpsdk.ToolCallId(fmt.Sprintf("edit_%d", turn)),
			Title:      &title,
			Kind:       &kind,
			RawInput:   map[string]any{"file_path": "main.go"},
		},
	})
	if err != nil {
		a.log.Warn("permission request failed", "error", err)
		return false, true
	}
	if resp.Outcome.Selected == nil {
		// Cancelled outcome means the whole turn was interrupted.
		return false, false
	}
	switch resp.Outcome.Selected.OptionId {
	case "allow", "allow_always":
		return true, true
	default:
		return false, true
	}
}

func (a *agent) sendPlan(ctx context.Context, sessionID acpsdk.SessionId, status acpsdk.PlanEntryStatus) {
	a.sendUpdate(ctx, sessionID, acpsdk.SessionUpdate{
		Plan: &acpsdk.SessionUpdatePlan{
			Entries: []acpsdk.PlanEntry{
				{Content: "Inspect the project", Priority: acpsdk.PlanEntryPriorityHigh, Status: acpsdk.PlanEntryStatusCompleted},
				{Content: "Apply the change", Priority: acpsdk.PlanEntryPriorityMedium, Status: status},
			},
		},
	})
}

func (a *agent) emitAvailableCommands(ctx context.Context, sessionID acpsdk.SessionId) {
	a.mu.Lock()
	if a.commandsSent {
		a.mu.Unlock()
		return
	}
	a.commandsSent = true
	a.mu.Unlock()

	a.sendUpdate(ctx, sessionID, acpsdk.SessionUpdate{
		AvailableCommandsUpdate: &acpsdk.SessionAvailableCommandsUpdate{
			AvailableCommands: []acpsdk.AvailableCommand{
				{Name: "commit", Description: "Create a git commit"},
				{Name: "review", Description: "Review pending changes"},
			},
		},
	})
}

func (a *agent) sendUpdate(ctx context.Context, sessionID acpsdk.SessionId, update acpsdk.SessionUpdate) {
	if a.conn == nil {
		return
	}
	if err := a.conn.SessionUpdate(ctx, acpsdk.SessionNotification{
		SessionId: sessionID,
		Update:    update,
	}); err != nil {
		a.log.Debug("failed to send session update", "error", err)
	}
}

// pause sleeps one step; false means the prompt context was cancelled.
func (a *agent) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(stepDelay):
		return true
	}
}

var (
	_ acpsdk.Agent             = (*agent)(nil)
	_ acpsdk.AgentExperimental = (*agent)(nil)
	_ acpsdk.AgentLoader       = (*agent)(nil)
)
