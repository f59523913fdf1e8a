package acpbridge

import (
	"context"
	"fmt"
	"log/slog"

	acpsdk "github.com/coder/acp-go-sdk"
)

// client implements acp.Client. Session updates and permission requests are
// delegated through Hooks; the filesystem and terminal capabilities are not
// offered, agents run those tools themselves.
type client struct {
	log   *slog.Logger
	hooks Hooks
}

var _ acpsdk.Client = (*client)(nil)

func (c *client) SessionUpdate(ctx context.Context, n acpsdk.SessionNotification) error {
	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(ctx, n)
	}
	return nil
}

func (c *client) RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if c.hooks.OnPermission != nil {
		return c.hooks.OnPermission(ctx, req)
	}

	// No resolver wired: approve the least-privileged allow option so
	// headless runs do not stall.
	if id := findAllowOptionID(req.Options); id != "" {
		c.log.Debug("auto-approving permission request", "tool_call_id", req.ToolCall.ToolCallId)
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(id),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func findAllowOptionID(options []acpsdk.PermissionOption) acpsdk.PermissionOptionId {
	var allowAlways acpsdk.PermissionOptionId
	for _, opt := range options {
		switch opt.Kind {
		case acpsdk.PermissionOptionKindAllowOnce:
			return opt.OptionId
		case acpsdk.PermissionOptionKindAllowAlways:
			if allowAlways == "" {
				allowAlways = opt.OptionId
			}
		}
	}
	return allowAlways
}

// Filesystem and terminal capabilities are declined; agents bring their own.

func (c *client) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("fs.readTextFile not supported")
}

func (c *client) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("fs.writeTextFile not supported")
}

func (c *client) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}
