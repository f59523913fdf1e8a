package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

type cmdKind int

const (
	cmdNone cmdKind = iota
	cmdShell
	cmdSlash
)

type parsedCommand struct {
	Kind cmdKind
	Name string // slash command name, lowercased, without the '/'
	Args string
	Raw  string // canonical text; reparsing Raw yields the same command
}

// parseCommand classifies a message. The first non-space character decides:
// '!' is a shell command, '/' a slash command, anything else plain text.
func parseCommand(text string) parsedCommand {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parsedCommand{Kind: cmdNone, Raw: trimmed}
	}
	switch trimmed[0] {
	case '!':
		return parsedCommand{
			Kind: cmdShell,
			Args: strings.TrimSpace(trimmed[1:]),
			Raw:  trimmed,
		}
	case '/':
		rest := trimmed[1:]
		name, args := rest, ""
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			name, args = rest[:i], strings.TrimSpace(rest[i:])
		}
		return parsedCommand{
			Kind: cmdSlash,
			Name: strings.ToLower(name),
			Args: args,
			Raw:  trimmed,
		}
	}
	return parsedCommand{Kind: cmdNone, Raw: trimmed}
}

const helpText = `Commands:
/help — this message
/new, /clear — start a new session in this thread
/list, /resume — pick a session to resume
/listall — list every session in this chat
/delete — delete the current session
/stop — cancel the running agent turn
/kill — terminate the running shell command
/todo, /plan — show the agent's current plan
/mode [name] — show or switch the permission mode
/solo, /yolo — toggle bypass-permissions mode
/model [name] — show or switch the model
/config — session configuration
/command — commands the agent understands
/info — session details
/project new|list|info|edit|exit|root — manage projects
!<cmd> — run a shell command in the working directory`

// handleSlash dispatches a parsed slash command.
func (o *Orchestrator) handleSlash(ctx context.Context, msg lark.InboundMessage, cmd parsedCommand) {
	switch cmd.Name {
	case "help":
		o.replyText(ctx, msg.MessageID, helpText)
		return
	case "new", "clear":
		o.cmdNew(ctx, msg)
		return
	case "project":
		o.cmdProject(ctx, msg, cmd.Args)
		return
	}

	sess, err := o.resolveSession(ctx, msg)
	if err != nil {
		o.log.Error("resolving session", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to look up the session. Please try again.")
		return
	}

	switch cmd.Name {
	case "list", "resume":
		o.cmdList(ctx, msg, false)
	case "listall":
		o.cmdList(ctx, msg, true)
	default:
		if sess == nil {
			o.replyText(ctx, msg.MessageID, msgNoSession)
			return
		}
		o.handleSessionCommand(ctx, msg, cmd, *sess)
	}
}

// handleSessionCommand covers the commands that need an existing session.
func (o *Orchestrator) handleSessionCommand(ctx context.Context, msg lark.InboundMessage, cmd parsedCommand, sess store.Session) {
	switch cmd.Name {
	case "stop":
		o.cmdStop(ctx, msg, sess)
	case "kill":
		o.cmdKill(ctx, msg, sess)
	case "delete":
		o.cmdDelete(ctx, msg, sess)
	case "todo", "plan":
		o.cmdPlan(ctx, msg, sess)
	case "solo", "yolo":
		o.cmdSolo(ctx, msg, sess)
	case "mode":
		o.cmdMode(ctx, msg, sess, cmd.Args)
	case "model":
		o.cmdModel(ctx, msg, sess, cmd.Args)
	case "info":
		o.cmdInfo(ctx, msg, sess)
	case "command":
		o.cmdCommands(ctx, msg, sess)
	case "config":
		o.cmdConfig(ctx, msg, sess)
	default:
		if tmpl, ok := o.cfg.Commands[cmd.Name]; ok {
			prompt := strings.ReplaceAll(tmpl, "{args}", cmd.Args)
			o.runPrompt(ctx, msg.MessageID, sess, prompt)
			return
		}
		if a := o.getActive(sess.ID); a != nil && hasCommand(a, cmd.Name) {
			// The agent announced this command; forward the raw text.
			o.runPrompt(ctx, msg.MessageID, sess, cmd.Raw)
			return
		}
		o.replyText(ctx, msg.MessageID, "Unknown command: /"+cmd.Name)
	}
}

func hasCommand(a *ActiveSession, name string) bool {
	for _, c := range a.AvailableCommands {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) cmdNew(ctx context.Context, msg lark.InboundMessage) {
	sess, err := o.createSession(ctx, msg, "")
	if err != nil {
		o.log.Error("creating session", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to create a session. Please try again.")
		return
	}
	o.replyText(ctx, msg.MessageID, fmt.Sprintf("Started a new session in %s", sess.WorkingDir))
}

func (o *Orchestrator) cmdStop(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	a := o.getActive(sess.ID)
	if a == nil || sess.Status != store.StatusRunning {
		o.replyText(ctx, msg.MessageID, "Nothing to stop.")
		return
	}
	if err := a.Bridge.Cancel(ctx, a.ACPSessionID); err != nil {
		o.log.Warn("cancel failed", "session_id", sess.ID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to stop the agent: "+err.Error())
		return
	}
	o.replyText(ctx, msg.MessageID, "Stopping the agent.")
}

func (o *Orchestrator) cmdKill(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	var killed bool
	o.withSessionLock(sess.ID, func() {
		if a := o.getActive(sess.ID); a != nil && a.shellCancel != nil {
			a.shellCancel()
			killed = true
		}
	})
	if killed {
		o.replyText(ctx, msg.MessageID, "Shell command terminated.")
	} else {
		o.replyText(ctx, msg.MessageID, "No shell command running.")
	}
}

func (o *Orchestrator) cmdDelete(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	o.deleteSession(ctx, sess.ID)
	o.replyText(ctx, msg.MessageID, "Session deleted.")
}

// deleteSession stops a session and removes its row.
func (o *Orchestrator) deleteSession(ctx context.Context, sessionID string) {
	o.withSessionLock(sessionID, func() {
		if a := o.getActive(sessionID); a != nil {
			o.dropActive(ctx, a, "Session deleted")
		}
	})
	_ = o.procs.Kill(sessionID)
	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		o.log.Warn("deleting session failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) cmdPlan(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	var plan []acpsdk.PlanEntry
	o.withSessionLock(sess.ID, func() {
		if a := o.getActive(sess.ID); a != nil {
			plan = append(plan, a.CurrentPlan...)
		}
	})
	if len(plan) == 0 {
		o.replyText(ctx, msg.MessageID, "No plan yet.")
		return
	}
	o.replyText(ctx, msg.MessageID, formatPlan(plan))
}

func formatPlan(entries []acpsdk.PlanEntry) string {
	var b strings.Builder
	b.WriteString("Plan:")
	for _, e := range entries {
		icon := "○"
		switch e.Status {
		case acpsdk.PlanEntryStatusInProgress:
			icon = "◐"
		case acpsdk.PlanEntryStatusCompleted:
			icon = "●"
		}
		b.WriteString(fmt.Sprintf("\n%s %s", icon, e.Content))
		if e.Priority == acpsdk.PlanEntryPriorityHigh {
			b.WriteString(" (high)")
		}
	}
	return b.String()
}

func (o *Orchestrator) cmdSolo(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	var reply string
	o.withSessionLock(sess.ID, func() {
		a, err := o.ensureActive(ctx, sess)
		if err != nil {
			reply = "Failed to start the agent: " + err.Error()
			return
		}
		target := "bypassPermissions"
		if a.CurrentMode == target {
			target = "default"
		}
		if err := o.setSessionMode(ctx, a, target); err != nil {
			reply = "Failed to switch mode: " + err.Error()
			return
		}
		reply = "Mode: " + target
	})
	o.replyText(ctx, msg.MessageID, reply)
}

func (o *Orchestrator) cmdMode(ctx context.Context, msg lark.InboundMessage, sess store.Session, arg string) {
	var reply, card string
	o.withSessionLock(sess.ID, func() {
		a, err := o.ensureActive(ctx, sess)
		if err != nil {
			reply = "Failed to start the agent: " + err.Error()
			return
		}
		if arg != "" {
			if id, ok := resolveMode(a, arg); ok {
				if err := o.setSessionMode(ctx, a, id); err != nil {
					reply = "Failed to switch mode: " + err.Error()
				} else {
					reply = "Mode: " + id
				}
				return
			}
		}
		card = modeListCard(sess.ID, a)
		o.pauseCard(ctx, a, "(等待操作)")
	})
	if reply != "" {
		o.replyText(ctx, msg.MessageID, reply)
		return
	}
	o.replyCard(ctx, msg.MessageID, card)
}

func (o *Orchestrator) cmdModel(ctx context.Context, msg lark.InboundMessage, sess store.Session, arg string) {
	var reply, card string
	o.withSessionLock(sess.ID, func() {
		a, err := o.ensureActive(ctx, sess)
		if err != nil {
			reply = "Failed to start the agent: " + err.Error()
			return
		}
		if arg != "" {
			if id, ok := resolveModel(a, arg); ok {
				if err := o.setSessionModel(ctx, a, id); err != nil {
					reply = "Failed to switch model: " + err.Error()
				} else {
					reply = "Model: " + id
				}
				return
			}
		}
		if len(a.AvailableModels) == 0 {
			reply = "The agent does not expose model selection."
			return
		}
		card = modelListCard(sess.ID, a)
		o.pauseCard(ctx, a, "(等待操作)")
	})
	if reply != "" {
		o.replyText(ctx, msg.MessageID, reply)
		return
	}
	o.replyCard(ctx, msg.MessageID, card)
}

// setSessionMode switches the agent mode and persists it. Caller holds the
// session lock.
func (o *Orchestrator) setSessionMode(ctx context.Context, a *ActiveSession, modeID string) error {
	if err := a.Bridge.SetSessionMode(ctx, a.ACPSessionID, modeID); err != nil {
		return err
	}
	a.CurrentMode = modeID
	if err := o.store.SetMode(ctx, a.ID, modeID); err != nil {
		o.log.Warn("persisting mode failed", "session_id", a.ID, "error", err)
	}
	return nil
}

// setSessionModel switches the agent model. Caller holds the session lock.
func (o *Orchestrator) setSessionModel(ctx context.Context, a *ActiveSession, modelID string) error {
	if err := a.Bridge.SetSessionModel(ctx, a.ACPSessionID, modelID); err != nil {
		return err
	}
	a.CurrentModel = modelID
	return nil
}

func resolveMode(a *ActiveSession, arg string) (string, bool) {
	for _, m := range a.AvailableModes {
		if string(m.Id) == arg || strings.EqualFold(m.Name, arg) {
			return string(m.Id), true
		}
	}
	return "", false
}

func resolveModel(a *ActiveSession, arg string) (string, bool) {
	for _, m := range a.AvailableModels {
		if string(m.ModelId) == arg || strings.EqualFold(m.Name, arg) {
			return string(m.ModelId), true
		}
	}
	return "", false
}

func modeListCard(sessionID string, a *ActiveSession) string {
	var buttons []lark.CardButton
	for _, m := range a.AvailableModes {
		label := m.Name
		if string(m.Id) == a.CurrentMode {
			label += " ✓"
		}
		buttons = append(buttons, lark.CardButton{
			Text: label,
			Value: lark.ActionValue{
				Action: "mode_select", SessionID: sessionID, ModeID: string(m.Id),
			},
		})
	}
	return lark.ListCard("**Permission mode**", buttons)
}

func modelListCard(sessionID string, a *ActiveSession) string {
	var buttons []lark.CardButton
	for _, m := range a.AvailableModels {
		label := m.Name
		if string(m.ModelId) == a.CurrentModel {
			label += " ✓"
		}
		buttons = append(buttons, lark.CardButton{
			Text: label,
			Value: lark.ActionValue{
				Action: "model_select", SessionID: sessionID, ModelID: string(m.ModelId),
			},
		})
	}
	return lark.ListCard("**Model**", buttons)
}

func (o *Orchestrator) cmdInfo(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	projectTitle := "-"
	if sess.ProjectID != "" {
		if proj, err := o.store.GetProject(ctx, sess.ProjectID); err == nil {
			projectTitle = proj.Title
		}
	}
	mode, model := sess.Mode, "-"
	if a := o.getActive(sess.ID); a != nil {
		if a.CurrentMode != "" {
			mode = a.CurrentMode
		}
		if a.CurrentModel != "" {
			model = a.CurrentModel
		}
	}
	if mode == "" {
		mode = "default"
	}
	o.replyText(ctx, msg.MessageID, fmt.Sprintf(
		"Session: %s\nStatus: %s\nMode: %s\nModel: %s\nProject: %s\nWorking dir: %s",
		sess.ID, sess.Status, mode, model, projectTitle, sess.WorkingDir))
}

func (o *Orchestrator) cmdCommands(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	var buttons []lark.CardButton
	if a := o.getActive(sess.ID); a != nil {
		for _, c := range a.AvailableCommands {
			text := "/" + c.Name
			if c.Description != "" {
				text += " — " + clip(c.Description, 40)
			}
			buttons = append(buttons, lark.CardButton{
				Text: text,
				Value: lark.ActionValue{
					Action: "command_select", SessionID: sess.ID, CommandName: c.Name,
				},
			})
		}
	}
	if len(buttons) == 0 {
		o.replyText(ctx, msg.MessageID, "The agent has not announced any commands yet.")
		return
	}
	o.replyCard(ctx, msg.MessageID, lark.ListCard("**Agent commands**", buttons))
}

func (o *Orchestrator) cmdConfig(ctx context.Context, msg lark.InboundMessage, sess store.Session) {
	var buttons []lark.CardButton
	o.withSessionLock(sess.ID, func() {
		if a := o.getActive(sess.ID); a != nil {
			for _, opt := range a.configOptions() {
				buttons = append(buttons, lark.CardButton{
					Text: fmt.Sprintf("%s: %s", opt.Name, opt.Current),
					Value: lark.ActionValue{
						Action: "config_detail", SessionID: sess.ID, ConfigID: opt.ID,
					},
				})
			}
			if len(buttons) > 0 {
				o.pauseCard(ctx, a, "(等待操作)")
			}
		}
	})
	if len(buttons) == 0 {
		o.replyText(ctx, msg.MessageID, "No configuration available. Send a prompt first.")
		return
	}
	o.replyCard(ctx, msg.MessageID, lark.ListCard("**Session configuration**", buttons))
}

// cmdList shows the chat's sessions as a resume card. When the chat has an
// active project and allProjects is false, only that project's sessions show.
func (o *Orchestrator) cmdList(ctx context.Context, msg lark.InboundMessage, allProjects bool) {
	var sessions []store.Session
	var err error
	projectID := ""
	if !allProjects {
		projectID, err = o.store.ActiveProject(ctx, msg.ChatID)
		if err != nil {
			o.log.Error("querying active project", "chat_id", msg.ChatID, "error", err)
		}
	}
	if projectID != "" {
		sessions, err = o.store.ListByProject(ctx, msg.ChatID, projectID)
	} else {
		sessions, err = o.store.ListByChat(ctx, msg.ChatID)
	}
	if err != nil {
		o.log.Error("listing sessions", "chat_id", msg.ChatID, "error", err)
		o.replyText(ctx, msg.MessageID, "Failed to list sessions.")
		return
	}
	if len(sessions) == 0 {
		o.replyText(ctx, msg.MessageID, msgNoSession)
		return
	}

	var buttons []lark.CardButton
	for _, s := range sessions {
		buttons = append(buttons, lark.CardButton{
			Text: sessionLabel(s),
			Value: lark.ActionValue{
				Action: "session_select", SessionID: s.ID,
			},
		})
	}
	o.replyCard(ctx, msg.MessageID, lark.ListCard("**Sessions**", buttons))
}

// sessionLabel is the short human identifier used on list cards.
func sessionLabel(s store.Session) string {
	label := promptPrefix(s)
	if s.Status == store.StatusRunning {
		label = "▶ " + label
	}
	return label
}

// clip truncates to n runes with an ellipsis.
func clip(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "…"
}

// replyCard replies with a static interactive card.
func (o *Orchestrator) replyCard(ctx context.Context, replyToID, cardJSON string) {
	if _, err := o.messenger.ReplyMessage(ctx, replyToID, lark.MsgTypeInteractive, cardJSON); err != nil {
		o.log.Warn("card reply failed", "message_id", replyToID, "error", err)
	}
}
