package orchestrator

import (
	"context"
	"fmt"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/larkcoder/larkcoder/internal/lark"
)

// toolElement tracks the card element rendered for one ACP tool call.
type toolElement struct {
	elementID string
	cardID    string
	kind      acpsdk.ToolKind
	title     string
	startedAt time.Time
}

// applyUpdate routes one ACP session update. Caller holds the session lock.
func (o *Orchestrator) applyUpdate(ctx context.Context, a *ActiveSession, n acpsdk.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			o.appendCardText(ctx, a, t.Text)
		}
	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			o.appendCardText(ctx, a, t.Text)
		}
	case u.ToolCall != nil:
		o.handleToolCall(ctx, a, u.ToolCall)
	case u.ToolCallUpdate != nil:
		o.handleToolCallUpdate(ctx, a, u.ToolCallUpdate)
	case u.Plan != nil:
		a.CurrentPlan = u.Plan.Entries
	case u.CurrentModeUpdate != nil:
		a.CurrentMode = string(u.CurrentModeUpdate.CurrentModeId)
		if err := o.store.SetMode(ctx, a.ID, a.CurrentMode); err != nil {
			o.log.Warn("persisting mode failed", "session_id", a.ID, "error", err)
		}
	case u.AvailableCommandsUpdate != nil:
		a.AvailableCommands = u.AvailableCommandsUpdate.AvailableCommands
	default:
		o.log.Debug("ignoring session update", "session_id", a.ID)
	}
}

// toolKindIcon maps a tool kind to its card marker.
func toolKindIcon(kind acpsdk.ToolKind) string {
	switch kind {
	case acpsdk.ToolKindRead:
		return "📖"
	case acpsdk.ToolKindEdit:
		return "✏️"
	case acpsdk.ToolKindExecute:
		return "⚡"
	case acpsdk.ToolKindSearch:
		return "🔍"
	case acpsdk.ToolKindFetch:
		return "🌐"
	case acpsdk.ToolKindThink:
		return "💭"
	default:
		return "🔧"
	}
}

func toolElementContent(icon, title, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("%s %s", icon, title)
	}
	return fmt.Sprintf("%s %s · %s", icon, title, suffix)
}

// handleToolCall inserts (or updates) a tool-call element in the card.
func (o *Orchestrator) handleToolCall(ctx context.Context, a *ActiveSession, tc *acpsdk.SessionUpdateToolCall) {
	id := string(tc.ToolCallId)
	if el, ok := a.toolElements[id]; ok {
		// Repeat announcement: refresh the title in place.
		el.title = tc.Title
		seq := a.nextSequence(el.cardID)
		content := toolElementContent(toolKindIcon(el.kind), el.title, "")
		if err := o.messenger.UpdateCardElement(ctx, el.cardID, el.elementID,
			lark.ElementJSON(lark.MarkdownElement(el.elementID, content)), seq); err != nil {
			o.log.Warn("updating tool element failed", "card_id", el.cardID, "error", err)
		}
		return
	}

	c := o.ensureCard(ctx, a)
	if c == nil {
		return
	}
	o.forceFlush(ctx, a)

	if !c.placeholderReplaced && !c.placeholderDeleted {
		seq := a.nextSequence(c.cardID)
		if err := o.messenger.DeleteCardElement(ctx, c.cardID, lark.PlaceholderElementID, seq); err != nil {
			o.log.Warn("deleting placeholder failed", "card_id", c.cardID, "error", err)
		}
		c.placeholderDeleted = true
	}

	c.elementCounter++
	elementID := fmt.Sprintf("tool_%d", c.elementCounter)
	content := toolElementContent(toolKindIcon(tc.Kind), tc.Title, "")
	seq := a.nextSequence(c.cardID)
	if err := o.messenger.AddCardElements(ctx, c.cardID, lark.InsertBefore, lark.ProcessingElementID,
		lark.ElementsJSON(lark.GreyMarkdown(elementID, content)), seq); err != nil {
		o.log.Warn("adding tool element failed", "card_id", c.cardID, "error", err)
		return
	}
	c.lastPatchAt = time.Now()

	a.toolElements[id] = &toolElement{
		elementID: elementID,
		cardID:    c.cardID,
		kind:      tc.Kind,
		title:     tc.Title,
		startedAt: time.Now(),
	}
	finalizeActiveElement(c)
}

// handleToolCallUpdate patches a finished tool element with its duration
// and outcome.
func (o *Orchestrator) handleToolCallUpdate(ctx context.Context, a *ActiveSession, tu *acpsdk.SessionToolCallUpdate) {
	el, ok := a.toolElements[string(tu.ToolCallId)]
	if !ok || tu.Status == nil {
		return
	}

	var suffix string
	switch *tu.Status {
	case acpsdk.ToolCallStatusCompleted:
		suffix = fmt.Sprintf("✓ %ds", int(time.Since(el.startedAt).Seconds()))
	case acpsdk.ToolCallStatusFailed:
		suffix = fmt.Sprintf("✗ %ds", int(time.Since(el.startedAt).Seconds()))
	default:
		return
	}

	title := el.title
	if tu.Title != nil && *tu.Title != "" {
		title = *tu.Title
		el.title = title
	}
	content := toolElementContent(toolKindIcon(el.kind), title, suffix)
	seq := a.nextSequence(el.cardID)
	if err := o.messenger.UpdateCardElement(ctx, el.cardID, el.elementID,
		lark.ElementJSON(lark.GreyMarkdown(el.elementID, content)), seq); err != nil {
		o.log.Warn("updating tool element failed", "card_id", el.cardID, "error", err)
	}
	delete(a.toolElements, string(tu.ToolCallId))
}
