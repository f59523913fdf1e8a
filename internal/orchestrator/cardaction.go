package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

// HandleCardAction dispatches a card button click or form submit. It must
// return quickly; anything slow runs in the background after the toast.
func (o *Orchestrator) HandleCardAction(ctx context.Context, act lark.CardAction) lark.Toast {
	if !o.claimEvent(ctx, act.EventID) {
		return lark.Toast{}
	}

	switch act.Value.Action {
	case "permission_select":
		return o.actionPermissionSelect(ctx, act)
	case "session_select":
		return o.actionSessionSelect(ctx, act)
	case "session_delete":
		return o.actionSessionDelete(ctx, act)
	case "mode_select":
		return o.actionModeSelect(ctx, act)
	case "model_select":
		return o.actionModelSelect(ctx, act)
	case "config_detail":
		return o.actionConfigDetail(ctx, act)
	case "config_select":
		return o.actionConfigSelect(ctx, act)
	case "command_select":
		return o.actionCommandSelect(ctx, act)
	case "project_create", "project_edit":
		return o.actionProjectSave(ctx, act)
	case "project_cancel":
		return o.actionProjectCancel(ctx, act)
	case "project_select":
		return o.actionProjectSelect(ctx, act)
	default:
		o.log.Warn("unknown card action", "action", act.Value.Action, "message_id", act.MessageID)
		return lark.Toast{}
	}
}

func (o *Orchestrator) actionSessionSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	sess, err := o.store.GetSession(ctx, act.Value.SessionID)
	if err != nil {
		return lark.Toast{Type: "error", Content: msgNoSession}
	}

	if sess.ProjectID != "" {
		err = o.store.SetActiveProject(ctx, act.ChatID, sess.ProjectID)
	} else {
		err = o.store.ClearActiveProject(ctx, act.ChatID)
	}
	if err != nil {
		o.log.Warn("updating project binding failed", "chat_id", act.ChatID, "error", err)
	}
	if err := o.store.Touch(ctx, sess.ID); err != nil {
		o.log.Warn("touching session failed", "session_id", sess.ID, "error", err)
	}

	o.patchSelected(ctx, act.MessageID, "Resumed session: "+promptPrefix(sess))
	return lark.Toast{Type: "success", Content: "Session resumed"}
}

func (o *Orchestrator) actionSessionDelete(ctx context.Context, act lark.CardAction) lark.Toast {
	o.deleteSession(ctx, act.Value.SessionID)
	o.patchSelected(ctx, act.MessageID, "Session deleted.")
	return lark.Toast{Type: "success", Content: "Session deleted"}
}

func (o *Orchestrator) actionModeSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	label, err := o.withActiveSession(ctx, act.Value.SessionID, func(a *ActiveSession) (string, error) {
		if err := o.setSessionMode(ctx, a, act.Value.ModeID); err != nil {
			return "", err
		}
		return "Mode: " + act.Value.ModeID, nil
	})
	if err != nil {
		return lark.Toast{Type: "error", Content: err.Error()}
	}
	o.patchSelected(ctx, act.MessageID, label)
	return lark.Toast{Type: "success", Content: label}
}

func (o *Orchestrator) actionModelSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	label, err := o.withActiveSession(ctx, act.Value.SessionID, func(a *ActiveSession) (string, error) {
		if err := o.setSessionModel(ctx, a, act.Value.ModelID); err != nil {
			return "", err
		}
		return "Model: " + act.Value.ModelID, nil
	})
	if err != nil {
		return lark.Toast{Type: "error", Content: err.Error()}
	}
	o.patchSelected(ctx, act.MessageID, label)
	return lark.Toast{Type: "success", Content: label}
}

func (o *Orchestrator) actionConfigDetail(ctx context.Context, act lark.CardAction) lark.Toast {
	card, err := o.withActiveSession(ctx, act.Value.SessionID, func(a *ActiveSession) (string, error) {
		opt, ok := a.configOption(act.Value.ConfigID)
		if !ok {
			return "", errors.New("Unknown configuration option.")
		}
		var buttons []lark.CardButton
		for _, v := range opt.Values {
			label := v.Name
			if v.ID == opt.Current {
				label += " ✓"
			}
			buttons = append(buttons, lark.CardButton{
				Text: label,
				Value: lark.ActionValue{
					Action:      "config_select",
					SessionID:   act.Value.SessionID,
					ConfigID:    opt.ID,
					ConfigValue: v.ID,
				},
			})
		}
		return lark.ListCard(fmt.Sprintf("**%s**", opt.Name), buttons), nil
	})
	if err != nil {
		return lark.Toast{Type: "error", Content: err.Error()}
	}
	if _, serr := o.messenger.SendMessage(ctx, act.ChatID, lark.MsgTypeInteractive, card); serr != nil {
		o.log.Warn("sending config card failed", "chat_id", act.ChatID, "error", serr)
		return lark.Toast{Type: "error", Content: "Failed to open the option."}
	}
	return lark.Toast{}
}

func (o *Orchestrator) actionConfigSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	label, err := o.withActiveSession(ctx, act.Value.SessionID, func(a *ActiveSession) (string, error) {
		opt, ok := a.configOption(act.Value.ConfigID)
		if !ok {
			return "", errors.New("Unknown configuration option.")
		}
		var serr error
		switch opt.ID {
		case configOptionMode:
			serr = o.setSessionMode(ctx, a, act.Value.ConfigValue)
		case configOptionModel:
			serr = o.setSessionModel(ctx, a, act.Value.ConfigValue)
		default:
			serr = errors.New("Unknown configuration option.")
		}
		if serr != nil {
			return "", serr
		}
		return fmt.Sprintf("%s: %s", opt.Name, act.Value.ConfigValue), nil
	})
	if err != nil {
		return lark.Toast{Type: "error", Content: err.Error()}
	}
	o.patchSelected(ctx, act.MessageID, label)
	return lark.Toast{Type: "success", Content: label}
}

func (o *Orchestrator) actionCommandSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	sess, err := o.store.GetSession(ctx, act.Value.SessionID)
	if err != nil {
		return lark.Toast{Type: "error", Content: msgNoSession}
	}
	command := "/" + act.Value.CommandName
	o.patchSelected(ctx, act.MessageID, "Running "+command)

	// The prompt outlives the 3 s callback budget.
	go o.runPrompt(context.WithoutCancel(ctx), act.MessageID, sess, command)
	return lark.Toast{Type: "success", Content: "Running " + command}
}

// withActiveSession runs fn on the session's ActiveSession under the session
// lock, starting the agent if needed.
func (o *Orchestrator) withActiveSession(ctx context.Context, sessionID string, fn func(*ActiveSession) (string, error)) (string, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return "", errors.New(msgNoSession)
		}
		o.log.Error("loading session", "session_id", sessionID, "error", err)
		return "", errors.New("Failed to load the session.")
	}

	var result string
	o.withSessionLock(sessionID, func() {
		var a *ActiveSession
		a, err = o.ensureActive(ctx, sess)
		if err != nil {
			err = errors.New("Failed to start the agent.")
			return
		}
		result, err = fn(a)
	})
	return result, err
}

// patchSelected replaces an interactive card with its selected state.
func (o *Orchestrator) patchSelected(ctx context.Context, messageID, text string) {
	if err := o.messenger.PatchMessage(ctx, messageID, lark.SelectedCard(text)); err != nil {
		o.log.Warn("patching card failed", "message_id", messageID, "error", err)
	}
}

// promptPrefix is the short prompt excerpt shown on resume confirmations.
func promptPrefix(sess store.Session) string {
	prefix := clip(strings.TrimSpace(sess.InitialPrompt), 30)
	if prefix == "" {
		prefix = "(no prompt)"
	}
	return prefix
}
