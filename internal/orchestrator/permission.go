package orchestrator

import (
	"context"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/larkcoder/larkcoder/internal/lark"
)

// permissionTimeout bounds how long a permission card waits for a click.
const permissionTimeout = 5 * time.Minute

type permissionOutcome struct {
	optionID  string
	cancelled bool
}

// permissionResolver is one pending permission request, keyed by the message
// carrying its card. Exactly one of {user click, timer, teardown} resolves
// it; the rest are no-ops.
type permissionResolver struct {
	messageID string
	options   map[string]string // option id → label, for the selected patch
	timer     *time.Timer
	once      sync.Once
	done      chan permissionOutcome
}

func (r *permissionResolver) resolve(out permissionOutcome) {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.done <- out
	})
}

func (r *permissionResolver) resolveCancelled() {
	r.resolve(permissionOutcome{cancelled: true})
}

// resolvePermission turns an ACP permission request into an IM card and
// blocks until the user clicks, the 5-minute timer fires, or the turn is
// torn down. Called from the bridge's dispatch goroutine.
func (o *Orchestrator) resolvePermission(ctx context.Context, a *ActiveSession, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	r := &permissionResolver{
		options: make(map[string]string, len(req.Options)),
		done:    make(chan permissionOutcome, 1),
	}
	for _, opt := range req.Options {
		r.options[string(opt.OptionId)] = opt.Name
	}

	var sendErr error
	o.withSessionLock(a.ID, func() {
		select {
		case <-a.quit:
			r.resolveCancelled()
			return
		default:
		}
		o.pauseCard(ctx, a, "(等待授权)")

		msgID, err := o.messenger.SendMessage(ctx, a.ChatID, lark.MsgTypeInteractive, permissionCardJSON(a.ID, req))
		if err != nil {
			sendErr = err
			return
		}
		r.messageID = msgID
		r.timer = time.AfterFunc(permissionTimeout, func() {
			o.expirePermission(a, msgID)
		})
		a.resolvers[msgID] = r
	})
	if sendErr != nil {
		o.log.Error("sending permission card failed", "session_id", a.ID, "error", sendErr)
		return cancelledPermission(), nil
	}

	select {
	case out := <-r.done:
		if out.cancelled {
			return cancelledPermission(), nil
		}
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(acpsdk.PermissionOptionId(out.optionID)),
		}, nil
	case <-ctx.Done():
		o.withSessionLock(a.ID, func() {
			delete(a.resolvers, r.messageID)
		})
		r.resolveCancelled()
		return cancelledPermission(), nil
	}
}

func cancelledPermission() acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}
}

// expirePermission fires when no click arrived within the timeout.
func (o *Orchestrator) expirePermission(a *ActiveSession, messageID string) {
	ctx := context.Background()
	var expired bool
	o.withSessionLock(a.ID, func() {
		r, ok := a.resolvers[messageID]
		if !ok {
			return
		}
		delete(a.resolvers, messageID)
		r.resolveCancelled()
		expired = true
	})
	if !expired {
		return
	}
	o.log.Info("permission request timed out", "session_id", a.ID, "message_id", messageID)
	if err := o.messenger.PatchMessage(ctx, messageID, lark.SelectedCard("Timed out — the request was cancelled.")); err != nil {
		o.log.Warn("patching expired permission card failed", "message_id", messageID, "error", err)
	}
}

// actionPermissionSelect handles a click on a permission card button.
func (o *Orchestrator) actionPermissionSelect(ctx context.Context, act lark.CardAction) lark.Toast {
	sessionID := act.Value.SessionID
	var label string
	var handled bool
	o.withSessionLock(sessionID, func() {
		a := o.getActive(sessionID)
		if a == nil {
			return
		}
		r, ok := a.resolvers[act.MessageID]
		if !ok {
			return
		}
		delete(a.resolvers, act.MessageID)
		label = r.options[act.Value.OptionID]
		r.resolve(permissionOutcome{optionID: act.Value.OptionID})
		handled = true
	})
	if !handled {
		return lark.Toast{Type: "error", Content: "This request is no longer pending."}
	}
	if label == "" {
		label = act.Value.OptionID
	}
	if err := o.messenger.PatchMessage(ctx, act.MessageID, lark.SelectedCard("Selected: "+label)); err != nil {
		o.log.Warn("patching permission card failed", "message_id", act.MessageID, "error", err)
	}
	return lark.Toast{Type: "success", Content: "Submitted"}
}

// permissionCardJSON renders the permission request as an interactive card.
func permissionCardJSON(sessionID string, req acpsdk.RequestPermissionRequest) string {
	title := "Permission required"
	if req.ToolCall.Title != nil && *req.ToolCall.Title != "" {
		title = *req.ToolCall.Title
	}
	description := "The agent is asking for permission to continue."
	if req.ToolCall.Kind != nil {
		description = "Tool: " + string(*req.ToolCall.Kind)
	}

	var buttons []lark.CardButton
	for _, opt := range req.Options {
		btnType := "default"
		switch opt.Kind {
		case acpsdk.PermissionOptionKindAllowOnce, acpsdk.PermissionOptionKindAllowAlways:
			btnType = "primary"
		case acpsdk.PermissionOptionKindRejectOnce:
			btnType = "danger"
		}
		buttons = append(buttons, lark.CardButton{
			Text: opt.Name,
			Type: btnType,
			Value: lark.ActionValue{
				Action:    "permission_select",
				SessionID: sessionID,
				OptionID:  string(opt.OptionId),
			},
		})
	}
	return lark.PermissionCard(title, description, buttons)
}
