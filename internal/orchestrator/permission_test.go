package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larkcoder/larkcoder/internal/lark"
)

func TestPermissionResolverResolvesOnce(t *testing.T) {
	r := &permissionResolver{
		options: map[string]string{"allow": "Allow"},
		done:    make(chan permissionOutcome, 1),
		timer:   time.NewTimer(time.Hour),
	}

	r.resolve(permissionOutcome{optionID: "allow"})
	r.resolveCancelled()
	r.resolve(permissionOutcome{optionID: "reject"})

	out := <-r.done
	assert.Equal(t, "allow", out.optionID)
	assert.False(t, out.cancelled)

	select {
	case extra := <-r.done:
		t.Fatalf("unexpected second outcome: %+v", extra)
	default:
	}
}

func TestPermissionSelectUnknownMessage(t *testing.T) {
	f := newFixture(t, nil)

	toast := f.o.HandleCardAction(context.Background(), lark.CardAction{
		EventID:   "evt-unknown-perm",
		MessageID: "om_gone",
		ChatID:    testChat,
		Value: lark.ActionValue{
			Action:    "permission_select",
			SessionID: "missing-session",
			OptionID:  "allow",
		},
	})
	assert.Equal(t, "error", toast.Type)
	assert.Contains(t, toast.Content, "no longer pending")
}

func TestPermissionCardJSON(t *testing.T) {
	title := "Edit main.go"
	kind := acpsdk.ToolKindEdit
	card := permissionCardJSON("sess-1", acpsdk.RequestPermissionRequest{
		ToolCall: acpsdk.RequestPermissionToolCall{
			ToolCallId: "tool-1",
			Title:      &title,
			Kind:       &kind,
		},
		Options: []acpsdk.PermissionOption{
			{OptionId: "allow_always", Name: "Always allow", Kind: acpsdk.PermissionOptionKindAllowAlways},
			{OptionId: "allow", Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
			{OptionId: "reject", Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
		},
	})

	assert.Contains(t, card, "Edit main.go")
	assert.Contains(t, card, "permission_select")
	assert.Contains(t, card, `"session_id":"sess-1"`)
	assert.Contains(t, card, `"option_id":"allow"`)
	assert.Contains(t, card, "danger")
}

func TestPermissionRejectedTurn(t *testing.T) {
	f := newFixture(t, nil)

	f.runTurn(t, inbound("change everything"), "reject")

	// The agent reports the rejection in its closing message.
	var streamed string
	for _, c := range f.rec.Calls() {
		if c.Method == "StreamCardText" || c.Method == "UpdateCardElement" {
			if len(c.Content) > len(streamed) {
				streamed = c.Content
			}
		}
	}
	assert.Contains(t, streamed, "untouched")
}

func TestPermissionPausesStreamingCard(t *testing.T) {
	f := newFixture(t, nil)

	f.runTurn(t, inbound("risky change"), "allow")

	// The card's streaming mode was closed for the pause and the permission
	// card was posted as a fresh message.
	var pauses int
	for _, c := range f.rec.CallsTo("UpdateCardSettings") {
		if containsAll(c.Content, `"streaming_mode":false`) {
			pauses++
		}
	}
	require.GreaterOrEqual(t, pauses, 2, "pause plus final close")

	var permissionCards int
	for _, c := range f.rec.CallsTo("SendMessage") {
		if containsAll(c.Content, "permission_select") {
			permissionCards++
		}
	}
	assert.Equal(t, 1, permissionCards)

	// The selected option was patched into the card.
	var patched bool
	for _, c := range f.rec.CallsTo("PatchMessage") {
		if containsAll(c.Content, "Selected:") {
			patched = true
		}
	}
	assert.True(t, patched)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
