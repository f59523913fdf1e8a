package orchestrator

import (
	"context"
	"errors"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

// resolveSession maps an inbound message to a session:
//  1. a reply inside a thread picks the thread's session;
//  2. otherwise the chat's active project picks its most recent session,
//     falling back to the chat's most recent session;
//  3. nil when the chat has no session yet.
func (o *Orchestrator) resolveSession(ctx context.Context, msg lark.InboundMessage) (*store.Session, error) {
	if msg.RootID != "" && msg.RootID != msg.MessageID {
		sess, err := o.store.FindByThread(ctx, msg.ChatID, msg.RootID)
		if err == nil {
			return &sess, nil
		}
		if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
		// A reply in a thread without a session falls through to recency.
	}

	projectID, err := o.store.ActiveProject(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		sess, err := o.store.FindLatestByProject(ctx, msg.ChatID, projectID)
		if err == nil {
			return &sess, nil
		}
		if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
	}

	sess, err := o.store.FindLatestByChat(ctx, msg.ChatID)
	if err == nil {
		return &sess, nil
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, nil
	}
	return nil, err
}
