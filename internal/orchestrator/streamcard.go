package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/larkcoder/larkcoder/internal/lark"
)

// streamingCard tracks the card a turn (or shell command) streams into.
// All fields are guarded by the session lock.
type streamingCard struct {
	cardID    string
	messageID string

	// activeElementID is the markdown element text currently appends to;
	// empty after a tool-call element finalized the previous one.
	activeElementID string
	// elementStart is the offset into accumulated where the active element
	// begins.
	elementStart   int
	elementCounter int

	accumulated string
	lastFlushed string

	flushTimer *time.Timer

	createdAt     time.Time
	streamingOpen bool
	lastPatchAt   time.Time

	placeholderReplaced bool
	placeholderDeleted  bool
}

// openCard creates the working card and attaches it to a reply. Caller holds
// the session lock.
func (o *Orchestrator) openCard(ctx context.Context, a *ActiveSession, replyToID string) error {
	cardID, err := o.messenger.CreateCard(ctx, lark.WorkingCard("Working..."))
	if err != nil {
		return fmt.Errorf("creating card: %w", err)
	}
	msgID, err := o.messenger.ReplyMessage(ctx, replyToID, lark.MsgTypeInteractive, lark.CardEntityContent(cardID))
	if err != nil {
		return fmt.Errorf("sending card: %w", err)
	}
	o.attachCard(ctx, a, cardID, msgID)
	return nil
}

// ensureCard guarantees a streaming card exists, creating a standalone one
// when an update arrives outside an open turn.
func (o *Orchestrator) ensureCard(ctx context.Context, a *ActiveSession) *streamingCard {
	if a.Card != nil {
		return a.Card
	}
	cardID, err := o.messenger.CreateCard(ctx, lark.WorkingCard("Working..."))
	if err != nil {
		o.log.Warn("creating card failed", "session_id", a.ID, "error", err)
		return nil
	}
	msgID, err := o.messenger.SendMessage(ctx, a.ChatID, lark.MsgTypeInteractive, lark.CardEntityContent(cardID))
	if err != nil {
		o.log.Warn("sending card failed", "session_id", a.ID, "error", err)
		return nil
	}
	o.attachCard(ctx, a, cardID, msgID)
	return a.Card
}

func (o *Orchestrator) attachCard(ctx context.Context, a *ActiveSession, cardID, msgID string) {
	now := time.Now()
	a.Card = &streamingCard{
		cardID:        cardID,
		messageID:     msgID,
		createdAt:     now,
		streamingOpen: true,
		lastPatchAt:   now,
	}
	if err := o.store.SetWorkingMessageID(ctx, a.ID, msgID); err != nil {
		o.log.Warn("recording working message failed", "session_id", a.ID, "error", err)
	}
}

// appendCardText buffers streamed text and schedules a throttled flush.
// Caller holds the session lock.
func (o *Orchestrator) appendCardText(ctx context.Context, a *ActiveSession, text string) {
	c := o.ensureCard(ctx, a)
	if c == nil || text == "" {
		return
	}
	limit := o.cfg.Stream.MaxContentBytes
	if len(c.accumulated) >= limit {
		// Cap reached; the card shows the head of the output.
		return
	}
	c.accumulated += text
	if len(c.accumulated) > limit {
		c.accumulated = c.accumulated[:limit]
	}
	o.scheduleFlush(a)
}

// appendCardTextRaw buffers text that bypasses the stream content cap. Shell
// output enforces its own byte budget before it gets here, and the fences and
// truncation notice must land even when both caps are reached. Caller holds
// the session lock.
func (o *Orchestrator) appendCardTextRaw(ctx context.Context, a *ActiveSession, text string) {
	c := o.ensureCard(ctx, a)
	if c == nil || text == "" {
		return
	}
	c.accumulated += text
	o.scheduleFlush(a)
}

// scheduleFlush arms the flush timer if no flush is pending.
func (o *Orchestrator) scheduleFlush(a *ActiveSession) {
	c := a.Card
	if c == nil || c.flushTimer != nil {
		return
	}
	id := a.ID
	c.flushTimer = time.AfterFunc(o.cfg.Stream.FlushInterval, func() {
		o.withSessionLock(id, func() {
			cur := o.getActive(id)
			if cur != a || cur.Card == nil {
				return
			}
			cur.Card.flushTimer = nil
			o.flushCard(context.Background(), cur)
		})
	})
}

// forceFlush cancels any pending timer and flushes synchronously. Caller
// holds the session lock.
func (o *Orchestrator) forceFlush(ctx context.Context, a *ActiveSession) {
	c := a.Card
	if c == nil {
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	o.flushCard(ctx, a)
}

// flushCard pushes the unflushed tail of accumulated text to IM. A no-op
// when nothing changed since the last flush.
func (o *Orchestrator) flushCard(ctx context.Context, a *ActiveSession) {
	c := a.Card
	if c == nil || c.accumulated == c.lastFlushed {
		return
	}
	o.reopenIfIdle(ctx, a)

	segment := c.accumulated[c.elementStart:]
	var err error
	switch {
	case c.activeElementID != "":
		seq := a.nextSequence(c.cardID)
		err = o.messenger.StreamCardText(ctx, c.cardID, c.activeElementID, segment, seq)
	case !c.placeholderReplaced && !c.placeholderDeleted:
		// First flush replaces the greyed placeholder in place.
		seq := a.nextSequence(c.cardID)
		err = o.messenger.UpdateCardElement(ctx, c.cardID, lark.PlaceholderElementID,
			lark.ElementJSON(lark.MarkdownElement(lark.PlaceholderElementID, segment)), seq)
		if err == nil {
			c.placeholderReplaced = true
			c.activeElementID = lark.PlaceholderElementID
		}
	default:
		c.elementCounter++
		elementID := fmt.Sprintf("md_%d", c.elementCounter)
		seq := a.nextSequence(c.cardID)
		err = o.messenger.AddCardElements(ctx, c.cardID, lark.InsertBefore, lark.ProcessingElementID,
			lark.ElementsJSON(lark.MarkdownElement(elementID, segment)), seq)
		if err == nil {
			c.activeElementID = elementID
		}
	}
	if err != nil {
		// The next flush retries with the same content; sequences advanced
		// anyway so IM accepts it.
		o.log.Warn("card flush failed", "session_id", a.ID, "card_id", c.cardID, "error", err)
		return
	}
	c.lastFlushed = c.accumulated
	c.lastPatchAt = time.Now()
}

// reopenIfIdle re-enables streaming mode after the platform's idle
// auto-close window has passed without a patch.
func (o *Orchestrator) reopenIfIdle(ctx context.Context, a *ActiveSession) {
	c := a.Card
	if c.streamingOpen && time.Since(c.lastPatchAt) < o.cfg.Stream.AutoCloseAfter {
		return
	}
	seq := a.nextSequence(c.cardID)
	if err := o.messenger.UpdateCardSettings(ctx, c.cardID, lark.StreamingOpenSettings(), seq); err != nil {
		o.log.Warn("reopening card failed", "session_id", a.ID, "card_id", c.cardID, "error", err)
		return
	}
	c.streamingOpen = true
	c.lastPatchAt = time.Now()
}

// finalizeActiveElement closes the current markdown element so the next
// text chunk opens a fresh one. Caller holds the session lock.
func finalizeActiveElement(c *streamingCard) {
	c.activeElementID = ""
	c.elementStart = len(c.accumulated)
	c.lastFlushed = c.accumulated
}

// closeCard ends the card: final flush, duration marker, streaming off with
// a summary. Caller holds the session lock.
func (o *Orchestrator) closeCard(ctx context.Context, a *ActiveSession, summary string) {
	c := a.Card
	if c == nil {
		return
	}
	o.forceFlush(ctx, a)

	duration := int(time.Since(c.createdAt).Seconds())
	seq := a.nextSequence(c.cardID)
	if err := o.messenger.UpdateCardElement(ctx, c.cardID, lark.ProcessingElementID,
		lark.ElementJSON(lark.GreyMarkdown(lark.ProcessingElementID, fmt.Sprintf("%ds", duration))), seq); err != nil {
		o.log.Warn("closing card element failed", "card_id", c.cardID, "error", err)
	}
	seq = a.nextSequence(c.cardID)
	if err := o.messenger.UpdateCardSettings(ctx, c.cardID, lark.StreamingClosedSettings(summary), seq); err != nil {
		o.log.Warn("closing card settings failed", "card_id", c.cardID, "error", err)
	}

	if err := o.store.SetWorkingMessageID(ctx, a.ID, ""); err != nil {
		o.log.Warn("clearing working message failed", "session_id", a.ID, "error", err)
	}
	a.Card = nil
}

// pauseCard suspends streaming while a permission or selection card waits for
// the user. The card object stays attached so the turn can continue into it.
// Caller holds the session lock.
func (o *Orchestrator) pauseCard(ctx context.Context, a *ActiveSession, fallbackSummary string) {
	c := a.Card
	if c == nil {
		return
	}
	o.forceFlush(ctx, a)

	summary := summarize(c.accumulated, fallbackSummary)
	seq := a.nextSequence(c.cardID)
	if err := o.messenger.UpdateCardSettings(ctx, c.cardID, lark.StreamingClosedSettings(summary), seq); err != nil {
		o.log.Warn("pausing card failed", "card_id", c.cardID, "error", err)
		return
	}
	c.streamingOpen = false
}
