package lark

import "context"

// Message types accepted by SendMessage / ReplyMessage.
const (
	MsgTypeText        = "text"
	MsgTypeInteractive = "interactive"
)

// Card element insertion positions for AddCardElements.
const (
	InsertBefore = "insert_before"
	InsertAfter  = "insert_after"
	InsertAppend = "append"
)

// Messenger is the outbound IM surface. The SDK implementation talks to the
// OpenAPI; tests swap in a RecordingMessenger.
//
// Card entity methods carry the caller-supplied sequence; the platform
// rejects stale sequences, which is what keeps concurrent card writers from
// interleaving.
type Messenger interface {
	// SendMessage posts a new message to a chat and returns its message id.
	SendMessage(ctx context.Context, chatID, msgType, content string) (string, error)

	// ReplyMessage replies to an existing message (threading the reply) and
	// returns the new message id.
	ReplyMessage(ctx context.Context, replyToID, msgType, content string) (string, error)

	// PatchMessage replaces the interactive card attached to a message.
	PatchMessage(ctx context.Context, messageID, content string) error

	// CreateCard creates a card entity from full card JSON and returns its
	// card id.
	CreateCard(ctx context.Context, cardJSON string) (string, error)

	// UpdateCard replaces a card entity's full JSON.
	UpdateCard(ctx context.Context, cardID, cardJSON string, sequence int) error

	// UpdateCardSettings patches a card entity's settings (streaming mode).
	UpdateCardSettings(ctx context.Context, cardID, settingsJSON string, sequence int) error

	// UpdateCardElement replaces one element of a card entity.
	UpdateCardElement(ctx context.Context, cardID, elementID, elementJSON string, sequence int) error

	// StreamCardText replaces the text content of a streaming text element.
	StreamCardText(ctx context.Context, cardID, elementID, content string, sequence int) error

	// AddCardElements inserts new elements relative to a target element.
	AddCardElements(ctx context.Context, cardID, insertType, targetElementID, elementsJSON string, sequence int) error

	// DeleteCardElement removes one element from a card entity.
	DeleteCardElement(ctx context.Context, cardID, elementID string, sequence int) error
}

// DocClient reads and extends Lark documents; it backs the doc_read and
// doc_append local tools.
type DocClient interface {
	// ReadDoc returns the document's raw text content.
	ReadDoc(ctx context.Context, docToken string) (string, error)

	// AppendDoc appends a text block at the end of the document.
	AppendDoc(ctx context.Context, docToken, text string) error
}

// TextContent wraps plain text in the message content envelope.
func TextContent(text string) string {
	return marshalContent(map[string]any{"text": text})
}

// CardEntityContent references a card entity from an interactive message.
func CardEntityContent(cardID string) string {
	return marshalContent(map[string]any{
		"type": "card",
		"data": map[string]any{"card_id": cardID},
	})
}
