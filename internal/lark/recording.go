package lark

import (
	"context"
	"fmt"
	"sync"
)

// MessengerCall records a single outbound call made through a Messenger.
type MessengerCall struct {
	Method    string
	ChatID    string
	MsgType   string
	Content   string
	ReplyTo   string
	MsgID     string
	CardID    string
	ElementID string
	Sequence  int
	Insert    string
	Target    string
}

// RecordingMessenger implements Messenger and DocClient by recording all
// outbound calls for later assertion in tests.
type RecordingMessenger struct {
	mu    sync.Mutex
	calls []MessengerCall

	// NextMessageID is returned for the next Send/Reply; when empty a
	// sequential "om_recorded_N" id is generated.
	NextMessageID string

	// NextCardID is returned by CreateCard; defaults to "card_recorded_N".
	NextCardID string

	// NextError, when set, is returned by the next call and then cleared.
	NextError error

	// DocContent is returned by ReadDoc.
	DocContent string

	sendCount int
	cardCount int
}

var (
	_ Messenger = (*RecordingMessenger)(nil)
	_ DocClient = (*RecordingMessenger)(nil)
)

func NewRecordingMessenger() *RecordingMessenger {
	return &RecordingMessenger{}
}

// Calls returns a copy of the recorded calls.
func (r *RecordingMessenger) Calls() []MessengerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessengerCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the recorded calls for one method.
func (r *RecordingMessenger) CallsTo(method string) []MessengerCall {
	var out []MessengerCall
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// LastCall returns the most recent call, or a zero value when none exist.
func (r *RecordingMessenger) LastCall() MessengerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return MessengerCall{}
	}
	return r.calls[len(r.calls)-1]
}

func (r *RecordingMessenger) record(call MessengerCall) {
	r.calls = append(r.calls, call)
}

func (r *RecordingMessenger) popError() error {
	if r.NextError != nil {
		err := r.NextError
		r.NextError = nil
		return err
	}
	return nil
}

func (r *RecordingMessenger) nextMsgID() string {
	if r.NextMessageID != "" {
		id := r.NextMessageID
		r.NextMessageID = ""
		return id
	}
	r.sendCount++
	return fmt.Sprintf("om_recorded_%d", r.sendCount)
}

func (r *RecordingMessenger) SendMessage(_ context.Context, chatID, msgType, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "SendMessage", ChatID: chatID, MsgType: msgType, Content: content})
	if err := r.popError(); err != nil {
		return "", err
	}
	return r.nextMsgID(), nil
}

func (r *RecordingMessenger) ReplyMessage(_ context.Context, replyToID, msgType, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "ReplyMessage", ReplyTo: replyToID, MsgType: msgType, Content: content})
	if err := r.popError(); err != nil {
		return "", err
	}
	return r.nextMsgID(), nil
}

func (r *RecordingMessenger) PatchMessage(_ context.Context, messageID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "PatchMessage", MsgID: messageID, Content: content})
	return r.popError()
}

func (r *RecordingMessenger) CreateCard(_ context.Context, cardJSON string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "CreateCard", Content: cardJSON})
	if err := r.popError(); err != nil {
		return "", err
	}
	if r.NextCardID != "" {
		id := r.NextCardID
		r.NextCardID = ""
		return id, nil
	}
	r.cardCount++
	return fmt.Sprintf("card_recorded_%d", r.cardCount), nil
}

func (r *RecordingMessenger) UpdateCard(_ context.Context, cardID, cardJSON string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "UpdateCard", CardID: cardID, Content: cardJSON, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) UpdateCardSettings(_ context.Context, cardID, settingsJSON string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "UpdateCardSettings", CardID: cardID, Content: settingsJSON, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) UpdateCardElement(_ context.Context, cardID, elementID, elementJSON string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "UpdateCardElement", CardID: cardID, ElementID: elementID, Content: elementJSON, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) StreamCardText(_ context.Context, cardID, elementID, content string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "StreamCardText", CardID: cardID, ElementID: elementID, Content: content, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) AddCardElements(_ context.Context, cardID, insertType, targetElementID, elementsJSON string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "AddCardElements", CardID: cardID, Insert: insertType, Target: targetElementID, Content: elementsJSON, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) DeleteCardElement(_ context.Context, cardID, elementID string, sequence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "DeleteCardElement", CardID: cardID, ElementID: elementID, Sequence: sequence})
	return r.popError()
}

func (r *RecordingMessenger) ReadDoc(_ context.Context, docToken string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "ReadDoc", MsgID: docToken})
	if err := r.popError(); err != nil {
		return "", err
	}
	return r.DocContent, nil
}

func (r *RecordingMessenger) AppendDoc(_ context.Context, docToken, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(MessengerCall{Method: "AppendDoc", MsgID: docToken, Content: text})
	return r.popError()
}
