package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// SDKMessenger implements Messenger and DocClient on the official OpenAPI
// client. Message operations use the typed im/v1 builders; card entity
// operations use the raw cardkit/v1 endpoints, which have no typed surface in
// the SDK.
type SDKMessenger struct {
	client *lark.Client
}

var (
	_ Messenger = (*SDKMessenger)(nil)
	_ DocClient = (*SDKMessenger)(nil)
)

func NewSDKMessenger(client *lark.Client) *SDKMessenger {
	return &SDKMessenger{client: client}
}

func (m *SDKMessenger) SendMessage(ctx context.Context, chatID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("creating message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", fmt.Errorf("creating message: response carries no message id")
	}
	return *resp.Data.MessageId, nil
}

func (m *SDKMessenger) ReplyMessage(ctx context.Context, replyToID, msgType, content string) (string, error) {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(replyToID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Reply(ctx, req)
	if err != nil {
		return "", fmt.Errorf("replying to message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("replying to message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", fmt.Errorf("replying to message: response carries no message id")
	}
	return *resp.Data.MessageId, nil
}

func (m *SDKMessenger) PatchMessage(ctx context.Context, messageID, content string) error {
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Patch(ctx, req)
	if err != nil {
		return fmt.Errorf("patching message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("patching message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// --- cardkit/v1 raw endpoints ---

func (m *SDKMessenger) CreateCard(ctx context.Context, cardJSON string) (string, error) {
	body := map[string]any{"type": "card_json", "data": cardJSON}
	raw, err := m.raw(ctx, http.MethodPost, "/open-apis/cardkit/v1/cards", body)
	if err != nil {
		return "", fmt.Errorf("creating card entity: %w", err)
	}
	var data struct {
		CardID string `json:"card_id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decoding card entity response: %w", err)
	}
	if data.CardID == "" {
		return "", fmt.Errorf("creating card entity: response carries no card id")
	}
	return data.CardID, nil
}

func (m *SDKMessenger) UpdateCard(ctx context.Context, cardID, cardJSON string, sequence int) error {
	body := map[string]any{
		"card":     map[string]any{"type": "card_json", "data": cardJSON},
		"sequence": sequence,
	}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s", cardID)
	if _, err := m.raw(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("updating card %s: %w", cardID, err)
	}
	return nil
}

func (m *SDKMessenger) UpdateCardSettings(ctx context.Context, cardID, settingsJSON string, sequence int) error {
	body := map[string]any{"settings": settingsJSON, "sequence": sequence}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/settings", cardID)
	if _, err := m.raw(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("updating card %s settings: %w", cardID, err)
	}
	return nil
}

func (m *SDKMessenger) UpdateCardElement(ctx context.Context, cardID, elementID, elementJSON string, sequence int) error {
	body := map[string]any{"element": elementJSON, "sequence": sequence}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements/%s", cardID, elementID)
	if _, err := m.raw(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("updating card %s element %s: %w", cardID, elementID, err)
	}
	return nil
}

func (m *SDKMessenger) StreamCardText(ctx context.Context, cardID, elementID, content string, sequence int) error {
	body := map[string]any{"content": content, "sequence": sequence}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements/%s/content", cardID, elementID)
	if _, err := m.raw(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("streaming into card %s element %s: %w", cardID, elementID, err)
	}
	return nil
}

func (m *SDKMessenger) AddCardElements(ctx context.Context, cardID, insertType, targetElementID, elementsJSON string, sequence int) error {
	body := map[string]any{
		"type":     insertType,
		"elements": elementsJSON,
		"sequence": sequence,
	}
	if targetElementID != "" {
		body["target_element_id"] = targetElementID
	}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements", cardID)
	if _, err := m.raw(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("adding elements to card %s: %w", cardID, err)
	}
	return nil
}

func (m *SDKMessenger) DeleteCardElement(ctx context.Context, cardID, elementID string, sequence int) error {
	body := map[string]any{"sequence": sequence}
	path := fmt.Sprintf("/open-apis/cardkit/v1/cards/%s/elements/%s", cardID, elementID)
	if _, err := m.raw(ctx, http.MethodDelete, path, body); err != nil {
		return fmt.Errorf("deleting card %s element %s: %w", cardID, elementID, err)
	}
	return nil
}

// --- docx/v1 raw endpoints ---

func (m *SDKMessenger) ReadDoc(ctx context.Context, docToken string) (string, error) {
	path := fmt.Sprintf("/open-apis/docx/v1/documents/%s/raw_content", docToken)
	raw, err := m.raw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", fmt.Errorf("reading document %s: %w", docToken, err)
	}
	var data struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decoding document content: %w", err)
	}
	return data.Content, nil
}

func (m *SDKMessenger) AppendDoc(ctx context.Context, docToken, text string) error {
	// The document root block shares the document token; appending children
	// to it appends to the end of the document.
	body := map[string]any{
		"children": []any{
			map[string]any{
				"block_type": 2, // text block
				"text": map[string]any{
					"elements": []any{
						map[string]any{
							"text_run": map[string]any{"content": text},
						},
					},
				},
			},
		},
	}
	path := fmt.Sprintf("/open-apis/docx/v1/documents/%s/blocks/%s/children", docToken, docToken)
	if _, err := m.raw(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("appending to document %s: %w", docToken, err)
	}
	return nil
}

// raw issues a request against an endpoint without a typed SDK surface and
// returns the decoded "data" payload.
func (m *SDKMessenger) raw(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var (
		resp *larkcore.ApiResp
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = m.client.Get(ctx, path, body, larkcore.AccessTokenTypeTenant)
	case http.MethodPost:
		resp, err = m.client.Post(ctx, path, body, larkcore.AccessTokenTypeTenant)
	case http.MethodPut:
		resp, err = m.client.Put(ctx, path, body, larkcore.AccessTokenTypeTenant)
	case http.MethodPatch:
		resp, err = m.client.Patch(ctx, path, body, larkcore.AccessTokenTypeTenant)
	case http.MethodDelete:
		resp, err = m.client.Delete(ctx, path, body, larkcore.AccessTokenTypeTenant)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.RawBody, &envelope); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if envelope.Code != 0 {
		return nil, fmt.Errorf("code=%d msg=%s", envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}
