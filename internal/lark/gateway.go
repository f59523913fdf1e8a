package lark

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
)

// Handler consumes the neutral inbound values the gateway produces. Message
// handling is fire-and-forget; card actions return the toast shown to the
// clicking user and must come back well inside the platform's 3s ack budget.
type Handler interface {
	HandleMessage(ctx context.Context, msg InboundMessage)
	HandleCardAction(ctx context.Context, action CardAction) Toast
}

// GatewayConfig is the slice of app config the gateway needs.
type GatewayConfig struct {
	AppID             string
	AppSecret         string
	BaseDomain        string
	VerificationToken string
	EventEncryptKey   string
	BotOpenID         string
}

// Gateway owns the Lark long connection and converts its events into calls on
// a Handler.
type Gateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	handler  Handler
	client   *lark.Client
	wsClient *larkws.Client
}

func NewGateway(log *slog.Logger, cfg GatewayConfig, handler Handler) *Gateway {
	return &Gateway{
		log:     log.With("component", "lark-gateway"),
		cfg:     cfg,
		handler: handler,
	}
}

// Client returns the REST client; available after Start has been called once,
// or after an explicit Connect.
func (g *Gateway) Client() *lark.Client {
	return g.client
}

// Connect builds the REST client without starting the event stream.
func (g *Gateway) Connect() *lark.Client {
	if g.client == nil {
		var opts []lark.ClientOptionFunc
		if domain := strings.TrimSpace(g.cfg.BaseDomain); domain != "" {
			opts = append(opts, lark.WithOpenBaseUrl(domain))
		}
		g.client = lark.NewClient(g.cfg.AppID, g.cfg.AppSecret, opts...)
	}
	return g.client
}

// Start connects the WS event stream and blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.Connect()

	eventDispatcher := dispatcher.NewEventDispatcher(g.cfg.VerificationToken, g.cfg.EventEncryptKey)
	eventDispatcher.OnP2MessageReceiveV1(g.onMessage)
	eventDispatcher.OnP2CardActionTrigger(g.onCardAction)

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	}
	if domain := strings.TrimSpace(g.cfg.BaseDomain); domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(domain))
	}
	g.wsClient = larkws.NewClient(g.cfg.AppID, g.cfg.AppSecret, wsOpts...)

	g.log.Info("connecting event stream", "app_id", g.cfg.AppID)
	return g.wsClient.Start(ctx)
}

func (g *Gateway) onMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	msg, ok := g.convertMessage(event)
	if !ok {
		return nil
	}
	// Ack the event immediately; the handler does its own locking and I/O.
	go g.handler.HandleMessage(context.WithoutCancel(ctx), msg)
	return nil
}

func (g *Gateway) convertMessage(event *larkim.P2MessageReceiveV1) (InboundMessage, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return InboundMessage{}, false
	}
	msg := event.Event.Message

	if deref(msg.MessageType) != "text" {
		return InboundMessage{}, false
	}

	chatType := deref(msg.ChatType)
	if chatType == "group" && !g.botMentioned(msg.Mentions) {
		return InboundMessage{}, false
	}

	text := stripMentions(parseTextContent(deref(msg.Content)))
	if text == "" {
		return InboundMessage{}, false
	}

	chatID := deref(msg.ChatId)
	if chatID == "" {
		g.log.Warn("message event without chat_id")
		return InboundMessage{}, false
	}

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = deref(event.Event.Sender.SenderId.OpenId)
	}

	eventID := ""
	if event.EventV2Base != nil && event.EventV2Base.Header != nil {
		eventID = event.EventV2Base.Header.EventID
	}

	return InboundMessage{
		EventID:   eventID,
		MessageID: deref(msg.MessageId),
		ChatID:    chatID,
		ChatType:  chatType,
		RootID:    deref(msg.RootId),
		SenderID:  senderID,
		Text:      text,
	}, true
}

func (g *Gateway) botMentioned(mentions []*larkim.MentionEvent) bool {
	for _, m := range mentions {
		if m == nil {
			continue
		}
		if g.cfg.BotOpenID == "" {
			return true
		}
		if m.Id != nil && deref(m.Id.OpenId) == g.cfg.BotOpenID {
			return true
		}
	}
	return false
}

func (g *Gateway) onCardAction(ctx context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
	action, ok := convertCardAction(event)
	if !ok {
		return toastResponse(Toast{Type: "error", Content: "Invalid action"}), nil
	}
	// Card actions resolve synchronously: the handler only flips in-memory
	// state and queues follow-up work.
	toast := g.handler.HandleCardAction(context.WithoutCancel(ctx), action)
	return toastResponse(toast), nil
}

func convertCardAction(event *callback.CardActionTriggerEvent) (CardAction, bool) {
	if event == nil || event.Event == nil || event.Event.Action == nil {
		return CardAction{}, false
	}

	action := CardAction{
		FormValue: event.Event.Action.FormValue,
	}
	if event.Event.Operator != nil {
		action.OperatorID = event.Event.Operator.OpenID
	}
	if event.Event.Context != nil {
		action.ChatID = event.Event.Context.OpenChatID
		action.MessageID = event.Event.Context.OpenMessageID
	}
	if event.EventV2Base != nil && event.EventV2Base.Header != nil {
		action.EventID = event.EventV2Base.Header.EventID
	}

	// The callback value arrives as an untyped map; round-trip through JSON
	// into the typed ActionValue.
	raw, err := json.Marshal(event.Event.Action.Value)
	if err != nil {
		return CardAction{}, false
	}
	if err := json.Unmarshal(raw, &action.Value); err != nil {
		return CardAction{}, false
	}
	if action.Value.Action == "" {
		return CardAction{}, false
	}
	return action, true
}

func toastResponse(t Toast) *callback.CardActionTriggerResponse {
	if t.Content == "" {
		return &callback.CardActionTriggerResponse{}
	}
	if t.Type == "" {
		t.Type = "success"
	}
	return &callback.CardActionTriggerResponse{
		Toast: &callback.Toast{Type: t.Type, Content: t.Content},
	}
}

// parseTextContent extracts the "text" field from a text message's content
// JSON.
func parseTextContent(content string) string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Text)
}

var mentionPattern = regexp.MustCompile(`@_user_\d+\s*`)

// stripMentions removes the @_user_N placeholders Lark substitutes for
// mentions in message text.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
