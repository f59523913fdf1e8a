// Package lark is the IM edge: it converts Lark events into neutral inbound
// values and sends messages and cards through the OpenAPI surface.
package lark

// InboundMessage is a text message received over the event stream, with
// mention placeholders already stripped.
type InboundMessage struct {
	EventID   string
	MessageID string
	ChatID    string
	ChatType  string // "p2p" or "group"
	RootID    string // thread root message id, empty outside threads
	SenderID  string
	Text      string
}

// ActionValue is the JSON value attached to a card button or option.
type ActionValue struct {
	Action      string `json:"action"`
	SessionID   string `json:"session_id,omitempty"`
	OptionID    string `json:"option_id,omitempty"`
	ModeID      string `json:"mode_id,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
	ConfigID    string `json:"config_id,omitempty"`
	ConfigValue string `json:"config_value,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	CommandName string `json:"command_name,omitempty"`
}

// CardAction is a card button click or form submit.
type CardAction struct {
	EventID    string
	OperatorID string
	MessageID  string // the message carrying the clicked card
	ChatID     string
	Value      ActionValue
	FormValue  map[string]any
}

// Toast is the transient feedback shown to the clicking user.
type Toast struct {
	Type    string // "success", "error", "info"
	Content string
}
