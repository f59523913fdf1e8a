package lark

import (
	"encoding/json"
	"fmt"
)

// Card JSON builders for the 2.0 card schema. Builders return the serialized
// JSON the cardkit endpoints accept; element ids are the caller's concern so
// patches can target them later.

func marshalContent(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// All inputs are map/slice/string literals; this cannot fail.
		panic(err)
	}
	return string(data)
}

// MarkdownElement is a plain markdown element with a stable id.
func MarkdownElement(elementID, content string) map[string]any {
	return map[string]any{
		"tag":        "markdown",
		"element_id": elementID,
		"content":    content,
	}
}

// GreyMarkdown wraps content in the grey font used for placeholders and
// duration markers.
func GreyMarkdown(elementID, content string) map[string]any {
	return MarkdownElement(elementID, fmt.Sprintf("<font color=\"grey\">%s</font>", content))
}

// ElementJSON serializes a single element for patch/add calls.
func ElementJSON(element map[string]any) string {
	return marshalContent(element)
}

// ElementsJSON serializes an element list for add-elements calls.
func ElementsJSON(elements ...map[string]any) string {
	return marshalContent(elements)
}

// Initial element ids of a working card. The placeholder is replaced on the
// first flush; the processing indicator survives until close.
const (
	PlaceholderElementID = "md_0"
	ProcessingElementID  = "processing"
)

// WorkingCard is the streaming card created when a turn (or shell command)
// starts.
func WorkingCard(summary string) string {
	return marshalContent(map[string]any{
		"schema": "2.0",
		"config": map[string]any{
			"streaming_mode": true,
			"summary":        map[string]any{"content": summary},
			"streaming_config": map[string]any{
				"print_frequency_ms": map[string]any{"default": 30},
				"print_step":         map[string]any{"default": 2},
				"print_strategy":     "fast",
			},
		},
		"body": map[string]any{
			"elements": []any{
				GreyMarkdown(PlaceholderElementID, "Pending..."),
				GreyMarkdown(ProcessingElementID, "Processing..."),
			},
		},
	})
}

// StreamingClosedSettings turns a card's streaming mode off with a summary.
func StreamingClosedSettings(summary string) string {
	return marshalContent(map[string]any{
		"config": map[string]any{
			"streaming_mode": false,
			"summary":        map[string]any{"content": summary},
		},
	})
}

// StreamingOpenSettings re-enables streaming mode after the platform's
// idle auto-close.
func StreamingOpenSettings() string {
	return marshalContent(map[string]any{
		"config": map[string]any{"streaming_mode": true},
	})
}

// CardButton is one interactive choice on a list or permission card.
type CardButton struct {
	Text  string
	Type  string // "primary", "default", "danger"; defaults to "default"
	Value ActionValue
}

func buttonElement(elementID string, b CardButton) map[string]any {
	btnType := b.Type
	if btnType == "" {
		btnType = "default"
	}
	return map[string]any{
		"tag":        "button",
		"element_id": elementID,
		"text":       map[string]any{"tag": "plain_text", "content": b.Text},
		"type":       btnType,
		"width":      "fill",
		"behaviors": []any{
			map[string]any{"type": "callback", "value": b.Value},
		},
	}
}

// PermissionCard asks the user to allow or reject a tool invocation.
func PermissionCard(title, description string, buttons []CardButton) string {
	elements := []any{
		MarkdownElement("perm_desc", fmt.Sprintf("**%s**\n%s", title, description)),
	}
	for i, b := range buttons {
		elements = append(elements, buttonElement(fmt.Sprintf("perm_opt_%d", i), b))
	}
	return marshalContent(map[string]any{
		"schema": "2.0",
		"body":   map[string]any{"elements": elements},
	})
}

// SelectedCard replaces an interactive card after a choice was made.
func SelectedCard(text string) string {
	return marshalContent(map[string]any{
		"schema": "2.0",
		"body": map[string]any{
			"elements": []any{MarkdownElement("selected", text)},
		},
	})
}

// ListCard shows a header line followed by one button per item.
func ListCard(header string, buttons []CardButton) string {
	elements := []any{MarkdownElement("list_header", header)}
	for i, b := range buttons {
		elements = append(elements, buttonElement(fmt.Sprintf("list_item_%d", i), b))
	}
	return marshalContent(map[string]any{
		"schema": "2.0",
		"body":   map[string]any{"elements": elements},
	})
}

// ProjectFormCard is the create/edit project form. action is "project_create"
// or "project_edit"; projectID is carried on edits.
func ProjectFormCard(action, projectID, title, description, folderName string) string {
	input := func(name, placeholder, defaultValue string) map[string]any {
		el := map[string]any{
			"tag":         "input",
			"element_id":  "input_" + name,
			"name":        name,
			"placeholder": map[string]any{"tag": "plain_text", "content": placeholder},
		}
		if defaultValue != "" {
			el["default_value"] = defaultValue
		}
		return el
	}
	submit := buttonElement("form_submit", CardButton{
		Text: "Save", Type: "primary",
		Value: ActionValue{Action: action, ProjectID: projectID},
	})
	submit["form_action_type"] = "submit"
	cancel := buttonElement("form_cancel", CardButton{
		Text:  "Cancel",
		Value: ActionValue{Action: "project_cancel", ProjectID: projectID},
	})

	return marshalContent(map[string]any{
		"schema": "2.0",
		"body": map[string]any{
			"elements": []any{
				map[string]any{
					"tag":        "form",
					"element_id": "project_form",
					"elements": []any{
						input("title", "Project title", title),
						input("description", "Description (optional)", description),
						input("folder_name", "Folder name", folderName),
						submit,
						cancel,
					},
				},
			},
		},
	})
}
