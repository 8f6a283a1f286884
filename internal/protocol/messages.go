package protocol

import (
	"encoding/json"
	"strings"
)

// FromMessages translates a native Messages request body into the
// canonical conversation. The native shape already matches the
// canonical form turn-for-turn (spec.md §4.4 "From Messages: the
// canonical form already; only apply C3"), so this is direct field
// extraction with no reordering.
func FromMessages(body map[string]any) (*Conversation, error) {
	rawMessages, _ := body["messages"].([]any)
	if len(rawMessages) == 0 {
		return nil, badRequest("messages", "messages request requires at least one message")
	}

	conv := &Conversation{}

	switch sys := body["system"].(type) {
	case string:
		if strings.TrimSpace(sys) != "" {
			conv.SystemFragments = append(conv.SystemFragments, sys)
		}
	case []any:
		for _, b := range sys {
			block, _ := b.(map[string]any)
			if block == nil {
				continue
			}
			if t, _ := block["text"].(string); strings.TrimSpace(t) != "" {
				conv.SystemFragments = append(conv.SystemFragments, t)
			}
		}
	}

	for _, raw := range rawMessages {
		m, _ := raw.(map[string]any)
		if m == nil {
			continue
		}
		role, _ := m["role"].(string)
		blocks := contentBlocksOf(m["content"])

		switch role {
		case "user":
			var parts []UserPart
			var results []ToolResult
			for _, b := range blocks {
				switch b["type"] {
				case "text", "":
					if t, _ := b["text"].(string); strings.TrimSpace(t) != "" {
						parts = append(parts, UserPart{Text: t})
					}
				case "image":
					if src := imageSourceOf(b["source"]); src != "" {
						parts = append(parts, UserPart{ImageRef: src})
					}
				case "tool_result":
					id, _ := b["tool_use_id"].(string)
					isErr, _ := b["is_error"].(bool)
					results = append(results, ToolResult{CallID: id, Output: textOrBlocks(b["content"]), IsError: isErr})
				}
			}
			if len(results) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnToolResults, ToolResults: results})
			}
			if len(parts) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnUser, UserParts: parts})
			}

		case "assistant":
			var text strings.Builder
			var calls []ToolCall
			for _, b := range blocks {
				switch b["type"] {
				case "text":
					if t, _ := b["text"].(string); t != "" {
						text.WriteString(t)
					}
				case "tool_use":
					id, _ := b["id"].(string)
					name, _ := b["name"].(string)
					input, err := json.Marshal(b["input"])
					if err != nil || string(input) == "null" {
						input = []byte(`{}`)
					}
					calls = append(calls, ToolCall{CallID: id, ToolName: name, Arguments: input})
				}
			}
			if strings.TrimSpace(text.String()) != "" {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantText, Text: text.String()})
			}
			if len(calls) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantToolCalls, ToolCalls: calls})
			}
		}
	}

	if model, _ := body["model"].(string); model != "" {
		conv.Model = model
	}
	if stream, _ := body["stream"].(bool); stream {
		conv.Stream = true
	}
	if mt, ok := numberOf(body["max_tokens"]); ok {
		conv.MaxTokens = int(mt)
	}
	if t, ok := numberOf(body["temperature"]); ok {
		conv.Temperature = &t
	}

	conv.Tools = toolsFromMessages(body["tools"])
	choice, _ := normalizeToolChoice(body["tool_choice"], conv.Tools)
	conv.ToolChoice = choice

	return conv, nil
}

func contentBlocksOf(content any) []map[string]any {
	switch c := content.(type) {
	case string:
		return []map[string]any{{"type": "text", "text": c}}
	case []any:
		out := make([]map[string]any, 0, len(c))
		for _, item := range c {
			if b, ok := item.(map[string]any); ok {
				out = append(out, b)
			}
		}
		return out
	}
	return nil
}

func imageSourceOf(v any) string {
	src, _ := v.(map[string]any)
	if src == nil {
		return ""
	}
	if data, _ := src["data"].(string); data != "" {
		return data
	}
	if url, _ := src["url"].(string); url != "" {
		return url
	}
	return ""
}

func textOrBlocks(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, item := range c {
			b, _ := item.(map[string]any)
			if b == nil {
				continue
			}
			if t, _ := b["text"].(string); t != "" {
				sb.WriteString(t)
			}
		}
		return sb.String()
	}
	return ""
}

func toolsFromMessages(raw any) []ToolDefinition {
	list, _ := raw.([]any)
	out := make([]ToolDefinition, 0, len(list))
	for _, item := range list {
		t, _ := item.(map[string]any)
		if t == nil {
			continue
		}
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := t["description"].(string)
		schema, err := json.Marshal(t["input_schema"])
		if err != nil || string(schema) == "null" {
			schema = []byte(`{}`)
		}
		out = append(out, ToolDefinition{Name: name, Description: desc, InputSchema: schema})
	}
	return out
}
