package protocol

import (
	"encoding/json"
	"strings"
)

// FromChatCompletions translates a Chat-Completions request body into the
// canonical conversation (spec.md §4.4 "From Chat-Completions"). Two
// passes: the first collects every tool_call_id → toolName mapping from
// assistant messages, the second emits canonical turns, merging
// consecutive tool-role messages into one tool-results turn.
func FromChatCompletions(body map[string]any) (*Conversation, error) {
	rawMessages, _ := body["messages"].([]any)
	if len(rawMessages) == 0 {
		return nil, badRequest("messages", "chat completions request requires at least one message")
	}

	callIDToName := map[string]string{}
	for _, raw := range rawMessages {
		m, _ := raw.(map[string]any)
		if m == nil || m["role"] != "assistant" {
			continue
		}
		for _, tc := range toolCallsOf(m) {
			id, _ := tc["id"].(string)
			fn, _ := tc["function"].(map[string]any)
			name, _ := fn["name"].(string)
			if id != "" && name != "" {
				callIDToName[id] = name
			}
		}
	}

	conv := &Conversation{}
	var i int
	for i < len(rawMessages) {
		m, _ := rawMessages[i].(map[string]any)
		if m == nil {
			i++
			continue
		}
		role, _ := m["role"].(string)

		switch role {
		case "system":
			if text := textContent(m["content"]); strings.TrimSpace(text) != "" {
				conv.SystemFragments = append(conv.SystemFragments, text)
			}
			i++

		case "user":
			parts := userPartsFromChatContent(m["content"])
			if len(parts) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnUser, UserParts: parts})
			}
			i++

		case "assistant":
			if text := textContent(m["content"]); strings.TrimSpace(text) != "" {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantText, Text: text})
			}
			calls := toolCallsOf(m)
			if len(calls) > 0 {
				tc := make([]ToolCall, 0, len(calls))
				for _, c := range calls {
					id, _ := c["id"].(string)
					fn, _ := c["function"].(map[string]any)
					name, _ := fn["name"].(string)
					argsStr, _ := fn["arguments"].(string)
					tc = append(tc, ToolCall{
						CallID:    id,
						ToolName:  name,
						Arguments: json.RawMessage(orEmptyObject(argsStr)),
					})
				}
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantToolCalls, ToolCalls: tc})
			}
			i++

		case "tool":
			// Merge consecutive tool-role messages into one tool-results turn.
			var results []ToolResult
			for i < len(rawMessages) {
				tm, _ := rawMessages[i].(map[string]any)
				if tm == nil || tm["role"] != "tool" {
					break
				}
				id, _ := tm["tool_call_id"].(string)
				results = append(results, ToolResult{
					CallID:   id,
					ToolName: callIDToName[id],
					Output:   textContent(tm["content"]),
				})
				i++
			}
			if len(results) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnToolResults, ToolResults: results})
			}

		default:
			i++
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

	conv.Tools = toolsFromChatCompletions(body["tools"])
	choice, disableParallel, err := toolChoiceFromChatCompletions(body, conv.Tools)
	if err != nil {
		return nil, err
	}
	conv.ToolChoice = choice
	conv.DisableParallelToolUse = disableParallel

	return conv, nil
}

func toolCallsOf(m map[string]any) []map[string]any {
	raw, _ := m["tool_calls"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if tc, ok := r.(map[string]any); ok {
			out = append(out, tc)
		}
	}
	return out
}

func userPartsFromChatContent(content any) []UserPart {
	switch c := content.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return nil
		}
		return []UserPart{{Text: c}}
	case []any:
		var parts []UserPart
		for _, item := range c {
			block, _ := item.(map[string]any)
			if block == nil {
				continue
			}
			switch block["type"] {
			case "text":
				if t, _ := block["text"].(string); strings.TrimSpace(t) != "" {
					parts = append(parts, UserPart{Text: t})
				}
			case "image_url":
				iu, _ := block["image_url"].(map[string]any)
				url, _ := iu["url"].(string)
				if url != "" {
					parts = append(parts, UserPart{ImageRef: url})
				}
			}
		}
		return parts
	}
	return nil
}

func toolsFromChatCompletions(raw any) []ToolDefinition {
	list, _ := raw.([]any)
	out := make([]ToolDefinition, 0, len(list))
	for _, item := range list {
		t, _ := item.(map[string]any)
		if t == nil || t["type"] != "function" {
			continue
		}
		fn, _ := t["function"].(map[string]any)
		if fn == nil {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		schema, err := json.Marshal(fn["parameters"])
		if err != nil || string(schema) == "null" {
			schema = []byte(`{}`)
		}
		out = append(out, ToolDefinition{Name: name, Description: desc, InputSchema: schema})
	}
	return out
}

func toolChoiceFromChatCompletions(body map[string]any, tools []ToolDefinition) (*ToolChoice, *bool, error) {
	var disableParallel *bool
	if pv, ok := body["parallel_tool_calls"].(bool); ok {
		v := !pv
		disableParallel = &v
	}

	raw, present := body["tool_choice"]
	if !present {
		return nil, disableParallel, nil
	}
	tc, warn := normalizeToolChoice(raw, tools)
	_ = warn
	return tc, disableParallel, nil
}

func textContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, item := range c {
			block, _ := item.(map[string]any)
			if block == nil {
				continue
			}
			if block["type"] == "text" {
				if t, _ := block["text"].(string); t != "" {
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	case nil:
		return ""
	}
	return ""
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
