package protocol

import (
	"encoding/json"
	"strings"
)

// wireRoleOf maps a canonical turn kind onto the native Messages wire
// role it belongs to. tool-results turns carry role "user" because the
// upstream expects tool_result blocks inside a user-authored message.
func wireRoleOf(k TurnKind) string {
	switch k {
	case TurnUser, TurnToolResults:
		return "user"
	case TurnAssistantText, TurnAssistantToolCalls:
		return "assistant"
	default:
		return ""
	}
}

// BuildUpstreamRequest renders the canonical conversation into the
// native Messages wire body the upstream accepts (spec.md §4.4 "to each
// outbound shape", applied here to the single upstream-bound shape).
// Adjacent turns that share a wire role collapse into one message with
// multiple content blocks, mirroring how the native protocol represents
// "said this, then called these tools" as one assistant turn.
func BuildUpstreamRequest(conv *Conversation) map[string]any {
	body := map[string]any{
		"model":  conv.Model,
		"stream": conv.Stream,
	}
	if conv.MaxTokens > 0 {
		body["max_tokens"] = conv.MaxTokens
	} else {
		body["max_tokens"] = 4096
	}
	if conv.Temperature != nil {
		body["temperature"] = *conv.Temperature
	}

	if len(conv.SystemFragments) > 0 {
		body["system"] = strings.Join(conv.SystemFragments, "\n\n")
	}

	var messages []map[string]any
	for _, t := range conv.Turns {
		role := wireRoleOf(t.Kind)
		if role == "" {
			continue
		}
		blocks := wireBlocksOf(t)
		if len(blocks) == 0 {
			continue
		}
		if n := len(messages); n > 0 && messages[n-1]["role"] == role {
			existing := messages[n-1]["content"].([]map[string]any)
			messages[n-1]["content"] = append(existing, blocks...)
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": blocks})
	}
	body["messages"] = messages

	if len(conv.Tools) > 0 {
		tools := make([]map[string]any, 0, len(conv.Tools))
		for _, td := range conv.Tools {
			tools = append(tools, map[string]any{
				"name":         td.Name,
				"description":  td.Description,
				"input_schema": rawOrEmptySchema(td.InputSchema),
			})
		}
		body["tools"] = tools
	}

	if tc := toUpstreamToolChoice(conv.ToolChoice, conv.DisableParallelToolUse); tc != nil {
		body["tool_choice"] = tc
	}

	return body
}

func wireBlocksOf(t Turn) []map[string]any {
	var blocks []map[string]any
	switch t.Kind {
	case TurnUser:
		for _, p := range t.UserParts {
			if p.IsImage() {
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "base64", "data": p.ImageRef},
				})
				continue
			}
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		}

	case TurnAssistantText:
		if strings.TrimSpace(t.Text) == "" {
			return nil
		}
		blocks = append(blocks, map[string]any{"type": "text", "text": t.Text})

	case TurnAssistantToolCalls:
		for _, c := range t.ToolCalls {
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    c.CallID,
				"name":  c.ToolName,
				"input": rawOrEmptyObject(c.Arguments),
			})
		}

	case TurnToolResults:
		for _, r := range t.ToolResults {
			b := map[string]any{
				"type":        "tool_result",
				"tool_use_id": r.CallID,
				"content":     r.Output,
			}
			if r.IsError {
				b["is_error"] = true
			}
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func rawOrEmptyObject(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func rawOrEmptySchema(raw []byte) any {
	v := rawOrEmptyObject(raw)
	schema, ok := v.(map[string]any)
	if !ok {
		schema = map[string]any{}
	}
	if schema["type"] == nil {
		schema["type"] = "object"
	}
	if schema["properties"] == nil {
		schema["properties"] = map[string]any{}
	}
	return schema
}
