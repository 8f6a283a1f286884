package protocol

import (
	"encoding/json"
	"time"
)

// upstreamMessage is the subset of the native Messages non-streaming
// response this package needs to re-render into the other two outbound
// shapes (spec.md §4.4 "to each outbound shape").
type upstreamMessage struct {
	ID         string
	Model      string
	StopReason string
	Content    []map[string]any
	Usage      struct {
		InputTokens  int
		OutputTokens int
	}
}

func parseUpstreamMessage(body map[string]any) upstreamMessage {
	var um upstreamMessage
	um.ID, _ = body["id"].(string)
	um.Model, _ = body["model"].(string)
	um.StopReason, _ = body["stop_reason"].(string)
	if raw, ok := body["content"].([]any); ok {
		for _, b := range raw {
			if m, ok := b.(map[string]any); ok {
				um.Content = append(um.Content, m)
			}
		}
	}
	if usage, ok := body["usage"].(map[string]any); ok {
		if v, ok := numberOf(usage["input_tokens"]); ok {
			um.Usage.InputTokens = int(v)
		}
		if v, ok := numberOf(usage["output_tokens"]); ok {
			um.Usage.OutputTokens = int(v)
		}
	}
	return um
}

func chatCompletionsFinishReason(stopReason string, sawToolCall bool) string {
	if sawToolCall {
		return "tool_calls"
	}
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// ToChatCompletionsResponse renders an upstream non-streaming Messages
// response into the Chat-Completions response shape (spec.md §4.4, S1).
func ToChatCompletionsResponse(upstream map[string]any) map[string]any {
	um := parseUpstreamMessage(upstream)

	var text string
	var toolCalls []map[string]any
	for _, block := range um.Content {
		switch block["type"] {
		case "text":
			if t, _ := block["text"].(string); t != "" {
				text += t
			}
		case "tool_use":
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			args, err := json.Marshal(block["input"])
			if err != nil {
				args = []byte(`{}`)
			}
			toolCalls = append(toolCalls, map[string]any{
				"index": len(toolCalls),
				"id":    id,
				"type":  "function",
				"function": map[string]any{
					"name":      name,
					"arguments": string(args),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		message["content"] = nil
	}

	return map[string]any{
		"id":      um.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   um.Model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       message,
				"finish_reason": chatCompletionsFinishReason(um.StopReason, len(toolCalls) > 0),
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     um.Usage.InputTokens,
			"completion_tokens": um.Usage.OutputTokens,
			"total_tokens":      um.Usage.InputTokens + um.Usage.OutputTokens,
		},
	}
}

func responsesFinishStatus(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "incomplete"
	default:
		return "completed"
	}
}

// ToResponsesResponse renders an upstream non-streaming Messages response
// into the Responses response shape (spec.md §4.4).
func ToResponsesResponse(upstream map[string]any) map[string]any {
	um := parseUpstreamMessage(upstream)

	var output []map[string]any
	var textParts []map[string]any
	for _, block := range um.Content {
		if block["type"] == "text" {
			if t, _ := block["text"].(string); t != "" {
				textParts = append(textParts, map[string]any{"type": "output_text", "text": t, "annotations": []any{}})
			}
		}
	}
	if len(textParts) > 0 {
		output = append(output, map[string]any{
			"type":    "message",
			"id":      um.ID,
			"role":    "assistant",
			"status":  "completed",
			"content": textParts,
		})
	}
	for _, block := range um.Content {
		if block["type"] != "tool_use" {
			continue
		}
		id, _ := block["id"].(string)
		name, _ := block["name"].(string)
		args, err := json.Marshal(block["input"])
		if err != nil {
			args = []byte(`{}`)
		}
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   id,
			"name":      name,
			"arguments": string(args),
			"status":    "completed",
		})
	}

	return map[string]any{
		"id":     um.ID,
		"object": "response",
		"model":  um.Model,
		"status": responsesFinishStatus(um.StopReason),
		"output": output,
		"usage": map[string]any{
			"input_tokens":  um.Usage.InputTokens,
			"output_tokens": um.Usage.OutputTokens,
			"total_tokens":  um.Usage.InputTokens + um.Usage.OutputTokens,
		},
	}
}
