package decorator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// IsWarmupRequest reports whether body is a non-productive probe the
// upstream never needs to see: a literal "Warmup" user turn, or a
// conversation-title/topic-classification system prompt the first-party
// CLI sends between real turns (identity.go IsWarmupRequest).
func IsWarmupRequest(body map[string]any) bool {
	if messages, ok := body["messages"].([]any); ok && len(messages) == 1 {
		if m, ok := messages[0].(map[string]any); ok {
			if content, ok := m["content"].(string); ok && content == "Warmup" {
				return true
			}
			if content, ok := m["content"].([]any); ok && len(content) == 1 {
				if block, ok := content[0].(map[string]any); ok {
					if text, ok := block["text"].(string); ok && text == "Warmup" {
						return true
					}
				}
			}
		}
	}

	systemText := extractSystemText(body)
	if strings.Contains(systemText, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(systemText, "nalyze if this message indicates a new conversation topic") {
		return true
	}

	return false
}

func extractSystemText(body map[string]any) string {
	switch s := body["system"].(type) {
	case string:
		return s
	case []any:
		var texts []string
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

// WarmupEvents returns the synthetic SSE events a warmup probe is answered
// with locally, without ever reaching upstream (identity.go WarmupEvents).
func WarmupEvents(model string) []string {
	id := "msg_warmup_" + generateShortID()
	return []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"` + id + `","type":"message","role":"assistant","content":[],"model":"` + model + `","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}` + "\n\n",
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n",
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"OK"}}` + "\n\n",
		`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}` + "\n\n",
		`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":1}}` + "\n\n",
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}` + "\n\n",
	}
}

// WarmupMessage returns the synthetic non-streaming Messages response for
// a warmup probe that did not request stream.
func WarmupMessage(model string) map[string]any {
	return map[string]any{
		"id":            "msg_warmup_" + generateShortID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       []map[string]any{{"type": "text", "text": "OK"}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 5, "output_tokens": 1},
	}
}

func generateShortID() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return hex.EncodeToString(h[:8])
}
