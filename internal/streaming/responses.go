package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ccrelay/ccrelay/internal/decorator"
)

type respToolCall struct {
	id   string
	name string
	args strings.Builder
}

// ToResponses consumes the upstream native SSE stream from r and writes
// the richer Responses event vocabulary to w (spec.md §4.5 "To Responses
// events"). The message output item is created lazily on the first text
// delta so a pure tool-calls turn never gets an empty message item.
func ToResponses(ctx context.Context, r io.Reader, w io.Writer, flush func(), model, responseID string) error {
	reader := NewReader(bufio.NewScanner(r))

	seq := 0
	nextSeq := func() int { v := seq; seq++; return v }

	emit := func(name string, payload map[string]any) error {
		payload["type"] = name
		payload["sequence_number"] = nextSeq()
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		b = decorator.StripMCPPrefix(b)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
			return err
		}
		flush()
		return nil
	}

	outputIndex := 0
	var completed []map[string]any

	messageCreated := false
	var messageText strings.Builder
	messageItemID := responseID + "-msg"

	toolsByBlock := map[int]*respToolCall{}

	stopReason := ""
	inputTokens := 0
	outputTokens := 0

	if err := emit("response.created", map[string]any{
		"response": map[string]any{"id": responseID, "object": "response", "model": model, "status": "in_progress"},
	}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev, ok := reader.Next()
		if !ok {
			break
		}

		switch ev.Name {
		case "message_start":
			ms := decode[upstreamMessageStart](ev.Data)
			inputTokens = ms.Message.Usage.InputTokens

		case "content_block_start":
			start := decode[upstreamContentBlockStart](ev.Data)
			if start.ContentBlock.Type == "tool_use" {
				toolsByBlock[start.Index] = &respToolCall{id: start.ContentBlock.ID, name: start.ContentBlock.Name}
			}

		case "content_block_delta":
			delta := decode[upstreamContentBlockDelta](ev.Data)
			switch delta.Delta.Type {
			case "text_delta":
				if !messageCreated {
					messageCreated = true
					if err := emit("response.output_item.added", map[string]any{
						"output_index": outputIndex,
						"item":         map[string]any{"type": "message", "id": messageItemID, "role": "assistant", "status": "in_progress", "content": []any{}},
					}); err != nil {
						return err
					}
					if err := emit("response.content_part.added", map[string]any{
						"output_index": outputIndex, "content_index": 0,
						"part": map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
					}); err != nil {
						return err
					}
				}
				if delta.Delta.Text != "" {
					messageText.WriteString(delta.Delta.Text)
					if err := emit("response.output_text.delta", map[string]any{
						"output_index": outputIndex, "content_index": 0, "delta": delta.Delta.Text,
					}); err != nil {
						return err
					}
				}
			case "input_json_delta":
				if tc, ok := toolsByBlock[delta.Index]; ok {
					tc.args.WriteString(delta.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			stop := decode[upstreamContentBlockStop](ev.Data)

			if tc, ok := toolsByBlock[stop.Index]; ok {
				idx := outputIndex
				outputIndex++
				args := tc.args.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				if err := emit("response.output_item.added", map[string]any{
					"output_index": idx,
					"item":         map[string]any{"type": "function_call", "call_id": tc.id, "name": tc.name, "status": "in_progress"},
				}); err != nil {
					return err
				}
				if err := emit("response.function_call_arguments.done", map[string]any{
					"output_index": idx, "arguments": args,
				}); err != nil {
					return err
				}
				if err := emit("response.output_item.done", map[string]any{
					"output_index": idx,
					"item":         map[string]any{"type": "function_call", "call_id": tc.id, "name": tc.name, "arguments": args, "status": "completed"},
				}); err != nil {
					return err
				}
				completed = append(completed, map[string]any{
					"type": "function_call", "call_id": tc.id, "name": tc.name, "arguments": args, "status": "completed",
				})
				continue
			}

			if messageCreated {
				if err := emit("response.content_part.done", map[string]any{
					"output_index": outputIndex, "content_index": 0,
					"part": map[string]any{"type": "output_text", "text": messageText.String(), "annotations": []any{}},
				}); err != nil {
					return err
				}
				if err := emit("response.output_item.done", map[string]any{
					"output_index": outputIndex,
					"item": map[string]any{
						"type": "message", "id": messageItemID, "role": "assistant", "status": "completed",
						"content": []any{map[string]any{"type": "output_text", "text": messageText.String(), "annotations": []any{}}},
					},
				}); err != nil {
					return err
				}
				completed = append(completed, map[string]any{
					"type": "message", "id": messageItemID, "role": "assistant", "status": "completed",
					"content": []any{map[string]any{"type": "output_text", "text": messageText.String(), "annotations": []any{}}},
				})
				outputIndex++
			}

		case "message_delta":
			md := decode[upstreamMessageDelta](ev.Data)
			if md.Delta.StopReason != "" {
				stopReason = md.Delta.StopReason
			}
			if md.Usage.OutputTokens != 0 {
				outputTokens = md.Usage.OutputTokens
			}

		case "message_stop":
			status := "completed"
			if stopReason == "max_tokens" {
				status = "incomplete"
			}
			return emit("response.completed", map[string]any{
				"response": map[string]any{
					"id": responseID, "object": "response", "model": model, "status": status,
					"output": completed,
					"usage": map[string]any{
						"input_tokens": inputTokens, "output_tokens": outputTokens,
						"total_tokens": inputTokens + outputTokens,
					},
				},
			})

		case "error":
			slog.Error("upstream stream error", "body", string(ev.Data))
			errEvt := decode[upstreamErrorEvent](ev.Data)
			return emit("response.error", map[string]any{
				"error": map[string]any{"message": errEvt.Error.Message, "type": errEvt.Error.Type},
			})
		}
	}

	return nil
}
