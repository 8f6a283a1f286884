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

type ccToolCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// ToChatCompletions consumes the upstream native SSE stream from r and
// writes the Chat-Completions chunk vocabulary to w, flushing after every
// event so the client sees incremental output (spec.md §4.5 "To
// Chat-Completions chunks").
func ToChatCompletions(ctx context.Context, r io.Reader, w io.Writer, flush func(), model string) error {
	reader := NewReader(bufio.NewScanner(r))

	toolsByBlock := map[int]*ccToolCall{}
	var toolOrder []int
	sawToolCall := false
	stopReason := ""
	erroredOut := false

	writeChunk := func(delta map[string]any, finishReason string) error {
		chunk := map[string]any{
			"id":      "chatcmpl-stream",
			"object":  "chat.completion.chunk",
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finishReasonOrNil(finishReason)}},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		b = decorator.StripMCPPrefix(b)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flush()
		return nil
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
		case "content_block_start":
			start := decode[upstreamContentBlockStart](ev.Data)
			if start.ContentBlock.Type == "tool_use" {
				tc := &ccToolCall{index: len(toolOrder), id: start.ContentBlock.ID, name: start.ContentBlock.Name}
				toolsByBlock[start.Index] = tc
				toolOrder = append(toolOrder, start.Index)
			}

		case "content_block_delta":
			delta := decode[upstreamContentBlockDelta](ev.Data)
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text == "" {
					continue
				}
				if err := writeChunk(map[string]any{"content": delta.Delta.Text}, ""); err != nil {
					return err
				}
			case "input_json_delta":
				if tc, ok := toolsByBlock[delta.Index]; ok {
					tc.args.WriteString(delta.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			stop := decode[upstreamContentBlockStop](ev.Data)
			if tc, ok := toolsByBlock[stop.Index]; ok {
				sawToolCall = true
				args := tc.args.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				toolChunk := map[string]any{"index": tc.index, "id": tc.id, "type": "function", "function": map[string]any{"name": tc.name, "arguments": args}}
				if err := writeChunk(map[string]any{"tool_calls": []map[string]any{toolChunk}}, ""); err != nil {
					return err
				}
			}

		case "message_delta":
			md := decode[upstreamMessageDelta](ev.Data)
			if md.Delta.StopReason != "" {
				stopReason = md.Delta.StopReason
			}

		case "message_stop":
			finish := chatCompletionsFinishReason(stopReason, sawToolCall)
			if err := writeChunk(map[string]any{}, finish); err != nil {
				return err
			}
			_, err := fmt.Fprint(w, "data: [DONE]\n\n")
			flush()
			return err

		case "error":
			slog.Error("upstream stream error", "body", string(ev.Data))
			errEvt := decode[upstreamErrorEvent](ev.Data)
			if err := writeChunk(map[string]any{}, "error"); err != nil {
				return err
			}
			// Errors render inside the stream; the HTTP response is never
			// torn down mid-flight (spec.md §4.5, §7).
			chunk := map[string]any{
				"id": "chatcmpl-stream", "object": "chat.completion.chunk", "model": model,
				"error": map[string]any{"message": errEvt.Error.Message, "type": errEvt.Error.Type},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			fmt.Fprint(w, "data: [DONE]\n\n")
			flush()
			erroredOut = true
			return nil
		}
	}

	if !erroredOut {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flush()
	}
	return nil
}

func finishReasonOrNil(reason string) any {
	if reason == "" {
		return nil
	}
	return reason
}

func chatCompletionsFinishReason(stopReason string, sawToolCall bool) string {
	if sawToolCall {
		return "tool_calls"
	}
	if stopReason == "max_tokens" {
		return "length"
	}
	return "stop"
}
