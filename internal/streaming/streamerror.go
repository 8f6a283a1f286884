package streaming

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteMessagesStreamError opens (if the caller hasn't already) and
// terminates a native Messages SSE stream with a single error event —
// used when the upstream HTTP call itself failed before any event ever
// reached the rewriter, so there is no upstream "error" event to forward
// (spec.md §7: a streaming response, once opened, never reverts to a
// non-stream error shape).
func WriteMessagesStreamError(w io.Writer, flush func(), errType, message string) error {
	payload := map[string]any{"type": "error", "error": map[string]any{"type": errType, "message": message}}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", b); err != nil {
		return err
	}
	flush()
	return nil
}

// WriteChatCompletionsStreamError renders the same error chunk shape
// ToChatCompletions emits for an in-stream "error" event, for the case
// where the upstream call never opened a stream at all.
func WriteChatCompletionsStreamError(w io.Writer, flush func(), model, errType, message string) error {
	chunk := map[string]any{
		"id": "chatcmpl-stream", "object": "chat.completion.chunk", "model": model,
		"error": map[string]any{"message": message, "type": errType},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	flush()
	return nil
}

// WriteResponsesStreamError renders the same response.error shape
// ToResponses emits for an in-stream "error" event, for the case where
// the upstream call never opened a stream at all.
func WriteResponsesStreamError(w io.Writer, flush func(), errType, message string) error {
	payload := map[string]any{
		"type":            "response.error",
		"sequence_number": 0,
		"error":           map[string]any{"message": message, "type": errType},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: response.error\ndata: %s\n\n", b); err != nil {
		return err
	}
	flush()
	return nil
}
