package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// upstreamStream is the same fixture used across these tests: a text
// delta followed by one buffered tool call, matching spec.md's S2
// scenario (text then a single tool call, emitted as one chunk at
// content_block_stop).
func upstreamStream() string {
	var b strings.Builder
	b.WriteString("event: message_start\ndata: {\"message\":{\"id\":\"msg_1\",\"model\":\"claude-opus-4\",\"usage\":{\"input_tokens\":12}}}\n\n")
	b.WriteString("event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n")
	b.WriteString("event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello, \"}}\n\n")
	b.WriteString("event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"world.\"}}\n\n")
	b.WriteString("event: content_block_stop\ndata: {\"index\":0}\n\n")
	b.WriteString("event: content_block_start\ndata: {\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"mcp_lookup\"}}\n\n")
	b.WriteString("event: content_block_delta\ndata: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n")
	b.WriteString("event: content_block_delta\ndata: {\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"weather\\\"}\"}}\n\n")
	b.WriteString("event: content_block_stop\ndata: {\"index\":1}\n\n")
	b.WriteString("event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":9}}\n\n")
	b.WriteString("event: message_stop\ndata: {}\n\n")
	return b.String()
}

func TestToChatCompletionsBuffersToolArgsUntilBlockStop(t *testing.T) {
	var out bytes.Buffer
	err := ToChatCompletions(context.Background(), strings.NewReader(upstreamStream()), &out, func() {}, "claude-opus-4")
	if err != nil {
		t.Fatalf("ToChatCompletions: %v", err)
	}

	chunks := parseDataLines(t, out.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	var sawToolCallChunk, sawFinish bool
	for _, raw := range chunks {
		if raw == "[DONE]" {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			t.Fatalf("chunk not valid JSON: %v: %s", err, raw)
		}
		choice := chunk["choices"].([]any)[0].(map[string]any)
		delta := choice["delta"].(map[string]any)
		if tc, ok := delta["tool_calls"]; ok {
			sawToolCallChunk = true
			call := tc.([]any)[0].(map[string]any)
			fn := call["function"].(map[string]any)
			if fn["name"] != "mcp_lookup" {
				t.Fatalf("unexpected tool name: %v", fn["name"])
			}
			args := fn["arguments"].(string)
			var parsed map[string]any
			if err := json.Unmarshal([]byte(args), &parsed); err != nil {
				t.Fatalf("tool args not complete JSON at block stop: %v: %q", err, args)
			}
			if parsed["q"] != "weather" {
				t.Fatalf("unexpected tool args: %v", parsed)
			}
		}
		if choice["finish_reason"] == "tool_calls" {
			sawFinish = true
		}
	}
	if !sawToolCallChunk {
		t.Fatal("expected exactly one buffered tool-call chunk")
	}
	if !sawFinish {
		t.Fatal("expected a final chunk with finish_reason tool_calls")
	}
	if out.String() == "" || !strings.HasSuffix(strings.TrimRight(out.String(), "\n"), "data: [DONE]") {
		t.Fatal("expected stream to end with data: [DONE]")
	}
}

func TestToChatCompletionsKeepsStreamAliveOnUpstreamError(t *testing.T) {
	stream := "event: error\ndata: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"upstream overloaded\"}}\n\n"
	var out bytes.Buffer
	err := ToChatCompletions(context.Background(), strings.NewReader(stream), &out, func() {}, "claude-opus-4")
	if err != nil {
		t.Fatalf("ToChatCompletions should not return an error for an in-stream error event: %v", err)
	}
	if !strings.Contains(out.String(), "upstream overloaded") {
		t.Fatalf("expected error message forwarded in stream, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "[DONE]") {
		t.Fatal("expected [DONE] terminator even after an in-stream error")
	}
}

func TestToResponsesSequenceNumbersAreStrictlyIncreasingFromZero(t *testing.T) {
	var out bytes.Buffer
	if err := ToResponses(context.Background(), strings.NewReader(upstreamStream()), &out, func() {}, "claude-opus-4", "resp_1"); err != nil {
		t.Fatalf("ToResponses: %v", err)
	}

	events := parseResponsesEvents(t, out.String())
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	for i, ev := range events {
		seq, ok := ev["sequence_number"].(float64)
		if !ok {
			t.Fatalf("event %d missing sequence_number: %v", i, ev)
		}
		if int(seq) != i {
			t.Fatalf("sequence_number not contiguous: event %d has sequence_number %v", i, seq)
		}
	}
}

func TestToResponsesCompletedCarriesUsage(t *testing.T) {
	var out bytes.Buffer
	if err := ToResponses(context.Background(), strings.NewReader(upstreamStream()), &out, func() {}, "claude-opus-4", "resp_3"); err != nil {
		t.Fatalf("ToResponses: %v", err)
	}

	var completed map[string]any
	for _, ev := range parseResponsesEvents(t, out.String()) {
		if ev["type"] == "response.completed" {
			completed = ev
		}
	}
	if completed == nil {
		t.Fatal("expected a response.completed event")
	}
	response := completed["response"].(map[string]any)
	usage, ok := response["usage"].(map[string]any)
	if !ok {
		t.Fatalf("expected response.completed to carry a usage object, got %+v", response)
	}
	if usage["input_tokens"] != float64(12) {
		t.Fatalf("expected input_tokens sniffed from message_start, got %v", usage["input_tokens"])
	}
	if usage["output_tokens"] != float64(9) {
		t.Fatalf("expected output_tokens sniffed from message_delta, got %v", usage["output_tokens"])
	}
	if usage["total_tokens"] != float64(21) {
		t.Fatalf("expected total_tokens to sum input and output, got %v", usage["total_tokens"])
	}
}

func TestToResponsesLazilyCreatesMessageItemOnlyOnTextDelta(t *testing.T) {
	// Pure tool-call stream: no text ever arrives, so no message item
	// should be created.
	var b strings.Builder
	b.WriteString("event: message_start\ndata: {\"message\":{\"id\":\"msg_1\",\"model\":\"claude-opus-4\"}}\n\n")
	b.WriteString("event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"mcp_lookup\"}}\n\n")
	b.WriteString("event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{}\"}}\n\n")
	b.WriteString("event: content_block_stop\ndata: {\"index\":0}\n\n")
	b.WriteString("event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"tool_use\"}}\n\n")
	b.WriteString("event: message_stop\ndata: {}\n\n")

	var out bytes.Buffer
	if err := ToResponses(context.Background(), strings.NewReader(b.String()), &out, func() {}, "claude-opus-4", "resp_2"); err != nil {
		t.Fatalf("ToResponses: %v", err)
	}

	for _, ev := range parseResponsesEvents(t, out.String()) {
		if item, ok := ev["item"].(map[string]any); ok && item["type"] == "message" {
			t.Fatalf("did not expect a message item in a pure tool-call response: %v", ev)
		}
	}
}

func TestToMessagesStripsMCPPrefixAndSniffsUsage(t *testing.T) {
	stream := "event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"name\":\"mcp_lookup\"}}\n\n" +
		"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":7}}\n\n"

	var out bytes.Buffer
	tel, err := ToMessages(context.Background(), strings.NewReader(stream), &out, func() {})
	if err != nil {
		t.Fatalf("ToMessages: %v", err)
	}
	if strings.Contains(out.String(), "mcp_lookup") {
		t.Fatalf("expected mcp_ prefix stripped from passthrough output: %s", out.String())
	}
	if !strings.Contains(out.String(), `"name":"lookup"`) {
		t.Fatalf("expected unprefixed tool name preserved: %s", out.String())
	}
	if tel.StopReason != "end_turn" || tel.OutputTokens != 7 {
		t.Fatalf("unexpected telemetry: %+v", tel)
	}
}

func parseDataLines(t *testing.T, s string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func parseResponsesEvents(t *testing.T, s string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range parseDataLines(t, s) {
		var ev map[string]any
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("event not valid JSON: %v: %s", err, raw)
		}
		out = append(out, ev)
	}
	return out
}
