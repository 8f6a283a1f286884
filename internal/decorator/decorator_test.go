package decorator

import (
	"encoding/json"
	"testing"
)

func sampleBody() map[string]any {
	return map[string]any{
		"model": "claude-opus-4",
		"system": "You are a helpful assistant.",
		"tools": []any{
			map[string]any{
				"name":        "get_weather",
				"description": "Look up the weather",
				"input_schema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		},
		"messages": []any{
			map[string]any{"role": "user", "content": "What's the weather in NYC?"},
			map[string]any{
				"role": "assistant",
				"content": []any{
					map[string]any{"type": "tool_use", "id": "call_1", "name": "get_weather", "input": map[string]any{"city": "NYC"}},
				},
			},
		},
	}
}

func marshal(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestApplyInjectsBannerAsFirstSystemBlock(t *testing.T) {
	body := Apply(sampleBody(), Config{})
	sys, ok := body["system"].([]any)
	if !ok || len(sys) == 0 {
		t.Fatalf("expected system to become a block list, got %#v", body["system"])
	}
	first, _ := sys[0].(map[string]any)
	if first["text"] != Banner {
		t.Fatalf("expected banner as first system block, got %#v", first)
	}
}

func TestApplyPrefixesToolNamesWithMCP(t *testing.T) {
	body := Apply(sampleBody(), Config{})
	tools := body["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["name"] != "mcp_get_weather" {
		t.Fatalf("expected tool name to gain mcp_ prefix, got %v", tool["name"])
	}
}

func TestApplyPrefixesToolUseBlocks(t *testing.T) {
	body := Apply(sampleBody(), Config{})
	messages := body["messages"].([]any)
	assistant := messages[1].(map[string]any)
	blocks := assistant["content"].([]any)
	block := blocks[0].(map[string]any)
	if block["name"] != "mcp_get_weather" {
		t.Fatalf("expected tool_use name to gain mcp_ prefix, got %v", block["name"])
	}
}

func TestApplyInjectsPlaceholderToolOnlyForNativeEndpointWithNoTools(t *testing.T) {
	body := sampleBody()
	delete(body, "tools")
	body = Apply(body, Config{NativeEndpoint: true})
	tools := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected exactly one placeholder tool, got %d", len(tools))
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != placeholderTool {
		t.Fatalf("expected placeholder tool name, got %v", tool["name"])
	}
}

func TestApplyLeavesToolsAbsentForNonNativeEndpoint(t *testing.T) {
	body := sampleBody()
	delete(body, "tools")
	body = Apply(body, Config{NativeEndpoint: false})
	tools, _ := body["tools"].([]any)
	if len(tools) != 0 {
		t.Fatalf("expected no tools injected for non-native endpoint, got %#v", tools)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	once := Apply(sampleBody(), Config{})
	onceJSON := marshal(t, once)

	twice := Apply(once, Config{})
	twiceJSON := marshal(t, twice)

	if onceJSON != twiceJSON {
		t.Fatalf("decorator is not idempotent:\nonce:  %s\ntwice: %s", onceJSON, twiceJSON)
	}
}

func TestStripMCPPrefixReversesToolNamePrefixing(t *testing.T) {
	doc := []byte(`{"type":"tool_use","name":"mcp_get_weather","id":"call_1"}`)
	stripped := StripMCPPrefix(doc)
	if string(stripped) != `{"type":"tool_use","name":"get_weather","id":"call_1"}` {
		t.Fatalf("unexpected stripped output: %s", stripped)
	}
}

func TestStripMCPPrefixLeavesNonPrefixedNamesUntouched(t *testing.T) {
	doc := []byte(`{"name":"get_weather"}`)
	if got := string(StripMCPPrefix(doc)); got != string(doc) {
		t.Fatalf("expected unprefixed name to pass through unchanged, got %s", got)
	}
}

func countCacheControls(v any) int {
	count := 0
	walkContentBlocks(v, func(block map[string]any) {
		if _, ok := block["cache_control"]; ok {
			count++
		}
	})
	return count
}

func TestEnforceCacheControlCapsTotalBlocks(t *testing.T) {
	body := sampleBody()
	body["messages"] = []any{
		map[string]any{"role": "user", "content": []any{map[string]any{"type": "text", "text": "one", "cache_control": map[string]any{"type": "ephemeral"}}}},
		map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "two", "cache_control": map[string]any{"type": "ephemeral"}}}},
		map[string]any{"role": "user", "content": []any{map[string]any{"type": "text", "text": "three", "cache_control": map[string]any{"type": "ephemeral"}}}},
		map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "four", "cache_control": map[string]any{"type": "ephemeral"}}}},
	}

	out := Apply(body, Config{MaxCacheControls: 2})

	total := countCacheControls(out["system"]) + countCacheControls(out["messages"])
	if total > 2 {
		t.Fatalf("expected at most 2 cache_control blocks after enforcement, got %d", total)
	}
}

func TestEnforceCacheControlStripsTTLField(t *testing.T) {
	body := sampleBody()
	body["messages"] = []any{
		map[string]any{"role": "user", "content": []any{
			map[string]any{"type": "text", "text": "hi", "cache_control": map[string]any{"type": "ephemeral", "ttl": "1h"}},
		}},
	}

	out := Apply(body, Config{MaxCacheControls: 10})

	messages := out["messages"].([]any)
	msg := messages[0].(map[string]any)
	block := msg["content"].([]any)[0].(map[string]any)
	cc := block["cache_control"].(map[string]any)
	if _, ok := cc["ttl"]; ok {
		t.Fatalf("expected ttl field to be stripped from cache_control, got %#v", cc)
	}
}

func TestStripReversesApplyOnToolNames(t *testing.T) {
	body := Apply(sampleBody(), Config{})
	encoded := []byte(marshal(t, body))
	stripped := StripMCPPrefix(encoded)

	var roundTripped map[string]any
	if err := json.Unmarshal(stripped, &roundTripped); err != nil {
		t.Fatalf("unmarshal stripped doc: %v", err)
	}
	tools := roundTripped["tools"].([]any)
	tool := tools[0].(map[string]any)
	if tool["name"] != "get_weather" {
		t.Fatalf("expected stripped tool name to restore original, got %v", tool["name"])
	}
}
