package decorator

import "testing"

func TestIsWarmupRequestDetectsLiteralWarmupMessage(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "Warmup"}},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected literal Warmup message to be detected")
	}
}

func TestIsWarmupRequestDetectsTitleGenerationSystemPrompt(t *testing.T) {
	body := map[string]any{
		"system":   "Please write a 5-10 word title for the following conversation",
		"messages": []any{map[string]any{"role": "user", "content": "hi there"}},
	}
	if !IsWarmupRequest(body) {
		t.Fatalf("expected title-generation system prompt to be detected")
	}
}

func TestIsWarmupRequestIgnoresOrdinaryMessages(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "What's the weather in NYC?"}},
	}
	if IsWarmupRequest(body) {
		t.Fatalf("expected ordinary message not to be detected as warmup")
	}
}

func TestWarmupEventsEndsWithMessageStop(t *testing.T) {
	events := WarmupEvents("claude-opus-4-1-20250805")
	if len(events) != 6 {
		t.Fatalf("expected 6 synthetic events, got %d", len(events))
	}
	last := events[len(events)-1]
	if !containsAll(last, "event: message_stop", `"type":"message_stop"`) {
		t.Fatalf("expected last event to be message_stop, got %s", last)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
