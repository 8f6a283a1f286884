// Package decorator rewrites a native-protocol request body so the
// upstream treats it as traffic from its first-party CLI (C3, spec.md
// §4.3): banner injection, tool-name prefixing, and prompt-cache
// markers. Every transform here must be idempotent — re-applying the
// decorator to its own output is required to be a byte-exact no-op
// (spec.md §8 property 2).
package decorator

const (
	mcpPrefix               = "mcp_"
	placeholderTool         = "mcp_placeholder"
	defaultCacheCount       = 3
	defaultMaxCacheControls = 4
)

// Banner is the exact literal CLI system-prompt marker the upstream
// recognises as first-party-CLI traffic.
const Banner = "You are Claude Code, Anthropic's official CLI for Claude."

// Config tunes the decorator's cache-marker budget.
type Config struct {
	CacheMessageCount int  // last N messages to attach an ephemeral cache marker to
	MaxCacheControls  int  // total cache_control blocks (system+messages) the upstream tolerates; 0 uses the default
	NativeEndpoint    bool // true only for requests that arrived on /v1/messages
}

func ephemeralCacheControl() map[string]any {
	return map[string]any{"type": "ephemeral"}
}

// Apply decorates an upstream-bound native Messages request body in
// place and returns it, applying spec.md §4.3 rules 1-5 in order.
func Apply(body map[string]any, cfg Config) map[string]any {
	if cfg.CacheMessageCount <= 0 {
		cfg.CacheMessageCount = defaultCacheCount
	}

	body["system"] = injectBanner(body["system"])

	tools, _ := body["tools"].([]any)
	if len(tools) == 0 && cfg.NativeEndpoint {
		tools = []any{placeholderToolDefinition()}
	}
	body["tools"] = normalizeTools(tools)

	if messages, ok := body["messages"].([]any); ok {
		body["messages"] = prefixToolUseBlocks(messages)
		body["messages"] = attachMessageCacheMarkers(body["messages"].([]any), cfg.CacheMessageCount)
	}

	enforceCacheControl(body, cfg.MaxCacheControls)

	return body
}

// enforceCacheControl caps the total number of cache_control blocks across
// system and messages at maxBlocks, stripping a ttl field upstream does
// not expect long-lived and, once over budget, dropping the oldest
// message markers first (identity.go's enforceCacheControl/
// stripAndCountCacheControl/removeCacheControls).
func enforceCacheControl(body map[string]any, maxBlocks int) {
	if maxBlocks <= 0 {
		maxBlocks = defaultMaxCacheControls
	}

	total := stripAndCountCacheControl(body["system"]) + stripAndCountCacheControl(body["messages"])
	if total <= maxBlocks {
		return
	}

	excess := total - maxBlocks
	excess = removeCacheControls(body["messages"], excess)
	if excess > 0 {
		removeCacheControls(body["system"], excess)
	}
}

func stripAndCountCacheControl(v any) int {
	count := 0
	walkContentBlocks(v, func(block map[string]any) {
		cc, ok := block["cache_control"].(map[string]any)
		if !ok {
			return
		}
		count++
		delete(cc, "ttl")
	})
	return count
}

func removeCacheControls(v any, toRemove int) int {
	if toRemove <= 0 {
		return toRemove
	}
	removed := 0
	walkContentBlocks(v, func(block map[string]any) {
		if removed >= toRemove {
			return
		}
		if _, ok := block["cache_control"]; ok {
			delete(block, "cache_control")
			removed++
		}
	})
	return toRemove - removed
}

// walkContentBlocks visits every block map in a system/messages field,
// descending into each message's content array too.
func walkContentBlocks(v any, fn func(map[string]any)) {
	items, ok := v.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fn(m)
		if content, ok := m["content"]; ok {
			walkContentBlocks(content, fn)
		}
	}
}

func placeholderToolDefinition() any {
	return map[string]any{
		"name":         placeholderTool,
		"input_schema": map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

// injectBanner implements rule 1. It is idempotent: if the banner is
// already the first text block, the system field is returned unchanged.
func injectBanner(system any) any {
	banner := map[string]any{
		"type":          "text",
		"text":          Banner,
		"cache_control": ephemeralCacheControl(),
	}

	switch s := system.(type) {
	case nil:
		return []any{banner}

	case string:
		if s == "" {
			return []any{banner}
		}
		if s == Banner {
			return []any{banner}
		}
		return []any{banner, map[string]any{"type": "text", "text": s}}

	case []any:
		if len(s) > 0 {
			if m, ok := s[0].(map[string]any); ok {
				if t, _ := m["text"].(string); t == Banner {
					return s
				}
			}
		}
		rest := make([]any, 0, len(s)+1)
		rest = append(rest, banner)
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if t, _ := m["text"].(string); t == Banner {
					continue
				}
			}
			rest = append(rest, entry)
		}
		return rest
	}
	return []any{banner}
}

// normalizeTools implements rule 3: mcp_-prefix every tool name, force
// an object-typed schema with an explicit properties field, and attach
// an ephemeral cache marker to the last tool only.
func normalizeTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]any)
		if !ok {
			out = append(out, raw)
			continue
		}
		t = cloneMap(t)
		if name, _ := t["name"].(string); name != "" && !hasMCPPrefix(name) {
			t["name"] = mcpPrefix + name
		}
		t["input_schema"] = normalizeSchema(t["input_schema"])
		delete(t, "cache_control")
		out = append(out, t)
	}
	if n := len(out); n > 0 {
		if last, ok := out[n-1].(map[string]any); ok {
			last["cache_control"] = ephemeralCacheControl()
		}
	}
	return out
}

func normalizeSchema(raw any) map[string]any {
	schema, ok := raw.(map[string]any)
	if !ok || schema == nil {
		schema = map[string]any{}
	} else {
		schema = cloneMap(schema)
	}
	schema["type"] = "object"
	if _, ok := schema["properties"].(map[string]any); !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// prefixToolUseBlocks implements rule 4: every tool_use content block's
// name gets the mcp_ prefix unless already present.
func prefixToolUseBlocks(messages []any) []any {
	out := make([]any, len(messages))
	for i, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			out[i] = raw
			continue
		}
		m = cloneMap(m)
		blocks, ok := m["content"].([]any)
		if !ok {
			out[i] = m
			continue
		}
		newBlocks := make([]any, len(blocks))
		for j, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok {
				newBlocks[j] = b
				continue
			}
			if block["type"] == "tool_use" {
				block = cloneMap(block)
				if name, _ := block["name"].(string); name != "" && !hasMCPPrefix(name) {
					block["name"] = mcpPrefix + name
				}
			}
			newBlocks[j] = block
		}
		m["content"] = newBlocks
		out[i] = m
	}
	return out
}

// attachMessageCacheMarkers implements rule 5: attach an ephemeral cache
// marker to the last content block of the last cacheMessageCount
// messages, first lifting bare string content to a single text block.
func attachMessageCacheMarkers(messages []any, cacheMessageCount int) []any {
	out := make([]any, len(messages))
	copy(out, messages)

	start := len(out) - cacheMessageCount
	if start < 0 {
		start = 0
	}

	for i := start; i < len(out); i++ {
		m, ok := out[i].(map[string]any)
		if !ok {
			continue
		}
		m = cloneMap(m)

		var blocks []any
		switch c := m["content"].(type) {
		case string:
			if c == "" {
				continue
			}
			blocks = []any{map[string]any{"type": "text", "text": c}}
		case []any:
			blocks = make([]any, len(c))
			copy(blocks, c)
		default:
			continue
		}
		if len(blocks) == 0 {
			continue
		}

		last, ok := blocks[len(blocks)-1].(map[string]any)
		if !ok {
			continue
		}
		last = cloneMap(last)
		last["cache_control"] = ephemeralCacheControl()
		blocks[len(blocks)-1] = last

		m["content"] = blocks
		out[i] = m
	}
	return out
}

func hasMCPPrefix(name string) bool {
	return len(name) >= len(mcpPrefix) && name[:len(mcpPrefix)] == mcpPrefix
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
