package protocol

import (
	"encoding/json"
	"strings"
)

// respItemKind discriminates the heterogeneous Responses item list.
type respItemKind int

const (
	respKindMessage respItemKind = iota
	respKindFunctionCall
	respKindFunctionCallOutput
)

type respItem struct {
	kind      respItemKind
	role      string // "system" | "developer" | "user" | "assistant", message items only
	userParts []UserPart
	text      string
	callID    string
	name      string
	arguments json.RawMessage
	output    string
	consumed  bool
}

// FromResponses translates a Responses request body into the canonical
// conversation (spec.md §4.4 "From Responses"). This is the hardest of
// the three inbound translations because real clients running a
// tool-calling loop emit function_call / function_call_output items in
// wire orders that do not natively satisfy the canonical invariant that
// tool-results immediately follow their assistant-tool-calls turn.
func FromResponses(body map[string]any) (*Conversation, error) {
	rawInput, _ := body["input"].([]any)
	if len(rawInput) == 0 {
		return nil, badRequest("input", "responses request requires at least one input item")
	}

	items := make([]*respItem, 0, len(rawInput))
	for _, raw := range rawInput {
		m, _ := raw.(map[string]any)
		if m == nil {
			continue
		}
		item, ok := parseResponseItem(m)
		if ok {
			items = append(items, item)
		}
	}

	// Pass 1: collect toolCallInfo and pendingResults so a tool-results
	// turn can be built no matter where, relative to its call, the
	// matching output appears in the wire order.
	toolCallInfo := map[string]string{}
	for _, it := range items {
		if it.kind == respKindFunctionCall {
			toolCallInfo[it.callID] = it.name
		}
	}

	conv := &Conversation{}

	nextMessageIndex := func(from int) int {
		for j := from; j < len(items); j++ {
			if items[j].kind == respKindMessage {
				return j
			}
		}
		return len(items)
	}

	emitOrphanCallsBefore := func(before int) {
		var orphans []int
		for j := before - 1; j >= 0; j-- {
			if items[j].kind == respKindMessage {
				break
			}
			if items[j].kind == respKindFunctionCall && !items[j].consumed {
				orphans = append(orphans, j)
			}
		}
		if len(orphans) == 0 {
			return
		}
		// orphans was collected walking backward; restore wire order.
		for l, r := 0, len(orphans)-1; l < r; l, r = l+1, r-1 {
			orphans[l], orphans[r] = orphans[r], orphans[l]
		}
		calls := make([]ToolCall, 0, len(orphans))
		for _, idx := range orphans {
			items[idx].consumed = true
			calls = append(calls, ToolCall{
				CallID:    items[idx].callID,
				ToolName:  items[idx].name,
				Arguments: items[idx].arguments,
			})
		}
		conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantToolCalls, ToolCalls: calls})
		if results := collectMatchingOutputs(items, calls); len(results) > 0 {
			conv.Turns = append(conv.Turns, Turn{Kind: TurnToolResults, ToolResults: results})
		}
	}

	for i := 0; i < len(items); i++ {
		it := items[i]
		if it.consumed {
			continue
		}

		switch it.kind {
		case respKindMessage:
			switch it.role {
			case "system", "developer":
				if strings.TrimSpace(it.text) != "" {
					conv.SystemFragments = append(conv.SystemFragments, it.text)
				}
				continue
			case "user":
				if len(it.userParts) > 0 {
					conv.Turns = append(conv.Turns, Turn{Kind: TurnUser, UserParts: it.userParts})
				}
				continue
			}

			// Assistant message: step 2, emit orphan calls seen since the
			// last message-type item that still lack a turn.
			emitOrphanCallsBefore(i)

			// Step 3: the batching window runs from this message up to
			// (not including) the next message-type item.
			windowEnd := nextMessageIndex(i + 1)
			var windowCalls []ToolCall
			for j := i + 1; j < windowEnd; j++ {
				if items[j].kind == respKindFunctionCall && !items[j].consumed {
					if out, ok := findOutputInRange(items, items[j].callID, i+1, windowEnd); ok {
						items[j].consumed = true
						out.consumed = true
						windowCalls = append(windowCalls, ToolCall{
							CallID:    items[j].callID,
							ToolName:  items[j].name,
							Arguments: items[j].arguments,
						})
					}
				}
			}

			if strings.TrimSpace(it.text) != "" {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantText, Text: it.text})
			}
			if len(windowCalls) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantToolCalls, ToolCalls: windowCalls})
				if results := collectMatchingOutputs(items, windowCalls); len(results) > 0 {
					conv.Turns = append(conv.Turns, Turn{Kind: TurnToolResults, ToolResults: results})
				}
			}

		case respKindFunctionCall:
			// Step 4: a bare call outside any assistant message's orbit.
			// Gather it and every immediately following unconsumed bare
			// call into one turn.
			group := []int{i}
			j := i + 1
			for j < len(items) && items[j].kind == respKindFunctionCall && !items[j].consumed {
				group = append(group, j)
				j++
			}
			calls := make([]ToolCall, 0, len(group))
			for _, idx := range group {
				items[idx].consumed = true
				calls = append(calls, ToolCall{
					CallID:    items[idx].callID,
					ToolName:  items[idx].name,
					Arguments: items[idx].arguments,
				})
			}
			conv.Turns = append(conv.Turns, Turn{Kind: TurnAssistantToolCalls, ToolCalls: calls})
			if results := collectMatchingOutputs(items, calls); len(results) > 0 {
				conv.Turns = append(conv.Turns, Turn{Kind: TurnToolResults, ToolResults: results})
			}
			i = j - 1

		case respKindFunctionCallOutput:
			// Unmatched output with no surviving call; nothing to attach it to.
		}
	}

	mergeConsecutiveUserTurns(conv)

	if model, _ := body["model"].(string); model != "" {
		conv.Model = model
	}
	if stream, _ := body["stream"].(bool); stream {
		conv.Stream = true
	}
	if mt, ok := numberOf(body["max_output_tokens"]); ok {
		conv.MaxTokens = int(mt)
	}
	if t, ok := numberOf(body["temperature"]); ok {
		conv.Temperature = &t
	}

	conv.Tools = toolsFromResponses(body["tools"])
	choice, _ := normalizeToolChoice(body["tool_choice"], conv.Tools)
	conv.ToolChoice = choice
	if pv, ok := body["parallel_tool_calls"].(bool); ok {
		v := !pv
		conv.DisableParallelToolUse = &v
	}

	_ = toolCallInfo // retained for parity with the two-pass description; consumed via items directly
	return conv, nil
}

func parseResponseItem(m map[string]any) (*respItem, bool) {
	typ, _ := m["type"].(string)
	switch typ {
	case "", "message":
		role, _ := m["role"].(string)
		switch role {
		case "system", "developer":
			return &respItem{kind: respKindMessage, role: role, text: textContent(m["content"])}, true
		case "user":
			return &respItem{kind: respKindMessage, role: role, userParts: userPartsFromResponsesContent(m["content"])}, true
		case "assistant":
			return &respItem{kind: respKindMessage, role: role, text: textContent(m["content"])}, true
		}
		return nil, false

	case "function_call":
		id, _ := m["call_id"].(string)
		name, _ := m["name"].(string)
		args, _ := m["arguments"].(string)
		return &respItem{kind: respKindFunctionCall, callID: id, name: name, arguments: json.RawMessage(orEmptyObject(args))}, true

	case "function_call_output":
		id, _ := m["call_id"].(string)
		return &respItem{kind: respKindFunctionCallOutput, callID: id, output: outputTextOf(m["output"])}, true
	}
	return nil, false
}

func outputTextOf(v any) string {
	switch o := v.(type) {
	case string:
		return o
	case []any:
		var sb strings.Builder
		for _, item := range o {
			block, _ := item.(map[string]any)
			if block == nil {
				continue
			}
			if t, _ := block["text"].(string); t != "" {
				sb.WriteString(t)
			}
		}
		return sb.String()
	}
	return ""
}

func userPartsFromResponsesContent(content any) []UserPart {
	switch c := content.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return nil
		}
		return []UserPart{{Text: c}}
	case []any:
		var parts []UserPart
		for _, item := range c {
			block, _ := item.(map[string]any)
			if block == nil {
				continue
			}
			switch block["type"] {
			case "input_text", "output_text", "text":
				if t, _ := block["text"].(string); strings.TrimSpace(t) != "" {
					parts = append(parts, UserPart{Text: t})
				}
			case "input_image":
				if url, _ := block["image_url"].(string); url != "" {
					parts = append(parts, UserPart{ImageRef: url})
				}
			}
		}
		return parts
	}
	return nil
}

func toolsFromResponses(raw any) []ToolDefinition {
	list, _ := raw.([]any)
	out := make([]ToolDefinition, 0, len(list))
	for _, item := range list {
		t, _ := item.(map[string]any)
		if t == nil {
			continue
		}
		// Responses tools are flat: {type:"function", name, description, parameters}.
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := t["description"].(string)
		schema, err := json.Marshal(t["parameters"])
		if err != nil || string(schema) == "null" {
			schema = []byte(`{}`)
		}
		out = append(out, ToolDefinition{Name: name, Description: desc, InputSchema: schema})
	}
	return out
}

func findOutputInRange(items []*respItem, callID string, from, to int) (*respItem, bool) {
	for j := from; j < to && j < len(items); j++ {
		if items[j].kind == respKindFunctionCallOutput && !items[j].consumed && items[j].callID == callID {
			return items[j], true
		}
	}
	return nil, false
}

// collectMatchingOutputs finds, anywhere in the item list, the
// function_call_output entries matching calls and marks them consumed.
func collectMatchingOutputs(items []*respItem, calls []ToolCall) []ToolResult {
	var results []ToolResult
	for _, call := range calls {
		for _, it := range items {
			if it.kind == respKindFunctionCallOutput && !it.consumed && it.callID == call.CallID {
				it.consumed = true
				results = append(results, ToolResult{
					CallID:   call.CallID,
					ToolName: call.ToolName,
					Output:   it.output,
				})
				break
			}
		}
	}
	return results
}

func mergeConsecutiveUserTurns(conv *Conversation) {
	merged := conv.Turns[:0]
	for _, t := range conv.Turns {
		if t.Kind == TurnUser && len(merged) > 0 && merged[len(merged)-1].Kind == TurnUser {
			last := &merged[len(merged)-1]
			last.UserParts = append(last.UserParts, t.UserParts...)
			continue
		}
		merged = append(merged, t)
	}
	conv.Turns = merged
}
