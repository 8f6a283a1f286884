package protocol

// normalizeToolChoice maps the wire-level tool_choice value of either the
// Chat-Completions or Responses request shape onto the canonical
// ToolChoice (spec.md §4.4). It never errors: an unrecognized shape falls
// back to auto and is reported through the bool return so callers can log
// it, matching the teacher's "be liberal in what you accept" posture for
// client-supplied fields that don't affect correctness.
func normalizeToolChoice(raw any, tools []ToolDefinition) (*ToolChoice, bool) {
	switch v := raw.(type) {
	case string:
		switch v {
		case "auto":
			return &ToolChoice{Mode: ToolChoiceAuto}, false
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}, false
		case "required":
			return &ToolChoice{Mode: ToolChoiceRequired}, false
		default:
			return &ToolChoice{Mode: ToolChoiceAuto}, true
		}

	case map[string]any:
		typ, _ := v["type"].(string)
		switch typ {
		case "function":
			fn, _ := v["function"].(map[string]any)
			name, _ := fn["name"].(string)
			if name == "" {
				return &ToolChoice{Mode: ToolChoiceAuto}, true
			}
			return &ToolChoice{Mode: ToolChoiceTool, Name: name}, false
		case "tool":
			// Native Messages / Responses shape: {"type":"tool","name":"..."}.
			name, _ := v["name"].(string)
			if name == "" {
				return &ToolChoice{Mode: ToolChoiceAuto}, true
			}
			return &ToolChoice{Mode: ToolChoiceTool, Name: name}, false
		case "auto":
			return &ToolChoice{Mode: ToolChoiceAuto}, false
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}, false
		case "any", "required":
			return &ToolChoice{Mode: ToolChoiceRequired}, false
		default:
			return &ToolChoice{Mode: ToolChoiceAuto}, true
		}

	case nil:
		return nil, false
	}
	return &ToolChoice{Mode: ToolChoiceAuto}, true
}

// toUpstreamToolChoice renders the canonical ToolChoice into the native
// Messages wire shape (spec.md §4.4 upstream request construction).
func toUpstreamToolChoice(tc *ToolChoice, disableParallel *bool) map[string]any {
	if tc == nil {
		if disableParallel == nil {
			return nil
		}
		return map[string]any{"type": "auto", "disable_parallel_tool_use": *disableParallel}
	}

	out := map[string]any{}
	switch tc.Mode {
	case ToolChoiceNone:
		out["type"] = "none"
		return out
	case ToolChoiceRequired:
		out["type"] = "any"
	case ToolChoiceTool:
		out["type"] = "tool"
		out["name"] = tc.Name
	default:
		out["type"] = "auto"
	}
	if disableParallel != nil {
		out["disable_parallel_tool_use"] = *disableParallel
	}
	return out
}
