// Package protocol implements the Schema Translator (C4): bidirectional
// translation between the Chat-Completions, Responses, and native Messages
// wire shapes via a protocol-independent canonical conversation (spec.md §3,
// §4.4).
package protocol

import (
	"encoding/json"
	"fmt"
)

// TurnKind discriminates the canonical Turn union (spec.md §3).
type TurnKind int

const (
	TurnSystemFragment TurnKind = iota
	TurnUser
	TurnAssistantText
	TurnAssistantToolCalls
	TurnToolResults
)

// UserPart is one part of a user turn's content: either a text block or an
// image reference.
type UserPart struct {
	Text     string
	ImageRef string // data: URL or upstream-native image source, empty if Text is set
}

func (p UserPart) IsImage() bool { return p.ImageRef != "" }

// ToolCall is one entry of an assistant-tool-calls turn.
type ToolCall struct {
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

// ToolResult is one entry of a tool-results turn, keyed to the immediately
// preceding assistant-tool-calls turn by CallID (spec.md §3 invariant 1).
type ToolResult struct {
	CallID   string
	ToolName string
	Output   string
	IsError  bool
}

// Turn is one element of the canonical conversation (spec.md §3).
type Turn struct {
	Kind TurnKind

	// TurnSystemFragment, TurnAssistantText
	Text string

	// TurnUser
	UserParts []UserPart

	// TurnAssistantToolCalls
	ToolCalls []ToolCall

	// TurnToolResults
	ToolResults []ToolResult
}

// ToolDefinition is a tool descriptor (spec.md §3).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolChoiceMode is the normalized tool_choice mode (spec.md §4.4).
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice is the normalized tool_choice value.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set only when Mode == ToolChoiceTool
}

// Conversation is the protocol-independent canonical form every inbound
// request is translated into, and from which the upstream native Messages
// request body is built (spec.md §3).
type Conversation struct {
	SystemFragments []string // joined, in order, to build the upstream "system" field
	Turns           []Turn

	Model       string
	MaxTokens   int
	Temperature *float64
	Stream      bool

	Tools             []ToolDefinition
	ToolChoice        *ToolChoice
	DisableParallelToolUse *bool // spec.md §9 open question: literal mapping, no inference

	Metadata map[string]any // passthrough fields (e.g. session_id, metadata.user_id)
}

// BadRequestError marks a translation failure caused by malformed input the
// translator cannot repair (spec.md §7 BadRequest).
type BadRequestError struct {
	Field   string
	Message string
}

func (e *BadRequestError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func badRequest(field, format string, args ...any) error {
	return &BadRequestError{Field: field, Message: fmt.Sprintf(format, args...)}
}
