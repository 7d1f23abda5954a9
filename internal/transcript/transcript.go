// Package transcript holds the persisted conversation format and replays
// recorded file edits into a fresh sandbox.
package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types other than tool parts.
const (
	PartText = "text"
	PartFile = "file"
)

// toolPrefix prefixes the Type of every tool invocation part.
const toolPrefix = "tool-"

// Tool part states.
const (
	StateInputAvailable  = "input-available"
	StateOutputAvailable = "output-available"
	StateOutputError     = "output-error"
)

// Message is one entry in a conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Part is a text fragment, file attachment or tool invocation.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	MediaType  string          `json:"mediaType,omitempty"`
	Name       string          `json:"name,omitempty"`
	URL        string          `json:"url,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// IsTool reports whether p records a tool invocation.
func (p Part) IsTool() bool {
	return strings.HasPrefix(p.Type, toolPrefix) && len(p.Type) > len(toolPrefix)
}

// ToolName returns the invoked tool, or "" for non-tool parts.
func (p Part) ToolName() string {
	if !p.IsTool() {
		return ""
	}
	return strings.TrimPrefix(p.Type, toolPrefix)
}

// Succeeded reports whether the tool call completed without error.
func (p Part) Succeeded() bool {
	return p.IsTool() && p.State == StateOutputAvailable && p.ErrorText == ""
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolPart records the result of a tool call. A non-nil callErr produces an
// output-error part.
func ToolPart(name, callID string, input json.RawMessage, output any, callErr error) Part {
	p := Part{Type: toolPrefix + name, ToolCallID: callID, Input: input}
	if callErr != nil {
		p.State = StateOutputError
		p.ErrorText = callErr.Error()
		return p
	}
	p.State = StateOutputAvailable
	switch v := output.(type) {
	case json.RawMessage:
		p.Output = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			p.State = StateOutputError
			p.ErrorText = "encode output: " + err.Error()
			return p
		}
		p.Output = data
	}
	return p
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// EditInput is the recorded argument set of an edit call.
type EditInput struct {
	FilePath   string `json:"filePath"`
	OldString  string `json:"oldString"`
	NewString  string `json:"newString"`
	ReplaceAll bool   `json:"replaceAll,omitempty"`
}
