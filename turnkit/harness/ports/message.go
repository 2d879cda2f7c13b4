package harnessports

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ErrEmptyContent is returned when a message would carry no content items.
var ErrEmptyContent = errors.New("message content must not be empty")

// Role tags the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates the variants of Content.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentReasoning  ContentKind = "reasoning"
	ContentMedia      ContentKind = "media"
)

// ToolCall is a backend-issued request to invoke a tool.
// ID correlates the call with its ToolResult and is unique within one assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one ToolCall, successful or not.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Media is an opaque attachment (image, audio, document).
type Media struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Content is one item of a message. Exactly the field matching Kind is set.
type Content struct {
	Kind       ContentKind `json:"kind"`
	Text       string      `json:"text,omitempty"` // text and reasoning
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Media      *Media      `json:"media,omitempty"`
}

// TextContent builds a text item.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// ReasoningContent builds a reasoning item.
func ReasoningContent(text string) Content {
	return Content{Kind: ContentReasoning, Text: text}
}

// ToolCallContent builds a tool_call item.
func ToolCallContent(call ToolCall) Content {
	return Content{Kind: ContentToolCall, ToolCall: &call}
}

// ToolResultContent builds a tool_result item.
func ToolResultContent(result ToolResult) Content {
	return Content{Kind: ContentToolResult, ToolResult: &result}
}

// MediaContent builds a media item.
func MediaContent(media Media) Content {
	return Content{Kind: ContentMedia, Media: &media}
}

// Message is one conversational unit. Treat it as immutable once constructed;
// use Clone to obtain an independent copy.
type Message struct {
	Role    Role      `json:"role"`
	ID      string    `json:"id,omitempty"` // backend-assigned, assistant only
	Content []Content `json:"content"`
}

// NewUserMessage builds a user message from a non-empty content sequence.
func NewUserMessage(content ...Content) (Message, error) {
	if len(content) == 0 {
		return Message{}, ErrEmptyContent
	}
	return Message{Role: RoleUser, Content: cloneContent(content)}, nil
}

// NewAssistantMessage builds an assistant message from a non-empty content sequence.
func NewAssistantMessage(id string, content ...Content) (Message, error) {
	if len(content) == 0 {
		return Message{}, ErrEmptyContent
	}
	return Message{Role: RoleAssistant, ID: id, Content: cloneContent(content)}, nil
}

// UserText is a shortcut for a single-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Content{TextContent(text)}}
}

// AssistantText is a shortcut for a single-text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []Content{TextContent(text)}}
}

// Text concatenates the text items of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Kind == ContentText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls of the message in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, c := range m.Content {
		if c.Kind == ContentToolCall && c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results of the message in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, c := range m.Content {
		if c.Kind == ContentToolResult && c.ToolResult != nil {
			results = append(results, *c.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the message requests any tool invocation.
func (m Message) HasToolCalls() bool {
	return slices.ContainsFunc(m.Content, func(c Content) bool {
		return c.Kind == ContentToolCall && c.ToolCall != nil
	})
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Content = cloneContent(m.Content)
	return m
}

// Equal reports structural equality.
func (m Message) Equal(other Message) bool {
	return cmp.Equal(m, other, cmpopts.EquateEmpty())
}

// CloneMessages deep-copies a history slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneContent(in []Content) []Content {
	if in == nil {
		return nil
	}
	out := make([]Content, len(in))
	for i, c := range in {
		if c.ToolCall != nil {
			tc := *c.ToolCall
			tc.Arguments = slices.Clone(tc.Arguments)
			c.ToolCall = &tc
		}
		if c.ToolResult != nil {
			tr := *c.ToolResult
			c.ToolResult = &tr
		}
		if c.Media != nil {
			md := *c.Media
			md.Data = slices.Clone(md.Data)
			c.Media = &md
		}
		out[i] = c
	}
	return out
}
