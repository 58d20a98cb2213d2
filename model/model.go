// Package model abstracts the language model behind a small client
// interface so the engine can be tested against a scripted fake and run
// against Anthropic in production.
package model

import (
	"context"
	"encoding/json"

	"github.com/durarun/durarun/tool"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block within a message.
type Block struct {
	Type BlockType

	// Text for BlockText
	Text string

	// Tool call for BlockToolUse; ToolCallID alone for BlockToolResult
	ToolCallID string
	ToolName   string
	Args       json.RawMessage

	// Result for BlockToolResult
	Output  string
	IsError bool
}

// Message is one turn in the conversation sent to the model.
type Message struct {
	Role   Role
	Blocks []Block
}

// TextMessage builds a single-block text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Request is one generation call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tool.Tool
	MaxTokens int
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// StopReason is why the model finished its turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Turn is the model's response to one Request.
type Turn struct {
	Texts      []string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Client generates model turns.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Turn, error)
}
