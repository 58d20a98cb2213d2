package model

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient is a Client for tests that replays a fixed sequence of
// turns. Each Generate call consumes the next scripted step.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []scriptStep
	pos      int
	Requests []*Request
}

type scriptStep struct {
	turn *Turn
	err  error
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient creates an empty script.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Reply queues a successful turn.
func (c *ScriptedClient) Reply(turn *Turn) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, scriptStep{turn: turn})
	return c
}

// Fail queues an error response.
func (c *ScriptedClient) Fail(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, scriptStep{err: err})
	return c
}

// ReplyText queues a plain end-of-turn text reply.
func (c *ScriptedClient) ReplyText(text string) *ScriptedClient {
	return c.Reply(&Turn{Texts: []string{text}, StopReason: StopEndTurn})
}

// ReplyToolCall queues a turn requesting one tool call.
func (c *ScriptedClient) ReplyToolCall(call ToolCall, texts ...string) *ScriptedClient {
	return c.Reply(&Turn{Texts: texts, ToolCalls: []ToolCall{call}, StopReason: StopToolUse})
}

// Generate implements Client.
func (c *ScriptedClient) Generate(_ context.Context, req *Request) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if c.pos >= len(c.steps) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", c.pos)
	}
	step := c.steps[c.pos]
	c.pos++
	if step.err != nil {
		return nil, step.err
	}
	return step.turn, nil
}

// Calls returns how many Generate calls were made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}
