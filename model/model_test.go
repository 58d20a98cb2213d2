package model

import (
	"context"
	"errors"
	"testing"
)

func TestScriptedClient(t *testing.T) {
	c := NewScriptedClient().
		ReplyText("hello").
		Fail(errors.New("boom")).
		ReplyToolCall(ToolCall{ID: "c1", Name: "echo"})

	turn, err := c.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if turn.StopReason != StopEndTurn || turn.Texts[0] != "hello" {
		t.Errorf("first turn = %+v, want end_turn hello", turn)
	}

	if _, err := c.Generate(context.Background(), &Request{}); err == nil {
		t.Error("second Generate() expected scripted error")
	}

	turn, err = c.Generate(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if turn.StopReason != StopToolUse || len(turn.ToolCalls) != 1 {
		t.Errorf("third turn = %+v, want one tool call", turn)
	}

	// Script exhausted.
	if _, err := c.Generate(context.Background(), &Request{}); err == nil {
		t.Error("exhausted Generate() expected error")
	}
	if c.Calls() != 4 {
		t.Errorf("Calls() = %d, want 4", c.Calls())
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("IsRetryable(context.Canceled) = true")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("IsRetryable(network error) = false")
	}
}

func TestTextMessage(t *testing.T) {
	msg := TextMessage(RoleUser, "hi")
	if msg.Role != RoleUser || len(msg.Blocks) != 1 || msg.Blocks[0].Text != "hi" {
		t.Errorf("TextMessage() = %+v", msg)
	}
}
