package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func echoTool() Tool {
	return NewFuncTool("echo", "echoes input", Schema{
		Type: "object",
		Properties: map[string]PropertyDef{
			"text": {Type: "string", Description: "text to echo"},
		},
		Required: []string{"text"},
	}, func(_ context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		return args.Text, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(echoTool()); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate Register() error = %v, want ErrDuplicateTool", err)
	}
	if !r.Has("echo") {
		t.Error("Has(echo) = false after register")
	}

	badSchema := NewFuncTool("bad", "", Schema{Type: "string"},
		func(context.Context, json.RawMessage) (string, error) { return "", nil })
	if err := r.Register(badSchema); err == nil {
		t.Error("Register() accepted non-object schema")
	}
}

func TestRegistry_RequiresApproval(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())
	_ = r.Register(NewGatedFuncTool("send_email", "sends email", Schema{
		Type:       "object",
		Properties: map[string]PropertyDef{"to": {Type: "string"}},
	}, func(context.Context, json.RawMessage) (string, error) { return "sent", nil }))

	tests := []struct {
		name  string
		gated bool
	}{
		{"echo", false},
		{"send_email", true},
		{"unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.RequiresApproval(tt.name); got != tt.gated {
				t.Errorf("RequiresApproval(%s) = %v, want %v", tt.name, got, tt.gated)
			}
		})
	}
}

func TestExecutor_Execute(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())
	e := NewExecutor(r)

	res := e.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if !res.Success() {
		t.Fatalf("Execute() error = %v", res.Error)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %q, want hello", res.Output)
	}
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := NewExecutor(NewRegistry())

	res := e.Execute(context.Background(), "missing", nil)
	if !errors.Is(res.Error, ErrToolNotFound) {
		t.Errorf("Execute() error = %v, want ErrToolNotFound", res.Error)
	}
	if res.Success() {
		t.Error("Success() = true for unknown tool")
	}
}

func TestExecutor_InvalidInput(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoTool())
	e := NewExecutor(r)

	// Missing the required "text" property.
	res := e.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if !errors.Is(res.Error, ErrInvalidInput) {
		t.Errorf("Execute() error = %v, want ErrInvalidInput", res.Error)
	}

	res = e.Execute(context.Background(), "echo", json.RawMessage(`{"text":`))
	if !errors.Is(res.Error, ErrInvalidInput) {
		t.Errorf("Execute() with bad JSON error = %v, want ErrInvalidInput", res.Error)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(NewFuncTool("sleep", "sleeps", Schema{
		Type:       "object",
		Properties: map[string]PropertyDef{},
	}, func(ctx context.Context, _ json.RawMessage) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	}))

	e := NewExecutor(r)
	e.SetDefaultTimeout(20 * time.Millisecond)

	res := e.Execute(context.Background(), "sleep", json.RawMessage(`{}`))
	if !errors.Is(res.Error, ErrExecutionTimeout) {
		t.Errorf("Execute() error = %v, want ErrExecutionTimeout", res.Error)
	}
}

func TestExecutor_PanicRecovered(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(NewFuncTool("boom", "panics", Schema{
		Type:       "object",
		Properties: map[string]PropertyDef{},
	}, func(context.Context, json.RawMessage) (string, error) {
		panic("kaboom")
	}))

	e := NewExecutor(r)
	res := e.Execute(context.Background(), "boom", json.RawMessage(`{}`))
	if res.Error == nil {
		t.Fatal("Execute() did not surface the panic")
	}
	if res.Success() {
		t.Error("Success() = true after panic")
	}
}

func TestExecuteResult_OutputOrError(t *testing.T) {
	ok := &ExecuteResult{Output: "fine"}
	if ok.OutputOrError() != "fine" {
		t.Errorf("OutputOrError() = %q, want fine", ok.OutputOrError())
	}
	bad := &ExecuteResult{Error: fmt.Errorf("broken")}
	if bad.OutputOrError() != "broken" {
		t.Errorf("OutputOrError() = %q, want broken", bad.OutputOrError())
	}
}
