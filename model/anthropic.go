package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/durarun/durarun/tool"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_0)

// DefaultMaxTokens bounds a single generation.
const DefaultMaxTokens = 8192

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient wraps an SDK client. The SDK reads ANTHROPIC_API_KEY
// from the environment when constructed with anthropic.NewClient().
func NewAnthropicClient(client anthropic.Client) *AnthropicClient {
	return &AnthropicClient{client: client}
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Turn, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertMessages(req.Messages),
		Tools:     convertTools(req.Tools),
	}
	if req.Model == "" {
		params.Model = anthropic.Model(DefaultModel)
	}
	if req.MaxTokens <= 0 {
		params.MaxTokens = DefaultMaxTokens
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic message call failed: %w", err)
	}

	return convertResponse(msg), nil
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))

			case BlockToolUse:
				// The API requires a dictionary, not null.
				var input any
				if len(block.Args) > 0 {
					_ = json.Unmarshal(block.Args, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(block.ToolCallID, input, block.ToolName))

			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(block.ToolCallID, block.Output, block.IsError))
			}
		}
		params = append(params, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: blocks,
		})
	}
	return params
}

func convertTools(tools []tool.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	params := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema()

		properties := make(map[string]any, len(schema.Properties))
		for name, def := range schema.Properties {
			properties[name] = def
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: properties,
		}
		if len(schema.Required) > 0 {
			inputSchema.Required = schema.Required
		}

		toolParam := anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: inputSchema,
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return params
}

func convertResponse(msg *anthropic.Message) *Turn {
	turn := &Turn{
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			turn.Texts = append(turn.Texts, variant.Text)
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(variant.Input)
			if err != nil {
				args = json.RawMessage(`{}`)
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: args,
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		turn.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		turn.StopReason = StopMaxTokens
	default:
		turn.StopReason = StopEndTurn
	}
	return turn
}

// IsRetryable reports whether a generation error is transient. Rate limits,
// server errors, and timeouts are retried; auth and validation errors fail
// the run.
func IsRetryable(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408, apierr.StatusCode == 429:
			return true
		case apierr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Network-level failures without an API status are retried.
	return !errors.Is(err, context.Canceled)
}
