// Package anthropicprovider streams completions from the Anthropic Messages
// API, translating its content-block events into the provider delta protocol.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jmiran15/chatmate-sub000/pkg/provider"
)

const defaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	client  *anthropic.Client
	baseURL string
}

func NewProvider(token string) *Provider {
	return NewProviderWithBaseURL(token, "")
}

func NewProviderWithBaseURL(token, apiBase string) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAuthToken(token),
		option.WithBaseURL(baseURL),
	)
	return &Provider{
		client:  &client,
		baseURL: baseURL,
	}
}

func NewProviderWithClient(client *anthropic.Client) *Provider {
	return &Provider{
		client:  client,
		baseURL: defaultBaseURL,
	}
}

func (p *Provider) Name() string {
	return "anthropic"
}

func (p *Provider) BaseURL() string {
	return p.baseURL
}

// Stream sends one completion request and forwards deltas in arrival order.
// Anthropic numbers content blocks across text and tool_use together, so
// block indexes are remapped to dense tool-call positions as they appear.
func (p *Provider) Stream(ctx context.Context, req provider.Request, emit func(provider.Delta) error) error {
	params, err := buildParams(req)
	if err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	blockToCall := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()
		var delta provider.Delta

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				pos := len(blockToCall)
				blockToCall[ev.Index] = pos
				delta.ToolCalls = append(delta.ToolCalls, provider.ToolCallDelta{
					Index: pos,
					ID:    tu.ID,
					Name:  tu.Name,
				})
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				delta.Content = d.Text
			case anthropic.InputJSONDelta:
				pos, ok := blockToCall[ev.Index]
				if !ok {
					return &provider.ProtocolError{Reason: fmt.Sprintf(
						"input_json_delta for unknown block %d", ev.Index)}
				}
				delta.ToolCalls = append(delta.ToolCalls, provider.ToolCallDelta{
					Index:          pos,
					ArgumentsDelta: d.PartialJSON,
				})
			}
		case anthropic.MessageDeltaEvent:
			delta.FinishReason = translateStopReason(ev.Delta.StopReason)
		default:
			continue
		}

		if delta.Content == "" && len(delta.ToolCalls) == 0 && delta.FinishReason == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("claude API stream: %w", err)
	}
	return nil
}

func buildParams(req provider.Request) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			if msg.ToolCallID != "" {
				messages = append(messages,
					anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)),
				)
			} else {
				messages = append(messages,
					anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)),
				)
			}
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == "" {
						args = "{}"
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages,
					anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)),
				)
			}
		case "tool":
			messages = append(messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)),
			)
		}
	}

	maxTokens := int64(4096)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = translateTools(req.Tools)
	}

	return params, nil
}

func translateTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func translateStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return defaultBaseURL
	}

	return base
}
