// Package openaiprovider streams completions from the OpenAI Chat
// Completions API. Its chunk deltas map one-to-one onto the provider delta
// protocol: content strings concatenate and tool calls arrive with explicit
// position indexes.
package openaiprovider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jmiran15/chatmate-sub000/pkg/provider"
)

type Provider struct {
	client *openai.Client
}

func NewProvider(apiKey string) *Provider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client}
}

func NewProviderWithClient(client *openai.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Name() string {
	return "openai"
}

// Stream sends one completion request and forwards chunk deltas in arrival
// order.
func (p *Provider) Stream(ctx context.Context, req provider.Request, emit func(provider.Delta) error) error {
	params := buildParams(req)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		var delta provider.Delta
		delta.Content = choice.Delta.Content
		for _, tc := range choice.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, provider.ToolCallDelta{
				Index:          int(tc.Index),
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
		delta.FinishReason = choice.FinishReason

		if delta.Content == "" && len(delta.ToolCalls) == 0 && delta.FinishReason == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai API stream: %w", err)
	}
	return nil
}

func buildParams(req provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				assistant := openai.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					assistant.Content.OfString = openai.String(msg.Content)
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == "" {
						args = "{}"
					}
					assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: args,
							},
						},
					})
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = translateTools(req.Tools)
	}

	return params
}

func translateTools(tools []provider.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		result = append(result, openai.ChatCompletionFunctionTool(fn))
	}
	return result
}
