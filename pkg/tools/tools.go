// Package tools resolves model tool invocations against a fixed built-in set
// and a dynamic per-chat set of custom flows. A resolution either ends the
// generation with a synthetic tool message or tells the completion loop to
// retry without the offending tool.
package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
)

// Outcome is the result of resolving one tool invocation.
//
// Terminal outcomes carry the synthetic tool message to persist; the loop
// exits without another model round-trip. Non-terminal outcomes mean the
// tool declined: the loop removes it from the available set, discards the
// assistant turn, and retries.
type Outcome struct {
	Terminal    bool
	ToolMessage ledger.Message
}

// Tool is one invocable tool.
type Tool interface {
	Name() string
	Definition() provider.ToolDefinition
	Resolve(ctx context.Context, chatID string, call provider.ToolCall) (Outcome, error)
}

// Handoff is the built-in hand-off-to-human tool. Resolving it is always
// terminal: it records a live-chat-requested activity message.
type Handoff struct{}

func (Handoff) Name() string { return "request_live_chat" }

func (Handoff) Definition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        "request_live_chat",
		Description: "Hand the conversation off to a human agent when the user asks for a person or the assistant cannot help.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the hand-off was requested.",
				},
			},
		},
	}
}

func (Handoff) Resolve(_ context.Context, chatID string, call provider.ToolCall) (Outcome, error) {
	now := time.Now()
	return Outcome{
		Terminal: true,
		ToolMessage: ledger.Message{
			ID:           uuid.New().String(),
			ChatID:       chatID,
			Role:         ledger.RoleTool,
			Content:      "Live chat requested. A human agent will pick up this conversation.",
			CreatedAt:    now,
			UpdatedAt:    now,
			ActivityType: ledger.ActivityLiveChatRequested,
			ToolCalls:    []ledger.ToolCall{{ID: call.ID, Name: call.Name, Arguments: call.Arguments}},
		},
	}, nil
}

// FlowResult is the outcome of running a custom flow.
type FlowResult struct {
	Success bool
	Message string
	FormID  string
}

// FlowRunner executes a custom flow. It is an external collaborator; a flow
// that declines (already submitted, preconditions unmet) returns
// Success=false, which is a business outcome, not an error.
type FlowRunner interface {
	RunFlow(ctx context.Context, chatID, flowID, arguments string) (FlowResult, error)
}

// Flow adapts one per-chat custom flow into a Tool.
type Flow struct {
	FlowID string
	Def    provider.ToolDefinition
	Runner FlowRunner
}

func (f *Flow) Name() string { return f.Def.Name }

func (f *Flow) Definition() provider.ToolDefinition { return f.Def }

func (f *Flow) Resolve(ctx context.Context, chatID string, call provider.ToolCall) (Outcome, error) {
	res, err := f.Runner.RunFlow(ctx, chatID, f.FlowID, call.Arguments)
	if err != nil {
		// Flow infrastructure failures count as a decline: the loop retries
		// without this tool rather than aborting the whole generation.
		return Outcome{}, nil
	}
	if !res.Success {
		return Outcome{}, nil
	}
	now := time.Now()
	return Outcome{
		Terminal: true,
		ToolMessage: ledger.Message{
			ID:        uuid.New().String(),
			ChatID:    chatID,
			Role:      ledger.RoleTool,
			Content:   res.Message,
			CreatedAt: now,
			UpdatedAt: now,
			FlowID:    f.FlowID,
			FormID:    res.FormID,
			ToolCalls: []ledger.ToolCall{{ID: call.ID, Name: call.Name, Arguments: call.Arguments}},
		},
	}, nil
}
