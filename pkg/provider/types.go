// Package provider defines the provider-agnostic streaming protocol between
// the completion engine and a model backend, plus the typed accumulator that
// reconstructs a full response from incremental deltas.
package provider

import "context"

// Message is one turn of model input.
type Message struct {
	Role       string `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a fully reconstructed tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON schema
}

// Request is one streaming completion request.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// Delta is one incremental update from the model stream. Content extends the
// text so far; ToolCalls extend position-indexed tool-call accumulators;
// FinishReason arrives once, with the last delta.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string // "" | "stop" | "tool_calls" | "length"
}

// ToolCallDelta extends the tool call at Index. ID and Name overwrite when
// non-empty; ArgumentsDelta concatenates.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Response is the fully reconstructed model turn.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider streams a model completion, invoking emit once per delta in
// arrival order. A non-nil error from emit aborts the stream and is returned
// unchanged.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, emit func(Delta) error) error
}
