// Package completion implements the streaming tool-call orchestration loop:
// one generation per user turn, streamed token-by-token, with a bounded tool
// resolution loop and exactly one terminal outcome.
package completion

import "github.com/jmiran15/chatmate-sub000/pkg/ledger"

// EventType tags one stream event on the wire.
type EventType string

const (
	// EventChunk carries an incremental content delta; the final event of a
	// successful generation is an empty chunk with Streaming=false.
	EventChunk EventType = "textResponseChunk"
	// EventToolCall marks the start of tool resolution.
	EventToolCall EventType = "toolCall"
	// EventAbort is the single terminal event of a failed generation.
	EventAbort EventType = "abort"
)

// StreamEvent is one newline-delimited JSON event sent to the requester. ID
// is the generation id, stable across every event of one generation.
type StreamEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	TextResponse string    `json:"textResponse"`
	Error        string    `json:"error,omitempty"`
	Streaming    bool      `json:"streaming"`
}

// Request is one generation request from the transport boundary.
type Request struct {
	ChatID      string           `json:"chatId"`
	History     []ledger.Message `json:"history"`
	IsAgentTurn bool             `json:"isAgentTurn"`
}
