package provider

import (
	"fmt"
	"strings"
)

// ProtocolError marks a malformed delta stream: a developer-facing failure,
// distinct from transport errors. The generation must abort.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "provider protocol error: " + e.Reason
}

// Accumulator reconstructs a Response from an ordered delta stream. Each
// delta is applied exactly once, in arrival order, over a single mutable
// accumulator per generation; that is what makes reconstruction replay-safe.
//
// Merge rules: string fields concatenate, scalar fields overwrite, the
// tool-call list merges element-wise by position. A position index jumping
// past the next free slot is a protocol error.
type Accumulator struct {
	content strings.Builder
	calls   []*toolCallAcc
	finish  string
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// Apply merges one delta into the accumulator.
func (a *Accumulator) Apply(d Delta) error {
	a.content.WriteString(d.Content)
	for _, tc := range d.ToolCalls {
		switch {
		case tc.Index < 0 || tc.Index > len(a.calls):
			return &ProtocolError{Reason: fmt.Sprintf(
				"tool call index %d with %d accumulated", tc.Index, len(a.calls))}
		case tc.Index == len(a.calls):
			// Builders must not move once written, hence the pointer slice.
			a.calls = append(a.calls, &toolCallAcc{})
		}
		acc := a.calls[tc.Index]
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Name != "" {
			acc.name = tc.Name
		}
		acc.args.WriteString(tc.ArgumentsDelta)
	}
	if d.FinishReason != "" {
		a.finish = d.FinishReason
	}
	return nil
}

// Response returns the reconstruction so far.
func (a *Accumulator) Response() Response {
	resp := Response{
		Content:      a.content.String(),
		FinishReason: a.finish,
	}
	for _, c := range a.calls {
		args := c.args.String()
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: args,
		})
	}
	return resp
}

// HasContent reports whether any text arrived, used for partial salvage on
// cancellation.
func (a *Accumulator) HasContent() bool {
	return a.content.Len() > 0
}
