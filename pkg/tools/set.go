package tools

import (
	"context"

	"github.com/jmiran15/chatmate-sub000/pkg/provider"
)

// Set is the mutable tool collection for a single generation. The completion
// loop removes tools that decline; removed tools are excluded from every
// later round's definitions.
type Set struct {
	ordered []Tool
}

func NewSet(ts ...Tool) *Set {
	s := &Set{ordered: make([]Tool, 0, len(ts))}
	s.ordered = append(s.ordered, ts...)
	return s
}

func (s *Set) Len() int {
	return len(s.ordered)
}

func (s *Set) Definitions() []provider.ToolDefinition {
	if len(s.ordered) == 0 {
		return nil
	}
	defs := make([]provider.ToolDefinition, 0, len(s.ordered))
	for _, t := range s.ordered {
		defs = append(defs, t.Definition())
	}
	return defs
}

func (s *Set) Lookup(name string) (Tool, bool) {
	for _, t := range s.ordered {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

func (s *Set) Remove(name string) {
	for i, t := range s.ordered {
		if t.Name() == name {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			return
		}
	}
}

// FlowSource lists the custom flows configured for a chat. External
// collaborator; implementations typically read chatbot configuration.
type FlowSource interface {
	ListFlows(ctx context.Context, chatID string) ([]Flow, error)
}

// Registry builds the per-generation tool set: built-ins plus the chat's
// custom flows. It is constructed once at process start and passed down
// explicitly, never held in a package global.
type Registry struct {
	builtins []Tool
	flows    FlowSource
}

func NewRegistry(flows FlowSource, builtins ...Tool) *Registry {
	return &Registry{builtins: builtins, flows: flows}
}

func (r *Registry) ForChat(ctx context.Context, chatID string) (*Set, error) {
	set := NewSet(r.builtins...)
	if r.flows == nil {
		return set, nil
	}
	flows, err := r.flows.ListFlows(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for i := range flows {
		f := flows[i]
		set.ordered = append(set.ordered, &f)
	}
	return set, nil
}
