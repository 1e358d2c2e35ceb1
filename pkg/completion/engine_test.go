package completion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
	"github.com/jmiran15/chatmate-sub000/pkg/tools"
)

// scriptTurn is one scripted provider round-trip.
type scriptTurn struct {
	deltas []provider.Delta
	err    error
	// blockAfter emits that many deltas then parks until ctx cancellation.
	blockAfter int
}

type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptTurn
	requests []provider.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request, emit func(provider.Delta) error) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return errors.New("script exhausted")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	for i, d := range turn.deltas {
		if turn.blockAfter > 0 && i == turn.blockAfter {
			<-ctx.Done()
			return ctx.Err()
		}
		if err := emit(d); err != nil {
			return err
		}
	}
	if turn.err != nil {
		return turn.err
	}
	if turn.blockAfter >= len(turn.deltas) && turn.blockAfter > 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *scriptedProvider) requestTools(i int) []provider.ToolDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i].Tools
}

type countingStore struct {
	*ledger.MemoryStore
	creates atomic.Int32
}

func (s *countingStore) Create(ctx context.Context, msg ledger.Message) (ledger.Message, error) {
	s.creates.Add(1)
	return s.MemoryStore.Create(ctx, msg)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	specs []scheduler.JobSpec
}

func (f *fakeEnqueuer) EnqueueDAG(_ context.Context, spec scheduler.JobSpec) (*scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return &scheduler.Handle{RootID: "fake"}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type staticFlows struct {
	flows []tools.Flow
}

func (s staticFlows) ListFlows(context.Context, string) ([]tools.Flow, error) {
	return s.flows, nil
}

type scriptedRunner struct {
	result tools.FlowResult
	err    error
}

func (r scriptedRunner) RunFlow(context.Context, string, string, string) (tools.FlowResult, error) {
	return r.result, r.err
}

func userHistory(chatID, text string) []ledger.Message {
	return []ledger.Message{{
		ID:        "m-user-1",
		ChatID:    chatID,
		Role:      ledger.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}}
}

func newTestEngine(t *testing.T, p provider.Provider, reg *tools.Registry, cfg Config) (*Engine, *countingStore, *fakeEnqueuer) {
	t.Helper()
	store := &countingStore{MemoryStore: ledger.NewMemoryStore()}
	enq := &fakeEnqueuer{}
	if reg == nil {
		reg = tools.NewRegistry(nil, tools.Handoff{})
	}
	engine := NewEngine(p, store, reg, enq, zap.NewNop(), cfg)
	engine.SetEnrichmentFlows(
		func(chatID string) scheduler.JobSpec {
			return scheduler.JobSpec{Name: "apply-chat-name", Queue: "chat-naming", Data: map[string]any{"chatId": chatID}}
		},
		func(chatID string) scheduler.JobSpec {
			return scheduler.JobSpec{Name: "apply-insights", Queue: "chat-insights", Data: map[string]any{"chatId": chatID}}
		},
	)
	return engine, store, enq
}

func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestEngine_StreamsAndPersists(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{
		deltas: []provider.Delta{
			{Content: "Hi"},
			{Content: " there"},
			{Content: "!", FinishReason: "stop"},
		},
	}}}
	engine, store, enq := newTestEngine(t, p, nil, Config{})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "hello")})
	require.NoError(t, err)
	got := drain(t, events)

	require.Len(t, got, 4)
	assert.Equal(t, "Hi", got[0].TextResponse)
	assert.Equal(t, " there", got[1].TextResponse)
	assert.Equal(t, "!", got[2].TextResponse)
	for _, ev := range got[:3] {
		assert.Equal(t, EventChunk, ev.Type)
		assert.True(t, ev.Streaming)
	}
	final := got[3]
	assert.Equal(t, EventChunk, final.Type)
	assert.Empty(t, final.TextResponse)
	assert.False(t, final.Streaming)

	// Every event of one generation carries the same id.
	for _, ev := range got {
		assert.Equal(t, got[0].ID, ev.ID)
	}

	assert.Equal(t, int32(1), store.creates.Load(), "exactly one ledger create")
	history, err := store.ListByChat(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Hi there!", history[0].Content)
	assert.Equal(t, ledger.RoleAssistant, history[0].Role)
	assert.False(t, history[0].Streaming)

	assert.Equal(t, 2, enq.count(), "one enqueue per enrichment type")
}

func TestEngine_HandoffToolIsTerminal(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{
		deltas: []provider.Delta{
			{ToolCalls: []provider.ToolCallDelta{{Index: 0, ID: "call_1", Name: "request_live_chat"}}},
			{ToolCalls: []provider.ToolCallDelta{{Index: 0, ArgumentsDelta: `{"reason":"wants a human"}`}}},
			{FinishReason: "tool_calls"},
		},
	}}}
	engine, store, _ := newTestEngine(t, p, nil, Config{})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "talk to a person")})
	require.NoError(t, err)
	got := drain(t, events)

	var markers int
	for _, ev := range got {
		if ev.Type == EventToolCall {
			markers++
		}
	}
	assert.Equal(t, 1, markers, "exactly one toolCall marker")
	assert.Equal(t, EventChunk, got[len(got)-1].Type)
	assert.False(t, got[len(got)-1].Streaming)

	p.mu.Lock()
	rounds := len(p.requests)
	p.mu.Unlock()
	assert.Equal(t, 1, rounds, "no further model round-trip after a terminal tool")

	history, err := store.ListByChat(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.RoleTool, history[0].Role)
	assert.Equal(t, ledger.ActivityLiveChatRequested, history[0].ActivityType)
}

func TestEngine_DecliningFlowIsRemovedAndLoopContinues(t *testing.T) {
	flow := tools.Flow{
		FlowID: "flow-9",
		Def:    provider.ToolDefinition{Name: "discount_flow"},
		Runner: scriptedRunner{result: tools.FlowResult{Success: false}},
	}
	reg := tools.NewRegistry(staticFlows{flows: []tools.Flow{flow}}, tools.Handoff{})

	p := &scriptedProvider{turns: []scriptTurn{
		{deltas: []provider.Delta{
			{ToolCalls: []provider.ToolCallDelta{{Index: 0, ID: "call_1", Name: "discount_flow"}}},
			{FinishReason: "tool_calls"},
		}},
		{deltas: []provider.Delta{
			{Content: "Sorry, that offer is gone."},
			{FinishReason: "stop"},
		}},
	}}
	engine, store, _ := newTestEngine(t, p, reg, Config{})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "discount?")})
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, EventChunk, got[len(got)-1].Type)
	assert.False(t, got[len(got)-1].Streaming)

	// First round offered the flow; after it declined, the retry excluded it.
	firstTools := p.requestTools(0)
	secondTools := p.requestTools(1)
	assert.True(t, containsTool(firstTools, "discount_flow"))
	assert.False(t, containsTool(secondTools, "discount_flow"))
	assert.True(t, containsTool(secondTools, "request_live_chat"))

	history, err := store.ListByChat(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 1, "discarded assistant turn is never persisted")
	assert.Equal(t, "Sorry, that offer is gone.", history[0].Content)
}

func TestEngine_ToolLoopTerminatesAtCap(t *testing.T) {
	turn := scriptTurn{deltas: []provider.Delta{
		{ToolCalls: []provider.ToolCallDelta{{Index: 0, ID: "call_1", Name: "absent_tool"}}},
		{FinishReason: "tool_calls"},
	}}
	p := &scriptedProvider{turns: []scriptTurn{turn, turn, turn, turn, turn}}
	engine, store, enq := newTestEngine(t, p, nil, Config{MaxToolIterations: 3})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "hi")})
	require.NoError(t, err)
	got := drain(t, events)

	final := got[len(got)-1]
	assert.Equal(t, EventAbort, final.Type)
	assert.NotEmpty(t, final.Error)
	assert.Equal(t, int32(0), store.creates.Load(), "no writes on abort")
	assert.Equal(t, 0, enq.count())

	p.mu.Lock()
	rounds := len(p.requests)
	p.mu.Unlock()
	assert.Equal(t, 3, rounds)
}

func TestEngine_TransportErrorAborts(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{
		deltas: []provider.Delta{{Content: "Hi"}},
		err:    errors.New("connection reset"),
	}}}
	engine, store, enq := newTestEngine(t, p, nil, Config{})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "hello")})
	require.NoError(t, err)
	got := drain(t, events)

	final := got[len(got)-1]
	assert.Equal(t, EventAbort, final.Type)
	assert.False(t, final.Streaming)
	assert.Equal(t, int32(0), store.creates.Load(), "transport errors persist nothing")
	assert.Equal(t, 0, enq.count())
}

func TestEngine_ProtocolErrorSurfacesDetail(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{
		deltas: []provider.Delta{
			{Content: "Hi"},
			{ToolCalls: []provider.ToolCallDelta{{Index: 4, ID: "call_x"}}},
		},
	}}}
	engine, _, _ := newTestEngine(t, p, nil, Config{})

	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: userHistory("chat-1", "hello")})
	require.NoError(t, err)
	got := drain(t, events)

	final := got[len(got)-1]
	assert.Equal(t, EventAbort, final.Type)
	assert.Contains(t, final.Error, "protocol error")
}

func TestEngine_CancelSalvagesPartialAndReleasesLock(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{
		deltas: []provider.Delta{
			{Content: "Hi"},
			{Content: " there"},
			{Content: "!"},
		},
		blockAfter: 2,
	}}}
	engine, store, enq := newTestEngine(t, p, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := engine.Run(ctx, Request{ChatID: "chat-1", History: userHistory("chat-1", "hello")})
	require.NoError(t, err)

	first := <-events
	second := <-events
	assert.Equal(t, "Hi", first.TextResponse)
	assert.Equal(t, " there", second.TextResponse)

	cancel()
	drain(t, events)

	require.Eventually(t, func() bool {
		return !engine.Busy("chat-1")
	}, time.Second, 5*time.Millisecond, "in-flight lock must be released")

	history, err := store.ListByChat(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 1, "partial content salvaged")
	assert.Equal(t, "Hi there", history[0].Content)
	assert.False(t, history[0].Streaming, "no message left streaming")
	assert.NotEmpty(t, history[0].Error)
	assert.Equal(t, 0, enq.count(), "no enrichment on abort")
}

func TestEngine_SecondGenerationForChatIsRejected(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{{blockAfter: 1, deltas: []provider.Delta{{Content: "x"}}}}}
	engine, _, _ := newTestEngine(t, p, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := engine.Run(ctx, Request{ChatID: "chat-1", History: userHistory("chat-1", "hello")})
	require.NoError(t, err)
	<-events // generation is now mid-stream

	_, err = engine.Run(ctx, Request{ChatID: "chat-1", History: userHistory("chat-1", "again")})
	assert.ErrorIs(t, err, ErrGenerationInFlight)

	// A different chat is unaffected by chat-1's lock.
	assert.False(t, engine.Busy("chat-2"))

	cancel()
	drain(t, events)
}

func TestEngine_RejectsInvalidHistory(t *testing.T) {
	engine, _, _ := newTestEngine(t, &scriptedProvider{}, nil, Config{})

	_, err := engine.Run(context.Background(), Request{ChatID: "chat-1"})
	assert.ErrorIs(t, err, ErrEmptyHistory)

	history := []ledger.Message{{ID: "m1", ChatID: "chat-1", Role: ledger.RoleAssistant, Content: "hi"}}
	_, err = engine.Run(context.Background(), Request{ChatID: "chat-1", History: history})
	assert.ErrorIs(t, err, ErrLastNotUser)

	// An agent-triggered continuation skips the last-entry check.
	p := &scriptedProvider{turns: []scriptTurn{{deltas: []provider.Delta{{Content: "ok", FinishReason: "stop"}}}}}
	engine, _, _ = newTestEngine(t, p, nil, Config{})
	events, err := engine.Run(context.Background(), Request{ChatID: "chat-1", History: history, IsAgentTurn: true})
	require.NoError(t, err)
	drain(t, events)
}

func containsTool(defs []provider.ToolDefinition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}
