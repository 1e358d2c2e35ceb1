package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
	"github.com/jmiran15/chatmate-sub000/pkg/tools"
)

var (
	// ErrGenerationInFlight is returned when a chat already has a streaming
	// generation.
	ErrGenerationInFlight = errors.New("generation already in flight for chat")
	// ErrEmptyHistory is returned for a request without history.
	ErrEmptyHistory = errors.New("chat history is empty")
	// ErrLastNotUser is returned when the last history entry is not a user
	// message and the caller did not signal an agent-triggered continuation.
	ErrLastNotUser = errors.New("last history entry is not a user message")
)

const userFacingAbort = "The assistant could not complete this response. Please try again."

// Enqueuer is the narrow scheduler surface the engine needs.
type Enqueuer interface {
	EnqueueDAG(ctx context.Context, spec scheduler.JobSpec) (*scheduler.Handle, error)
}

// FlowBuilder produces an enrichment DAG spec for a chat.
type FlowBuilder func(chatID string) scheduler.JobSpec

// Config bounds one generation.
type Config struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int           // hard cap on the tool resolution loop
	Timeout           time.Duration // wall clock per generation
}

func (c *Config) withDefaults() {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Engine runs generations. Generations for different chats run fully in
// parallel with no shared mutable state; within one chat the in-flight
// registry serializes them.
type Engine struct {
	provider   provider.Provider
	store      ledger.Store
	tools      *tools.Registry
	enqueuer   Enqueuer
	enrichment []FlowBuilder
	inflight   *inflight
	log        *zap.Logger
	cfg        Config
}

func NewEngine(p provider.Provider, store ledger.Store, reg *tools.Registry, enq Enqueuer, log *zap.Logger, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		provider: p,
		store:    store,
		tools:    reg,
		enqueuer: enq,
		inflight: newInflight(),
		log:      log,
		cfg:      cfg,
	}
}

// SetEnrichmentFlows registers the DAG builders enqueued after each
// successful finalization, one enqueue per builder per generation.
func (e *Engine) SetEnrichmentFlows(flows ...FlowBuilder) {
	e.enrichment = flows
}

// Busy reports whether a chat has a generation in flight.
func (e *Engine) Busy(chatID string) bool {
	return e.inflight.busy(chatID)
}

// Run starts one generation and returns its event stream. The stream always
// ends with exactly one terminal event: a final empty chunk with
// Streaming=false, or a single abort. The in-flight lock is released before
// the stream closes on every path.
func (e *Engine) Run(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if len(req.History) == 0 {
		return nil, ErrEmptyHistory
	}
	last := req.History[len(req.History)-1]
	if !req.IsAgentTurn && last.Role != ledger.RoleUser {
		return nil, ErrLastNotUser
	}
	if !e.inflight.acquire(req.ChatID) {
		return nil, ErrGenerationInFlight
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer e.inflight.release(req.ChatID)
		e.generate(ctx, req, out)
	}()
	return out, nil
}

func (e *Engine) generate(ctx context.Context, req Request, out chan<- StreamEvent) {
	genID := uuid.New().String()
	gctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	set, err := e.tools.ForChat(gctx, req.ChatID)
	if err != nil {
		e.abort(gctx, out, genID, req.ChatID, nil, fmt.Errorf("loading tools: %w", err))
		return
	}
	messages := toProviderMessages(req.History)

	for iter := 0; iter < e.cfg.MaxToolIterations; iter++ {
		acc := &provider.Accumulator{}
		preq := provider.Request{
			Messages:    messages,
			Tools:       set.Definitions(),
			Model:       e.cfg.Model,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		}

		streamErr := e.provider.Stream(gctx, preq, func(d provider.Delta) error {
			if err := acc.Apply(d); err != nil {
				return err
			}
			if d.Content == "" {
				return nil
			}
			return e.emit(gctx, out, StreamEvent{
				ID:           genID,
				Type:         EventChunk,
				TextResponse: d.Content,
				Streaming:    true,
			})
		})
		if streamErr != nil {
			e.abort(gctx, out, genID, req.ChatID, acc, streamErr)
			return
		}

		resp := acc.Response()
		if len(resp.ToolCalls) == 0 {
			e.finalize(gctx, out, genID, req.ChatID, ledger.Message{
				ID:      genID,
				ChatID:  req.ChatID,
				Role:    ledger.RoleAssistant,
				Content: resp.Content,
			})
			return
		}

		if err := e.emit(gctx, out, StreamEvent{ID: genID, Type: EventToolCall, Streaming: true}); err != nil {
			e.abort(gctx, out, genID, req.ChatID, acc, err)
			return
		}

		terminal, resolveErr := e.resolveCalls(gctx, req.ChatID, set, resp.ToolCalls)
		if resolveErr != nil {
			e.abort(gctx, out, genID, req.ChatID, acc, resolveErr)
			return
		}
		if terminal != nil {
			e.finalize(gctx, out, genID, req.ChatID, *terminal)
			return
		}
		// Every invocation declined: the offending tools are gone from the
		// set, the assistant turn is discarded (never appended to messages),
		// and the loop retries with what remains.
	}

	e.abort(gctx, out, genID, req.ChatID, nil,
		fmt.Errorf("tool resolution exceeded %d iterations", e.cfg.MaxToolIterations))
}

// resolveCalls resolves each invocation in order. The first terminal outcome
// wins; declining tools are removed from the set for every later round.
func (e *Engine) resolveCalls(ctx context.Context, chatID string, set *tools.Set, calls []provider.ToolCall) (*ledger.Message, error) {
	for _, call := range calls {
		tool, ok := set.Lookup(call.Name)
		if !ok {
			e.log.Warn("model invoked unknown tool",
				zap.String("chat_id", chatID),
				zap.String("tool", call.Name))
			continue
		}
		outcome, err := tool.Resolve(ctx, chatID, call)
		if err != nil {
			return nil, fmt.Errorf("resolving tool %s: %w", call.Name, err)
		}
		if outcome.Terminal {
			return &outcome.ToolMessage, nil
		}
		set.Remove(call.Name)
	}
	return nil, nil
}

// finalize persists the terminal message, emits the closing event, and
// enqueues enrichment. Exactly one ledger create per generation happens
// here.
func (e *Engine) finalize(ctx context.Context, out chan<- StreamEvent, genID, chatID string, msg ledger.Message) {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
		msg.UpdatedAt = now
	}
	msg.Streaming = false

	if _, err := e.store.Create(ctx, msg); err != nil {
		// Resource error after generation: surfaced to the caller; the
		// in-flight lock is still released by Run's defer.
		e.abortEmit(ctx, out, genID, fmt.Sprintf("persisting message: %v", err))
		return
	}

	_ = e.emit(ctx, out, StreamEvent{ID: genID, Type: EventChunk, Streaming: false})
	e.enqueueEnrichment(ctx, chatID)
}

func (e *Engine) enqueueEnrichment(ctx context.Context, chatID string) {
	if e.enqueuer == nil {
		return
	}
	// Enrichment outlives the request: detach from the caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	for _, build := range e.enrichment {
		spec := build(chatID)
		if _, err := e.enqueuer.EnqueueDAG(ctx, spec); err != nil {
			// Job errors never propagate into the conversational stream.
			e.log.Warn("enqueue enrichment failed",
				zap.String("chat_id", chatID),
				zap.String("queue", spec.Queue),
				zap.Error(err))
		}
	}
}

// abort converts any error into the single terminal abort event. Canceled
// or timed-out generations salvage partial content as a non-streaming
// message marked with an error, so no message is ever stuck streaming.
func (e *Engine) abort(ctx context.Context, out chan<- StreamEvent, genID, chatID string, acc *provider.Accumulator, cause error) {
	canceled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
	if canceled && acc != nil && acc.HasContent() {
		salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		partial := ledger.Message{
			ID:      genID,
			ChatID:  chatID,
			Role:    ledger.RoleAssistant,
			Content: acc.Response().Content,
			Error:   "generation interrupted",
		}
		if _, err := e.store.Create(salvageCtx, partial); err != nil {
			e.log.Warn("salvaging partial message failed",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	var protoErr *provider.ProtocolError
	userErr := userFacingAbort
	if errors.As(cause, &protoErr) {
		// Developer-facing: protocol breakage is a bug, not a transient.
		userErr = protoErr.Error()
	}

	e.log.Error("generation aborted",
		zap.String("chat_id", chatID),
		zap.String("generation_id", genID),
		zap.Error(cause))

	e.abortEmit(ctx, out, genID, userErr)
}

func (e *Engine) abortEmit(ctx context.Context, out chan<- StreamEvent, genID, errMsg string) {
	ev := StreamEvent{ID: genID, Type: EventAbort, Error: errMsg, Streaming: false}
	// Best effort: the requester may already be gone.
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toProviderMessages(history []ledger.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, msg := range history {
		pm := provider.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			if msg.Role == ledger.RoleTool {
				pm.ToolCallID = tc.ID
				continue
			}
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		out = append(out, pm)
	}
	return out
}
