package enrich

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
)

// promptedProvider answers by matching on the system prompt, so one fake
// serves both the naming and the insight handlers.
type promptedProvider struct {
	byPrompt map[string]string
}

func (p *promptedProvider) Name() string { return "fake" }

func (p *promptedProvider) Stream(_ context.Context, req provider.Request, emit func(provider.Delta) error) error {
	system := req.Messages[0].Content
	for needle, reply := range p.byPrompt {
		if strings.Contains(system, needle) {
			return emit(provider.Delta{Content: reply})
		}
	}
	return emit(provider.Delta{Content: "unmatched"})
}

func seedChat(t *testing.T, store *ledger.MemoryStore) {
	t.Helper()
	store.PutChat(ledger.Chat{ID: "c1"})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := []ledger.Message{
		{ID: "m1", ChatID: "c1", Role: ledger.RoleUser, Content: "How do I reset my password?", CreatedAt: base},
		{ID: "m2", ChatID: "c1", Role: ledger.RoleAssistant, Content: "Use the forgot-password link on the sign-in page.", CreatedAt: base.Add(time.Second)},
	}
	for _, m := range msgs {
		_, err := store.Create(context.Background(), m)
		require.NoError(t, err)
	}
}

func startEnrichment(t *testing.T, store *ledger.MemoryStore, p provider.Provider) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New(zap.NewNop())
	NewService(store, store, p, "test-model", zap.NewNop()).Register(sched)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(sched.Close)
	sched.Start(ctx)
	return sched
}

func waitForState(t *testing.T, s *scheduler.Scheduler, queue, id string, want scheduler.State) scheduler.Job {
	t.Helper()
	var job scheduler.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Job(queue, id)
		return err == nil && job.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestNamingFlowTitlesChat(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedChat(t, store)
	p := &promptedProvider{byPrompt: map[string]string{
		"title chat conversations": "Password reset help",
	}}
	sched := startEnrichment(t, store, p)

	handle, err := sched.EnqueueDAG(context.Background(), NamingFlow("c1"))
	require.NoError(t, err)

	waitForState(t, sched, QueueNaming, handle.RootID, scheduler.StateCompleted)

	chat, err := store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Password reset help", chat.Name)
}

func TestInsightFlowAnnotatesLastAssistantMessage(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedChat(t, store)
	p := &promptedProvider{byPrompt: map[string]string{
		"fulfilled the user's query": "```json\n{\"didNotFulfillQuery\": true, \"reasoning\": \"answer was generic\"}\n```",
	}}
	sched := startEnrichment(t, store, p)

	handle, err := sched.EnqueueDAG(context.Background(), InsightFlow("c1"))
	require.NoError(t, err)

	waitForState(t, sched, QueueInsights, handle.RootID, scheduler.StateCompleted)

	msg, err := store.Get(context.Background(), "m2")
	require.NoError(t, err)
	assert.True(t, msg.DidNotFulfillQuery)
	assert.Equal(t, "answer was generic", msg.Reasoning)
}

func TestNamingFlowFailsOnEmptyChat(t *testing.T) {
	store := ledger.NewMemoryStore()
	store.PutChat(ledger.Chat{ID: "empty"})
	p := &promptedProvider{byPrompt: map[string]string{}}
	sched := startEnrichment(t, store, p)

	handle, err := sched.EnqueueDAG(context.Background(), NamingFlow("empty"))
	require.NoError(t, err)

	// The snapshot leaf fails and the failure cascades to the root without
	// running the apply handler.
	job := waitForState(t, sched, QueueNaming, handle.RootID, scheduler.StateFailed)
	assert.Contains(t, job.FailedReason, "no messages")

	chat, err := store.GetChat(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, chat.Name)
}

func TestInsightFlowFailsOnUnparseableJudgment(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedChat(t, store)
	p := &promptedProvider{byPrompt: map[string]string{
		"fulfilled the user's query": "definitely not JSON",
	}}
	sched := startEnrichment(t, store, p)

	handle, err := sched.EnqueueDAG(context.Background(), InsightFlow("c1"))
	require.NoError(t, err)

	waitForState(t, sched, QueueInsights, handle.RootID, scheduler.StateFailed)

	// The message stays unannotated.
	msg, err := store.Get(context.Background(), "m2")
	require.NoError(t, err)
	assert.False(t, msg.DidNotFulfillQuery)
}
