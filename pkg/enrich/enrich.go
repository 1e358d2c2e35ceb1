// Package enrich runs post-generation enrichment as job DAGs: deriving a
// chat name and extracting fulfillment insights. Each DAG is shaped
// fetch-snapshot <- derive <- apply, so derivation always operates on a
// snapshot at least as fresh as the just-finalized message.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jmiran15/chatmate-sub000/pkg/ledger"
	"github.com/jmiran15/chatmate-sub000/pkg/provider"
	"github.com/jmiran15/chatmate-sub000/pkg/scheduler"
)

const (
	QueueNaming   = "chat-naming"
	QueueInsights = "chat-insights"

	JobFetchSnapshot = "fetch-chat-snapshot"
	JobGenerateName  = "generate-chat-name"
	JobApplyName     = "apply-chat-name"
	JobDeriveInsight = "derive-insights"
	JobApplyInsight  = "apply-insights"
)

// NamingFlow is the DAG enqueued after finalization to title the chat.
func NamingFlow(chatID string) scheduler.JobSpec {
	data := map[string]any{"chatId": chatID}
	return scheduler.JobSpec{
		Name:  JobApplyName,
		Queue: QueueNaming,
		Data:  data,
		Children: []scheduler.JobSpec{{
			Name:  JobGenerateName,
			Queue: QueueNaming,
			Data:  data,
			Children: []scheduler.JobSpec{{
				Name:  JobFetchSnapshot,
				Queue: QueueNaming,
				Data:  data,
			}},
		}},
	}
}

// InsightFlow is the DAG enqueued after finalization to judge whether the
// last assistant answer fulfilled the user's query.
func InsightFlow(chatID string) scheduler.JobSpec {
	data := map[string]any{"chatId": chatID}
	return scheduler.JobSpec{
		Name:  JobApplyInsight,
		Queue: QueueInsights,
		Data:  data,
		Children: []scheduler.JobSpec{{
			Name:  JobDeriveInsight,
			Queue: QueueInsights,
			Data:  data,
			Children: []scheduler.JobSpec{{
				Name:  JobFetchSnapshot,
				Queue: QueueInsights,
				Data:  data,
			}},
		}},
	}
}

// Service owns the enrichment handlers.
type Service struct {
	store    ledger.Store
	chats    ledger.ChatStore
	provider provider.Provider
	model    string
	log      *zap.Logger
}

func NewService(store ledger.Store, chats ledger.ChatStore, p provider.Provider, model string, log *zap.Logger) *Service {
	return &Service{store: store, chats: chats, provider: p, model: model, log: log}
}

// Register binds every enrichment handler onto the scheduler.
func (s *Service) Register(sched *scheduler.Scheduler) {
	sched.Register(QueueNaming, JobFetchSnapshot, s.fetchSnapshot)
	sched.Register(QueueNaming, JobGenerateName, s.generateName)
	sched.Register(QueueNaming, JobApplyName, s.applyName)

	sched.Register(QueueInsights, JobFetchSnapshot, s.fetchSnapshot)
	sched.Register(QueueInsights, JobDeriveInsight, s.deriveInsights)
	sched.Register(QueueInsights, JobApplyInsight, s.applyInsights)
}

func (s *Service) fetchSnapshot(ctx context.Context, jc *scheduler.JobContext) (any, error) {
	chatID, err := chatIDOf(jc)
	if err != nil {
		return nil, err
	}
	jc.ReportProgress(10)

	history, err := s.store.ListByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("chat %s has no messages", chatID)
	}

	var sb strings.Builder
	var lastAssistantID string
	for _, msg := range history {
		if msg.Role == ledger.RoleAssistant {
			lastAssistantID = msg.ID
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	jc.ReportProgress(100)
	return map[string]any{
		"transcript":      sb.String(),
		"lastAssistantId": lastAssistantID,
	}, nil
}

func (s *Service) generateName(ctx context.Context, jc *scheduler.JobContext) (any, error) {
	snapshot, err := snapshotOf(jc)
	if err != nil {
		return nil, err
	}
	jc.ReportProgress(20)

	name, err := s.complete(ctx,
		"You title chat conversations. Reply with a title of at most five words, no quotes.",
		snapshot["transcript"].(string))
	if err != nil {
		return nil, fmt.Errorf("deriving chat name: %w", err)
	}
	if name == "" {
		return nil, fmt.Errorf("model returned an empty name")
	}
	jc.ReportProgress(100)
	return name, nil
}

func (s *Service) applyName(ctx context.Context, jc *scheduler.JobContext) (any, error) {
	chatID, err := chatIDOf(jc)
	if err != nil {
		return nil, err
	}
	name, ok := jc.ChildResults[JobGenerateName].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("missing derived name")
	}

	if _, err := s.chats.UpdateChat(ctx, chatID, ledger.ChatPatch{Name: &name}); err != nil {
		return nil, fmt.Errorf("updating chat name: %w", err)
	}
	s.log.Info("chat named", zap.String("chat_id", chatID), zap.String("name", name))
	return name, nil
}

// insight is the artifact derived from a transcript.
type insight struct {
	DidNotFulfillQuery bool   `json:"didNotFulfillQuery"`
	Reasoning          string `json:"reasoning"`
}

func (s *Service) deriveInsights(ctx context.Context, jc *scheduler.JobContext) (any, error) {
	snapshot, err := snapshotOf(jc)
	if err != nil {
		return nil, err
	}
	jc.ReportProgress(20)

	raw, err := s.complete(ctx,
		`Judge whether the assistant's last answer fulfilled the user's query. Reply with JSON: {"didNotFulfillQuery": bool, "reasoning": string}.`,
		snapshot["transcript"].(string))
	if err != nil {
		return nil, fmt.Errorf("deriving insights: %w", err)
	}

	var in insight
	if err := json.Unmarshal([]byte(stripFences(raw)), &in); err != nil {
		return nil, fmt.Errorf("parsing insight response: %w", err)
	}
	jc.ReportProgress(100)
	return map[string]any{
		"didNotFulfillQuery": in.DidNotFulfillQuery,
		"reasoning":          in.Reasoning,
		"lastAssistantId":    snapshot["lastAssistantId"],
	}, nil
}

func (s *Service) applyInsights(ctx context.Context, jc *scheduler.JobContext) (any, error) {
	derived, ok := jc.ChildResults[JobDeriveInsight].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing derived insights")
	}
	msgID, _ := derived["lastAssistantId"].(string)
	if msgID == "" {
		// Nothing to annotate; a chat can finalize on a tool message.
		return nil, nil
	}

	unfulfilled, _ := derived["didNotFulfillQuery"].(bool)
	reasoning, _ := derived["reasoning"].(string)
	_, err := s.store.Update(ctx, msgID, ledger.Patch{
		DidNotFulfillQuery: &unfulfilled,
		Reasoning:          &reasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("annotating message: %w", err)
	}
	return derived, nil
}

// complete is a non-streaming single shot over the streaming provider.
func (s *Service) complete(ctx context.Context, system, user string) (string, error) {
	acc := &provider.Accumulator{}
	err := s.provider.Stream(ctx, provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Model: s.model,
	}, acc.Apply)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(acc.Response().Content), nil
}

func chatIDOf(jc *scheduler.JobContext) (string, error) {
	chatID, ok := jc.Job.Data["chatId"].(string)
	if !ok || chatID == "" {
		return "", fmt.Errorf("job %s missing chatId", jc.Job.Name)
	}
	return chatID, nil
}

func snapshotOf(jc *scheduler.JobContext) (map[string]any, error) {
	snapshot, ok := jc.ChildResults[JobFetchSnapshot].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing chat snapshot")
	}
	if _, ok := snapshot["transcript"].(string); !ok {
		return nil, fmt.Errorf("snapshot missing transcript")
	}
	return snapshot, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
