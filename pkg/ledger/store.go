package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a message or chat id is unknown.
var ErrNotFound = errors.New("ledger: record not found")

// Store is the narrow surface this core requires from the durable message
// ledger. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (Message, error)
	Create(ctx context.Context, msg Message) (Message, error)
	Update(ctx context.Context, id string, patch Patch) (Message, error)
	// ListByChat returns the chat history ordered by CreatedAt ascending,
	// ties broken by id.
	ListByChat(ctx context.Context, chatID string) ([]Message, error)
}

// ChatStore is the narrow surface over chat records needed by enrichment.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (Chat, error)
	UpdateChat(ctx context.Context, id string, patch ChatPatch) (Chat, error)
}

// MemoryStore is an in-process Store and ChatStore, used in tests and as the
// default backing when no external ledger is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]Message
	chats    map[string]Chat
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]Message),
		chats:    make(map[string]Chat),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (s *MemoryStore) Create(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	applyPatch(&msg, patch)
	msg.UpdatedAt = time.Now()
	s.messages[id] = msg
	return msg, nil
}

func (s *MemoryStore) ListByChat(_ context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, msg := range s.messages {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return chat, nil
}

// PutChat seeds a chat record. Chat creation itself is an external concern.
func (s *MemoryStore) PutChat(chat Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	s.chats[chat.ID] = chat
}

func (s *MemoryStore) UpdateChat(_ context.Context, id string, patch ChatPatch) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	if patch.Name != nil {
		chat.Name = *patch.Name
	}
	chat.UpdatedAt = time.Now()
	s.chats[id] = chat
	return chat, nil
}

func applyPatch(msg *Message, patch Patch) {
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.Streaming != nil {
		msg.Streaming = *patch.Streaming
	}
	if patch.Error != nil {
		msg.Error = *patch.Error
	}
	if patch.SeenByUser != nil {
		msg.SeenByUser = *patch.SeenByUser
	}
	if patch.SeenByUserAt != nil {
		msg.SeenByUserAt = patch.SeenByUserAt
	}
	if patch.SeenByAgent != nil {
		msg.SeenByAgent = *patch.SeenByAgent
	}
	if patch.SeenByAgentAt != nil {
		msg.SeenByAgentAt = patch.SeenByAgentAt
	}
	if patch.DidNotFulfillQuery != nil {
		msg.DidNotFulfillQuery = *patch.DidNotFulfillQuery
	}
	if patch.Reasoning != nil {
		msg.Reasoning = *patch.Reasoning
	}
}
