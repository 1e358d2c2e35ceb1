package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, Message{ID: "m1", ChatID: "c1", Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CreateKeepsCallerTimestamp(t *testing.T) {
	s := NewMemoryStore()
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	created, err := s.Create(context.Background(), Message{ID: "m1", ChatID: "c1", CreatedAt: when})
	require.NoError(t, err)
	assert.Equal(t, when, created.CreatedAt)
}

func TestMemoryStore_UpdateAppliesOnlySetFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, Message{ID: "m1", ChatID: "c1", Role: RoleAssistant, Content: "partial", Streaming: true})
	require.NoError(t, err)

	got, err := s.Update(ctx, "m1", Patch{
		Content:   ptr("partial done"),
		Streaming: ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "partial done", got.Content)
	assert.False(t, got.Streaming)
	assert.Empty(t, got.Error)

	seenAt := time.Now()
	got, err = s.Update(ctx, "m1", Patch{SeenByUser: ptr(true), SeenByUserAt: &seenAt})
	require.NoError(t, err)
	assert.True(t, got.SeenByUser)
	require.NotNil(t, got.SeenByUserAt)
	assert.Equal(t, "partial done", got.Content, "unset fields stay untouched")

	_, err = s.Update(ctx, "missing", Patch{Content: ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateAnnotations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Create(ctx, Message{ID: "m1", ChatID: "c1", Role: RoleAssistant, Content: "I cannot help with that."})
	require.NoError(t, err)

	got, err := s.Update(ctx, "m1", Patch{
		DidNotFulfillQuery: ptr(true),
		Reasoning:          ptr("assistant declined the request"),
	})
	require.NoError(t, err)
	assert.True(t, got.DidNotFulfillQuery)
	assert.Equal(t, "assistant declined the request", got.Reasoning)
}

func TestMemoryStore_ListByChatOrdersByCreatedAtThenID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := []Message{
		{ID: "mb", ChatID: "c1", CreatedAt: base.Add(time.Second)},
		{ID: "ma", ChatID: "c1", CreatedAt: base.Add(time.Second)},
		{ID: "mc", ChatID: "c1", CreatedAt: base},
		{ID: "mx", ChatID: "other", CreatedAt: base},
	}
	for _, m := range seed {
		_, err := s.Create(ctx, m)
		require.NoError(t, err)
	}

	out, err := s.ListByChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "mc", out[0].ID)
	assert.Equal(t, "ma", out[1].ID)
	assert.Equal(t, "mb", out[2].ID)

	empty, err := s.ListByChat(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_ChatNamePatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.PutChat(Chat{ID: "c1"})

	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, chat.Name)
	assert.False(t, chat.CreatedAt.IsZero())

	chat, err = s.UpdateChat(ctx, "c1", ChatPatch{Name: ptr("Billing question")})
	require.NoError(t, err)
	assert.Equal(t, "Billing question", chat.Name)

	chat, err = s.UpdateChat(ctx, "c1", ChatPatch{})
	require.NoError(t, err)
	assert.Equal(t, "Billing question", chat.Name)

	_, err = s.GetChat(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateChat(ctx, "missing", ChatPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}
