package cache_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lival-edu/tutorhub/internal/cache"
	"github.com/lival-edu/tutorhub/internal/model"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	threads := []model.Thread{
		{ID: uuid.New(), UserID: "u1", Title: "algebra help", Agent: model.AgentTutor, UpdatedAt: time.Now().UTC().Truncate(time.Millisecond)},
		{ID: uuid.New(), UserID: "u1", Title: "college plan", Agent: model.AgentPlanner, UpdatedAt: time.Now().UTC().Truncate(time.Millisecond)},
	}
	require.NoError(t, s.SaveThreads(ctx, "u1", threads))

	got, err := s.LoadThreads(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, threads, got)

	// A second save replaces, never appends.
	require.NoError(t, s.SaveThreads(ctx, "u1", threads[:1]))
	got, err = s.LoadThreads(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoadMissReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	threads, err := s.LoadThreads(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, threads)

	msgs, err := s.LoadMessages(ctx, "nobody", uuid.New())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGuestNamespaceFallback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	threads := []model.Thread{{ID: uuid.New(), Title: "before login", Agent: model.AgentTutor}}
	require.NoError(t, s.SaveThreads(ctx, "", threads))

	// Empty user id and the guest namespace are the same bucket.
	got, err := s.LoadThreads(ctx, cache.GuestUserID)
	require.NoError(t, err)
	assert.Equal(t, threads, got)
}

func TestSaveMessagesStripsTransientState(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	threadID := uuid.New()

	messages := []model.Message{
		{ID: uuid.New(), ThreadID: threadID, Role: model.RoleUser, Kind: model.KindAsk, Content: "hi", Status: model.StatusSending},
		{ID: uuid.New(), ThreadID: threadID, Role: model.RoleAssistant, Kind: model.KindAsk, Content: "hello", Status: model.StatusSent, Animating: true},
	}
	require.NoError(t, s.SaveMessages(ctx, "u1", threadID, messages))

	got, err := s.LoadMessages(ctx, "u1", threadID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// In-flight sends come back as retryable errors, not stuck spinners.
	assert.Equal(t, model.StatusError, got[0].Status)
	assert.Equal(t, model.StatusSent, got[1].Status)
	assert.False(t, got[1].Animating)
}

func TestMessageSnapshotsScopedPerThread(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.SaveMessages(ctx, "u1", a, []model.Message{
		{ID: uuid.New(), ThreadID: a, Role: model.RoleUser, Kind: model.KindAsk, Content: "thread a", Status: model.StatusSent},
	}))
	require.NoError(t, s.SaveMessages(ctx, "u1", b, []model.Message{
		{ID: uuid.New(), ThreadID: b, Role: model.RoleUser, Kind: model.KindAsk, Content: "thread b", Status: model.StatusSent},
	}))

	got, err := s.LoadMessages(ctx, "u1", a)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "thread a", got[0].Content)

	require.NoError(t, s.DeleteThread(ctx, "u1", a))
	got, err = s.LoadMessages(ctx, "u1", a)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.LoadMessages(ctx, "u1", b)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSnapshotsScopedPerUser(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	threadID := uuid.New()

	require.NoError(t, s.SaveMessages(ctx, "u1", threadID, []model.Message{
		{ID: uuid.New(), ThreadID: threadID, Role: model.RoleUser, Kind: model.KindAsk, Content: "mine", Status: model.StatusSent},
	}))

	got, err := s.LoadMessages(ctx, "u2", threadID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
