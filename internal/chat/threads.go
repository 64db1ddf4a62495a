package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lival-edu/tutorhub/internal/model"
)

// Threads returns the user's active threads, reconciled between the remote
// store and the local cache: remote is the source of truth, but a cached
// entry with a newer clock (a send whose thread write raced this read)
// survives the merge. The merged list is written back to the cache. When the
// remote store is unreachable the cached list is served as-is.
func (s *Service) Threads(ctx context.Context, userID string) ([]model.Thread, error) {
	remote, err := s.store.ListThreads(ctx, userID, s.threadPageSize)
	if err != nil {
		cached, cacheErr := s.cache.LoadThreads(ctx, userID)
		if cacheErr != nil {
			return nil, fmt.Errorf("chat: list threads: %w", err)
		}
		s.logger.Warn("serving threads from cache, remote unavailable",
			"user_id", userID, "error", err)
		return cached, nil
	}

	cached, err := s.cache.LoadThreads(ctx, userID)
	if err != nil {
		cached = nil
	}
	merged := model.MergeThreads(remote, onlyIn(cached, remote))
	if len(merged) > s.threadPageSize {
		merged = merged[:s.threadPageSize]
	}

	if err := s.cache.SaveThreads(ctx, userID, merged); err != nil {
		s.logger.Warn("thread cache write failed", "user_id", userID, "error", err)
	}
	return merged, nil
}

// onlyIn keeps cached entries whose id also appears remotely, so threads
// archived elsewhere don't resurrect from a stale cache.
func onlyIn(cached, remote []model.Thread) []model.Thread {
	ids := make(map[uuid.UUID]bool, len(remote))
	for _, t := range remote {
		ids[t.ID] = true
	}
	kept := cached[:0]
	for _, t := range cached {
		if ids[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}

// CreateThread registers a client-generated thread. Merge-upsert semantics
// make this safe to repeat: a second create with the same id updates at most
// the title.
func (s *Service) CreateThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	if err := model.ValidateThread(t); err != nil {
		return model.Thread{}, fmt.Errorf("chat: create thread: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	created, err := s.store.UpsertThread(ctx, t)
	if err != nil {
		return model.Thread{}, err
	}
	s.refreshThreadCache(ctx, t.UserID)
	s.notifyThread(ctx, t.UserID, created.ID)
	return created, nil
}

// Archive soft-deletes a thread and drops its cached history.
func (s *Service) Archive(ctx context.Context, userID string, threadID uuid.UUID) error {
	if err := s.store.ArchiveThread(ctx, userID, threadID); err != nil {
		return err
	}
	if err := s.cache.DeleteThread(ctx, userID, threadID); err != nil {
		s.logger.Warn("archived thread still cached", "thread_id", threadID, "error", err)
	}
	s.refreshThreadCache(ctx, userID)
	s.notifyThread(ctx, userID, threadID)
	return nil
}

// Messages returns a thread's history. The authoritative remote list is
// cached on every successful read; when the remote store is unreachable the
// cached snapshot is served instead.
func (s *Service) Messages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error) {
	remote, err := s.store.ListMessages(ctx, userID, threadID, s.msgPageSize)
	if err != nil {
		cached, cacheErr := s.cache.LoadMessages(ctx, userID, threadID)
		if cacheErr != nil {
			return nil, fmt.Errorf("chat: list messages: %w", err)
		}
		s.logger.Warn("serving messages from cache, remote unavailable",
			"thread_id", threadID, "error", err)
		return cached, nil
	}
	// Fold the cached snapshot under the remote truth so local-only error
	// messages with live retry records survive the write-back.
	cached, cacheErr := s.cache.LoadMessages(ctx, userID, threadID)
	if cacheErr != nil {
		cached = nil
	}
	merged := mergeWithRemote(cached, remote)
	if err := s.cache.SaveMessages(ctx, userID, threadID, merged); err != nil {
		s.logger.Warn("message cache write failed", "thread_id", threadID, "error", err)
	}
	return merged, nil
}

func (s *Service) refreshThreadCache(ctx context.Context, userID string) {
	threads, err := s.store.ListThreads(ctx, userID, s.threadPageSize)
	if err != nil {
		s.logger.Warn("thread cache refresh read failed", "user_id", userID, "error", err)
		return
	}
	if err := s.cache.SaveThreads(ctx, userID, threads); err != nil {
		s.logger.Warn("thread cache refresh write failed", "user_id", userID, "error", err)
	}
}
