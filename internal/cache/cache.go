// Package cache persists thread lists and message histories to a local
// SQLite file so a restarted process can render conversations immediately
// while the remote store is re-fetched in the background. Entries are full
// snapshots keyed by user (and thread for messages); a save overwrites the
// previous snapshot and entries never expire.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lival-edu/tutorhub/internal/model"
)

// GuestUserID namespaces cache entries written before a session exists, so
// a pre-login visitor's drafts survive a restart without colliding with any
// real account.
const GuestUserID = "guest"

const schema = `
CREATE TABLE IF NOT EXISTS thread_snapshots (
	user_id    TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS message_snapshots (
	user_id    TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, thread_id)
);
`

// Store is a local snapshot cache. It is safe for concurrent use; SQLite
// serializes writers internally.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database at path. Pass
// ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: initialize schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// userKey falls back to the guest namespace when no session is present.
func userKey(userID string) string {
	if userID == "" {
		return GuestUserID
	}
	return userID
}

// SaveThreads replaces the cached thread list for userID.
func (s *Store) SaveThreads(ctx context.Context, userID string, threads []model.Thread) error {
	payload, err := json.Marshal(threads)
	if err != nil {
		return fmt.Errorf("cache: encode threads: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO thread_snapshots (user_id, payload, updated_at) VALUES (?, ?, ?)",
		userKey(userID), payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache: save threads: %w", err)
	}
	return nil
}

// LoadThreads returns the cached thread list for userID, or an empty slice
// when nothing has been cached yet.
func (s *Store) LoadThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM thread_snapshots WHERE user_id = ?",
		userKey(userID),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return []model.Thread{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load threads: %w", err)
	}

	var threads []model.Thread
	if err := json.Unmarshal(payload, &threads); err != nil {
		// A corrupt snapshot is recoverable: the remote store is the source
		// of truth, so treat it the same as a cache miss.
		s.logger.Warn("discarding corrupt thread snapshot", "user_id", userKey(userID), "error", err)
		return []model.Thread{}, nil
	}
	return threads, nil
}

// SaveMessages replaces the cached message history for one thread. Transient
// presentation state is stripped so animation flags are never resurrected on
// load, and in-flight sends come back as retryable errors rather than
// forever-spinning placeholders.
func (s *Store) SaveMessages(ctx context.Context, userID string, threadID uuid.UUID, messages []model.Message) error {
	stripped := make([]model.Message, len(messages))
	for i, m := range messages {
		stripped[i] = m.StripTransient()
		if stripped[i].Status == model.StatusSending {
			stripped[i].Status = model.StatusError
		}
	}
	payload, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("cache: encode messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO message_snapshots (user_id, thread_id, payload, updated_at) VALUES (?, ?, ?, ?)",
		userKey(userID), threadID.String(), payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache: save messages: %w", err)
	}
	return nil
}

// LoadMessages returns the cached history for one thread, or an empty slice
// when nothing has been cached yet.
func (s *Store) LoadMessages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM message_snapshots WHERE user_id = ? AND thread_id = ?",
		userKey(userID), threadID.String(),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load messages: %w", err)
	}

	var messages []model.Message
	if err := json.Unmarshal(payload, &messages); err != nil {
		s.logger.Warn("discarding corrupt message snapshot", "user_id", userKey(userID), "thread_id", threadID, "error", err)
		return []model.Message{}, nil
	}
	return messages, nil
}

// DeleteThread drops the cached history for one thread, used when the thread
// is archived remotely.
func (s *Store) DeleteThread(ctx context.Context, userID string, threadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM message_snapshots WHERE user_id = ? AND thread_id = ?",
		userKey(userID), threadID.String(),
	)
	if err != nil {
		return fmt.Errorf("cache: delete thread: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
