package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lival-edu/tutorhub/internal/model"
)

// ErrNotFound is returned when a thread or message does not exist within
// the caller's scope.
var ErrNotFound = errors.New("storage: not found")

// UpsertThread creates or updates a thread with merge semantics: an update
// never clobbers fields the caller left unset. An empty title keeps the
// stored title; updated_at only moves forward. Creation and update are the
// same statement so a thread mirrored from the local cache before the
// remote write completed round-trips cleanly.
func (db *DB) UpsertThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO threads (id, user_id, title, agent, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, false, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE threads.title END,
		     updated_at = GREATEST(threads.updated_at, EXCLUDED.updated_at)
		 WHERE threads.user_id = EXCLUDED.user_id
		 RETURNING id, user_id, title, agent, archived, created_at, updated_at, deleted_at`,
		t.ID, t.UserID, t.Title, string(t.Agent), t.CreatedAt, t.UpdatedAt,
	)

	stored, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The WHERE clause rejected the update: the id exists under
			// another user. Treat as not found rather than leaking existence.
			return model.Thread{}, ErrNotFound
		}
		return model.Thread{}, fmt.Errorf("storage: upsert thread: %w", err)
	}
	return stored, nil
}

// GetThread retrieves a thread by id, scoped to the given user.
func (db *DB) GetThread(ctx context.Context, userID string, id uuid.UUID) (model.Thread, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, title, agent, archived, created_at, updated_at, deleted_at
		 FROM threads WHERE id = $1 AND user_id = $2`, id, userID,
	)
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, ErrNotFound
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns the user's non-archived threads ordered by updated_at
// descending, capped at limit.
func (db *DB) ListThreads(ctx context.Context, userID string, limit int) ([]model.Thread, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, title, agent, archived, created_at, updated_at, deleted_at
		 FROM threads
		 WHERE user_id = $1 AND NOT archived
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ArchiveThread soft-deletes a thread: sets the archived flag and a deletion
// timestamp without removing the row or its messages.
func (db *DB) ArchiveThread(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET archived = true, deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND NOT archived`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: archive thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchThread bumps a thread's updated_at to at least ts. Called on every
// message append so the thread list sorts by recency.
func (db *DB) TouchThread(ctx context.Context, userID string, id uuid.UUID, ts time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET updated_at = GREATEST(updated_at, $3)
		 WHERE id = $1 AND user_id = $2`,
		id, userID, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: touch thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanThread(row pgx.Row) (model.Thread, error) {
	var t model.Thread
	var agent string
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &agent, &t.Archived,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt); err != nil {
		return model.Thread{}, err
	}
	t.Agent = model.AgentKind(agent)
	return t, nil
}
