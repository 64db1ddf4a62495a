package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lival-edu/tutorhub/internal/model"
)

// UpsertPendingSend stores the retry payload for a failed send. Keyed by the
// failed user message id; a second failure of the same message overwrites
// the record (the payload is identical by construction).
func (db *DB) UpsertPendingSend(ctx context.Context, p model.PendingSend) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pending_sends (message_id, thread_id, user_id, text, attachment_urls, quality_tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (message_id) DO UPDATE
		 SET text = EXCLUDED.text,
		     attachment_urls = EXCLUDED.attachment_urls,
		     quality_tier = EXCLUDED.quality_tier`,
		p.MessageID, p.ThreadID, p.UserID, p.Text, p.AttachmentURLs, p.QualityTier, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert pending send: %w", err)
	}
	return nil
}

// GetPendingSend retrieves the retry payload for a message, scoped to the user.
func (db *DB) GetPendingSend(ctx context.Context, userID string, messageID uuid.UUID) (model.PendingSend, error) {
	var p model.PendingSend
	err := db.pool.QueryRow(ctx,
		`SELECT message_id, thread_id, user_id, text, attachment_urls, quality_tier, created_at
		 FROM pending_sends WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&p.MessageID, &p.ThreadID, &p.UserID, &p.Text, &p.AttachmentURLs, &p.QualityTier, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingSend{}, ErrNotFound
		}
		return model.PendingSend{}, fmt.Errorf("storage: get pending send: %w", err)
	}
	return p, nil
}

// DeletePendingSend removes the retry payload once the send finally succeeds.
func (db *DB) DeletePendingSend(ctx context.Context, userID string, messageID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM pending_sends WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete pending send: %w", err)
	}
	return nil
}
