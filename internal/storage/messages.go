package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lival-edu/tutorhub/internal/model"
)

// InsertMessage persists a message with at-most-once semantics: the primary
// key is the client-generated id, and a conflicting insert is a no-op. The
// returned bool reports whether this call stored the row (false means it was
// already persisted — e.g. a reconciliation re-run or a retry of an already
// committed send).
//
// Message delivery status is deliberately not a column: the remote store
// holds only durable messages, and status is UI state owned by the cache.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (bool, error) {
	m = m.StripTransient()
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, agent, kind, content, has_image,
		                       image_storage_urls, tags, plan_version, plan_data,
		                       report_engine, report_text_content, report_title, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ThreadID, string(m.Role), string(m.Agent), string(m.Kind), m.Content,
		m.HasImage, m.ImageStorageURLs, m.Tags, m.PlanVersion, m.PlanData,
		m.ReportEngine, m.ReportTextContent, m.ReportTitle, m.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMessages returns a thread's messages ordered by created_at ascending,
// capped at limit. The thread must belong to the given user.
func (db *DB) ListMessages(ctx context.Context, userID string, threadID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.thread_id, m.role, m.agent, m.kind, m.content, m.has_image,
		        m.image_storage_urls, m.tags, m.plan_version, m.plan_data,
		        m.report_engine, m.report_text_content, m.report_title, m.created_at
		 FROM messages m
		 JOIN threads t ON t.id = m.thread_id
		 WHERE m.thread_id = $1 AND t.user_id = $2
		 ORDER BY m.created_at ASC, m.id ASC
		 LIMIT $3`,
		threadID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		// Everything read back from the remote store is durable by definition.
		m.Status = model.StatusSent
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListRecentMessages returns the newest n messages of a thread in ascending
// order. Used to build the model context window for a new send.
func (db *DB) ListRecentMessages(ctx context.Context, userID string, threadID uuid.UUID, n int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.thread_id, m.role, m.agent, m.kind, m.content, m.has_image,
		        m.image_storage_urls, m.tags, m.plan_version, m.plan_data,
		        m.report_engine, m.report_text_content, m.report_title, m.created_at
		 FROM messages m
		 JOIN threads t ON t.id = m.thread_id
		 WHERE m.thread_id = $1 AND t.user_id = $2
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $3`,
		threadID, userID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan recent message: %w", err)
		}
		m.Status = model.StatusSent
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListTaggedMessages returns the subset of a thread's messages carrying at
// least one tag, ordered ascending. Used by the report generator.
func (db *DB) ListTaggedMessages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.thread_id, m.role, m.agent, m.kind, m.content, m.has_image,
		        m.image_storage_urls, m.tags, m.plan_version, m.plan_data,
		        m.report_engine, m.report_text_content, m.report_title, m.created_at
		 FROM messages m
		 JOIN threads t ON t.id = m.thread_id
		 WHERE m.thread_id = $1 AND t.user_id = $2 AND cardinality(m.tags) > 0
		 ORDER BY m.created_at ASC, m.id ASC`,
		threadID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tagged messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tagged message: %w", err)
		}
		m.Status = model.StatusSent
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var role, agent, kind string
	if err := row.Scan(&m.ID, &m.ThreadID, &role, &agent, &kind, &m.Content,
		&m.HasImage, &m.ImageStorageURLs, &m.Tags, &m.PlanVersion, &m.PlanData,
		&m.ReportEngine, &m.ReportTextContent, &m.ReportTitle, &m.CreatedAt); err != nil {
		return model.Message{}, err
	}
	m.Role = model.Role(role)
	m.Agent = model.AgentKind(agent)
	m.Kind = model.MessageKind(kind)
	return m, nil
}
