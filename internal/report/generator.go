package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/lival-edu/tutorhub/internal/model"
	"github.com/lival-edu/tutorhub/internal/storage"
	"github.com/lival-edu/tutorhub/internal/telemetry"
)

// ErrNoTaggedMessages means the thread has nothing marked for a report. The
// check runs before any engine call, so an untagged thread costs no network
// traffic.
var ErrNoTaggedMessages = errors.New("report: thread has no tagged messages")

// Store is the storage slice the generator needs.
type Store interface {
	GetThread(ctx context.Context, userID string, id uuid.UUID) (model.Thread, error)
	ListTaggedMessages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error)
	ListMessages(ctx context.Context, userID string, threadID uuid.UUID, limit int) ([]model.Message, error)
	InsertMessage(ctx context.Context, m model.Message) (bool, error)
	TouchThread(ctx context.Context, userID string, id uuid.UUID, ts time.Time) error
	Notify(ctx context.Context, channel, payload string) error
}

// Cache receives the refreshed message list after a report is persisted.
type Cache interface {
	SaveMessages(ctx context.Context, userID string, threadID uuid.UUID, messages []model.Message) error
}

// Generator batches a thread's tagged messages and runs the selected engine.
type Generator struct {
	store       Store
	cache       Cache
	engines     map[string]Engine
	msgPageSize int
	logger      *slog.Logger

	reportDuration metric.Float64Histogram
}

// NewGenerator wires the available engines. A nil engine is allowed (e.g. no
// OpenAI key configured) and reported as unknown at request time.
func NewGenerator(store Store, cache Cache, openai, ollama Engine, msgPageSize int, logger *slog.Logger) *Generator {
	engines := make(map[string]Engine)
	if openai != nil {
		engines[EngineOpenAI] = openai
	}
	if ollama != nil {
		engines[EngineOllama] = ollama
	}
	meter := telemetry.Meter("tutorhub/report")
	dur, _ := meter.Float64Histogram("tutorhub.report.duration",
		metric.WithDescription("Report synthesis duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Generator{
		store:          store,
		cache:          cache,
		engines:        engines,
		msgPageSize:    msgPageSize,
		logger:         logger,
		reportDuration: dur,
	}
}

// Generate synthesizes a report for one thread and persists it as a
// report-kind message through the same idempotent path as chat messages.
// Engine choice is taken as given: a failed engine is an error, never a
// silent switch to the other one.
func (g *Generator) Generate(ctx context.Context, userID string, threadID uuid.UUID, engineName, focus string) (model.Message, error) {
	engine, ok := g.engines[engineName]
	if !ok {
		return model.Message{}, fmt.Errorf("report: unknown engine %q", engineName)
	}

	thread, err := g.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return model.Message{}, err
	}

	msgs, err := g.store.ListTaggedMessages(ctx, userID, threadID)
	if err != nil {
		return model.Message{}, err
	}
	if len(msgs) == 0 {
		return model.Message{}, ErrNoTaggedMessages
	}

	tagged := make([]model.TaggedMessage, len(msgs))
	for i, m := range msgs {
		tagged[i] = model.TaggedMessage{Role: m.Role, Content: m.Content, Tags: m.Tags, At: m.CreatedAt}
	}

	start := time.Now()
	text, err := engine.Synthesize(ctx, tagged, focus)
	if err != nil {
		return model.Message{}, fmt.Errorf("report: synthesize: %w", err)
	}
	g.reportDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	title := reportTitle(thread)
	msg := model.Message{
		ID:                uuid.New(),
		ThreadID:          threadID,
		Role:              model.RoleAssistant,
		Agent:             thread.Agent,
		Kind:              model.KindReportLog,
		Content:           text,
		Status:            model.StatusSending,
		CreatedAt:         time.Now().UTC(),
		ReportEngine:      &engineName,
		ReportTextContent: &text,
		ReportTitle:       &title,
	}

	if _, err := g.store.InsertMessage(ctx, msg); err != nil {
		return model.Message{}, err
	}
	msg.Status = model.StatusSent

	if err := g.store.TouchThread(ctx, userID, threadID, time.Now().UTC()); err != nil {
		g.logger.Warn("thread clock bump failed after report", "thread_id", threadID, "error", err)
	}
	g.refreshCache(ctx, userID, threadID)
	g.notify(ctx, userID, threadID)

	g.logger.Info("report generated",
		"thread_id", threadID, "engine", engineName,
		"tagged_messages", len(tagged), "duration_ms", time.Since(start).Milliseconds())
	return msg, nil
}

func reportTitle(thread model.Thread) string {
	base := thread.Title
	if base == "" {
		base = string(thread.Agent)
	}
	return fmt.Sprintf("Study report: %s (%s)", base, time.Now().Format("2006-01-02"))
}

func (g *Generator) refreshCache(ctx context.Context, userID string, threadID uuid.UUID) {
	msgs, err := g.store.ListMessages(ctx, userID, threadID, g.msgPageSize)
	if err != nil {
		g.logger.Warn("cache refresh read failed after report", "thread_id", threadID, "error", err)
		return
	}
	if err := g.cache.SaveMessages(ctx, userID, threadID, msgs); err != nil {
		g.logger.Warn("cache refresh write failed after report", "thread_id", threadID, "error", err)
	}
}

func (g *Generator) notify(ctx context.Context, userID string, threadID uuid.UUID) {
	payload, err := json.Marshal(map[string]string{
		"thread_id": threadID.String(),
		"user_id":   userID,
	})
	if err != nil {
		return
	}
	if err := g.store.Notify(ctx, storage.ChannelThreads, string(payload)); err != nil {
		g.logger.Warn("thread notify failed after report", "thread_id", threadID, "error", err)
	}
}
