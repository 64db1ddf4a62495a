// Package chat implements the send/receive flow: optimistic message pairs,
// attachment upload, streaming with fallback escalation, durable retry, and
// reconciliation between the local cache and the remote store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lival-edu/tutorhub/internal/animate"
	"github.com/lival-edu/tutorhub/internal/media"
	"github.com/lival-edu/tutorhub/internal/model"
	"github.com/lival-edu/tutorhub/internal/storage"
	"github.com/lival-edu/tutorhub/internal/stream"
	"github.com/lival-edu/tutorhub/internal/telemetry"
)

// FailureText is shown as the assistant's answer when both the streaming
// path and the fallback path fail. The real error goes to the log, never to
// the student.
const FailureText = "Sorry, I couldn't answer that right now. Please try sending your question again."

// Store is the slice of the remote thread store the chat flow uses.
// *storage.DB satisfies it; tests substitute fakes.
type Store interface {
	UpsertThread(ctx context.Context, t model.Thread) (model.Thread, error)
	GetThread(ctx context.Context, userID string, id uuid.UUID) (model.Thread, error)
	ListThreads(ctx context.Context, userID string, limit int) ([]model.Thread, error)
	ArchiveThread(ctx context.Context, userID string, id uuid.UUID) error
	TouchThread(ctx context.Context, userID string, id uuid.UUID, ts time.Time) error
	InsertMessage(ctx context.Context, m model.Message) (bool, error)
	ListMessages(ctx context.Context, userID string, threadID uuid.UUID, limit int) ([]model.Message, error)
	ListRecentMessages(ctx context.Context, userID string, threadID uuid.UUID, n int) ([]model.Message, error)
	UpsertPendingSend(ctx context.Context, p model.PendingSend) error
	GetPendingSend(ctx context.Context, userID string, messageID uuid.UUID) (model.PendingSend, error)
	DeletePendingSend(ctx context.Context, userID string, messageID uuid.UUID) error
	Notify(ctx context.Context, channel, payload string) error
}

// Cache is the local snapshot store consulted when the remote store is
// unreachable and written back after every reconciliation.
type Cache interface {
	LoadThreads(ctx context.Context, userID string) ([]model.Thread, error)
	SaveThreads(ctx context.Context, userID string, threads []model.Thread) error
	LoadMessages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error)
	SaveMessages(ctx context.Context, userID string, threadID uuid.UUID, messages []model.Message) error
	DeleteThread(ctx context.Context, userID string, threadID uuid.UUID) error
}

// Streamer opens a streaming chat request.
type Streamer interface {
	Stream(ctx context.Context, req stream.Request) (<-chan stream.Event, error)
}

// FallbackCompleter is the unary path used after a stream failure.
type FallbackCompleter interface {
	Complete(ctx context.Context, userText string, history []stream.TurnMessage) (string, error)
}

// Uploader stores attachments before a send.
type Uploader interface {
	UploadAll(ctx context.Context, userID string, files []media.File) ([]string, error)
}

// TextRecognizer turns stored images into text for the text-only fallback.
type TextRecognizer interface {
	RecognizeAll(ctx context.Context, imageURLs []string) (string, error)
}

// Service coordinates the full send/receive flow.
type Service struct {
	store    Store
	cache    Cache
	uploads  Uploader
	ocr      TextRecognizer
	streamer Streamer
	fallback FallbackCompleter
	animator *animate.Animator
	logger   *slog.Logger

	contextWindow  int
	threadPageSize int
	msgPageSize    int
	locks          *threadLocks

	sendDuration metric.Float64Histogram
	fallbackUsed metric.Int64Counter
	sendCount    metric.Int64Counter
}

// New creates the chat service. contextWindow is how many prior messages are
// sent as model context; page sizes cap list reads.
func New(store Store, cache Cache, uploads Uploader, ocr TextRecognizer, streamer Streamer, fallback FallbackCompleter, animator *animate.Animator, contextWindow, threadPageSize, msgPageSize int, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tutorhub/chat")
	sendDur, _ := meter.Float64Histogram("tutorhub.chat.send.duration",
		metric.WithDescription("End-to-end send duration including streaming (ms)"),
		metric.WithUnit("ms"),
	)
	fbUsed, _ := meter.Int64Counter("tutorhub.chat.fallback.count",
		metric.WithDescription("Sends escalated to the unary fallback path"),
	)
	sends, _ := meter.Int64Counter("tutorhub.chat.send.count",
		metric.WithDescription("Send attempts by outcome"),
	)
	return &Service{
		store:          store,
		cache:          cache,
		uploads:        uploads,
		ocr:            ocr,
		streamer:       streamer,
		fallback:       fallback,
		animator:       animator,
		logger:         logger,
		contextWindow:  contextWindow,
		threadPageSize: threadPageSize,
		msgPageSize:    msgPageSize,
		locks:          newThreadLocks(),
		sendDuration:   sendDur,
		fallbackUsed:   fbUsed,
		sendCount:      sends,
	}
}

// SendInput carries everything needed to process one send. MessageID is
// client-generated and doubles as the idempotency key: retrying a send that
// already committed is a no-op at the store.
type SendInput struct {
	UserID      string
	IDToken     string
	ThreadID    uuid.UUID
	MessageID   uuid.UUID
	Agent       model.AgentKind
	Text        string
	Files       []media.File
	StorageURLs []string
	Tags        []string
	QualityTier string
}

// Progress is one step of an in-flight send, forwarded to the waiting
// client. Stage is "meta", "content" or "done"; Text carries the fragment
// for content stages and the full answer for done.
type Progress struct {
	Stage string
	Text  string
}

// SendResult is the reconciled outcome of a send.
type SendResult struct {
	UserMessage      model.Message
	AssistantMessage model.Message
	Streamed         bool
}

func (in *SendInput) normalize() error {
	if in.MessageID == uuid.Nil {
		return fmt.Errorf("chat: message id is required")
	}
	if in.ThreadID == uuid.Nil {
		return fmt.Errorf("chat: thread id is required")
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Files) == 0 && len(in.StorageURLs) == 0 {
		return fmt.Errorf("chat: empty send")
	}
	if len(in.Text) > model.MaxMessageContentLen {
		return fmt.Errorf("chat: message exceeds maximum length")
	}
	if len(in.Tags) > model.MaxMessageTags {
		return fmt.Errorf("chat: too many tags (max %d)", model.MaxMessageTags)
	}
	if in.QualityTier == "" {
		in.QualityTier = model.TierStandard
	}
	if !model.ValidQualityTier(in.QualityTier) {
		return fmt.Errorf("chat: unknown quality tier %q", in.QualityTier)
	}
	if in.Agent == "" {
		in.Agent = model.AgentTutor
	}
	if !model.ValidAgentKind(in.Agent) {
		return fmt.Errorf("chat: unknown agent kind %q", in.Agent)
	}
	return nil
}

// Send runs the full flow for one user message. onProgress receives frames
// as they arrive (or as the animator replays them on the cache-hit path) so
// the HTTP layer can relay them live; it may be nil.
//
// Sends into the same thread are serialized. The retry record is written
// before any network work, so a crash mid-send leaves a durable payload the
// user can retry from.
func (s *Service) Send(ctx context.Context, in SendInput, onProgress func(Progress)) (SendResult, error) {
	if err := in.normalize(); err != nil {
		return SendResult{}, err
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	unlock := s.locks.lock(in.ThreadID)
	defer unlock()

	start := time.Now()

	thread, err := s.ensureThread(ctx, in)
	if err != nil {
		return SendResult{}, err
	}

	pending := model.PendingSend{
		MessageID:      in.MessageID,
		ThreadID:       in.ThreadID,
		UserID:         in.UserID,
		Text:           in.Text,
		AttachmentURLs: in.StorageURLs,
		QualityTier:    in.QualityTier,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.UpsertPendingSend(ctx, pending); err != nil {
		return SendResult{}, err
	}

	urls := in.StorageURLs
	if len(in.Files) > 0 {
		if s.uploads == nil {
			return SendResult{}, fmt.Errorf("chat: attachment uploads are not configured")
		}
		uploaded, err := s.uploads.UploadAll(ctx, in.UserID, in.Files)
		if err != nil {
			return SendResult{}, err
		}
		urls = append(urls, uploaded...)
		// Re-record with the stored URLs so a retry never re-uploads.
		pending.AttachmentURLs = urls
		if err := s.store.UpsertPendingSend(ctx, pending); err != nil {
			return SendResult{}, err
		}
	}

	userMsg := model.Message{
		ID:               in.MessageID,
		ThreadID:         in.ThreadID,
		Role:             model.RoleUser,
		Agent:            thread.Agent,
		Kind:             model.KindAsk,
		Content:          in.Text,
		Status:           model.StatusSending,
		HasImage:         len(urls) > 0,
		ImageStorageURLs: urls,
		Tags:             in.Tags,
		CreatedAt:        time.Now().UTC(),
	}

	history, err := s.store.ListRecentMessages(ctx, in.UserID, in.ThreadID, s.contextWindow)
	if err != nil {
		s.logger.Warn("context window unavailable, sending without history",
			"thread_id", in.ThreadID, "error", err)
		history = nil
	}
	turns := toTurns(history)

	onProgress(Progress{Stage: "meta"})

	answer, streamed, err := s.streamAnswer(ctx, in, turns, urls, onProgress)
	if err != nil {
		s.logger.Warn("streaming failed, escalating to fallback",
			"thread_id", in.ThreadID, "message_id", in.MessageID, "error", err)
		s.fallbackUsed.Add(ctx, 1)
		answer, err = s.escalate(ctx, in, turns, urls)
		streamed = false
	}
	if err != nil {
		s.sendCount.Add(ctx, 1, metric.WithAttributes(outcomeAttr("error")))
		return s.failSend(ctx, in, userMsg, thread, err)
	}

	if !streamed {
		s.replayTyping(ctx, answer, onProgress)
	}

	assistantMsg := model.Message{
		ID:        uuid.New(),
		ThreadID:  in.ThreadID,
		Role:      model.RoleAssistant,
		Agent:     thread.Agent,
		Kind:      model.KindAsk,
		Content:   answer,
		Status:    model.StatusSending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.persistPair(ctx, in, &userMsg, &assistantMsg); err != nil {
		s.sendCount.Add(ctx, 1, metric.WithAttributes(outcomeAttr("error")))
		return s.failSend(ctx, in, userMsg, thread, err)
	}

	onProgress(Progress{Stage: "done", Text: answer})

	s.sendDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.sendCount.Add(ctx, 1, metric.WithAttributes(outcomeAttr("ok")))
	s.logger.Info("send completed",
		"thread_id", in.ThreadID, "message_id", in.MessageID,
		"streamed", streamed, "duration_ms", time.Since(start).Milliseconds())

	return SendResult{UserMessage: userMsg, AssistantMessage: assistantMsg, Streamed: streamed}, nil
}

// Retry re-submits a failed send from its durable retry record. The original
// payload (text, stored attachment URLs, tier) is replayed unchanged through
// the same path; the preserved message id makes the eventual persist
// idempotent even if the first attempt half-committed.
func (s *Service) Retry(ctx context.Context, userID, idToken string, messageID uuid.UUID, onProgress func(Progress)) (SendResult, error) {
	p, err := s.store.GetPendingSend(ctx, userID, messageID)
	if err != nil {
		return SendResult{}, err
	}
	thread, err := s.store.GetThread(ctx, userID, p.ThreadID)
	if err != nil {
		return SendResult{}, err
	}
	return s.Send(ctx, SendInput{
		UserID:      userID,
		IDToken:     idToken,
		ThreadID:    p.ThreadID,
		MessageID:   p.MessageID,
		Agent:       thread.Agent,
		Text:        p.Text,
		StorageURLs: p.AttachmentURLs,
		QualityTier: p.QualityTier,
	}, onProgress)
}

// ensureThread creates the thread on first send and derives its title from
// the first message. An existing custom title is never overwritten.
func (s *Service) ensureThread(ctx context.Context, in SendInput) (model.Thread, error) {
	thread, err := s.store.GetThread(ctx, in.UserID, in.ThreadID)
	switch {
	case err == nil:
		if thread.Title != "" {
			return thread, nil
		}
	case errors.Is(err, storage.ErrNotFound):
		thread = model.Thread{}
	default:
		return model.Thread{}, err
	}
	return s.store.UpsertThread(ctx, model.Thread{
		ID:        in.ThreadID,
		UserID:    in.UserID,
		Title:     model.DeriveThreadTitle(in.Text),
		Agent:     in.Agent,
		UpdatedAt: time.Now().UTC(),
	})
}

// streamAnswer drives the streaming client and relays content fragments.
func (s *Service) streamAnswer(ctx context.Context, in SendInput, turns []stream.TurnMessage, urls []string, onProgress func(Progress)) (string, bool, error) {
	req := stream.Request{
		ThreadID:    in.ThreadID,
		Messages:    append(turns, stream.TurnMessage{Role: string(model.RoleUser), Content: in.Text}),
		StorageURLs: urls,
		QualityTier: in.QualityTier,
		IDToken:     in.IDToken,
	}
	events, err := s.streamer.Stream(ctx, req)
	if err != nil {
		return "", false, err
	}
	for ev := range events {
		switch {
		case ev.Err != nil:
			return "", false, ev.Err
		case ev.Done:
			return ev.FullText, ev.Streamed, nil
		case ev.Content != "":
			onProgress(Progress{Stage: "content", Text: ev.Content})
		}
	}
	return "", false, fmt.Errorf("chat: stream closed without result")
}

// escalate runs the single fallback attempt. Images become OCR text because
// the fallback model is text-only.
func (s *Service) escalate(ctx context.Context, in SendInput, turns []stream.TurnMessage, urls []string) (string, error) {
	userText := in.Text
	if len(urls) > 0 && s.ocr != nil {
		ocrText, err := s.ocr.RecognizeAll(ctx, urls)
		if err != nil {
			s.logger.Warn("ocr failed, escalating with text only",
				"message_id", in.MessageID, "error", err)
		} else if ocrText != "" {
			userText = strings.TrimSpace(userText + "\n\n" + ocrText)
		}
	}
	if s.fallback == nil {
		return "", fmt.Errorf("chat: no fallback endpoint configured")
	}
	return s.fallback.Complete(ctx, userText, turns)
}

// replayTyping paces out an instant answer so cache hits read like streamed
// ones. Fragments are deltas between successive prefixes.
func (s *Service) replayTyping(ctx context.Context, answer string, onProgress func(Progress)) {
	prev := 0
	_ = s.animator.Animate(ctx, answer, func(f animate.Frame) {
		if len(f.Text) > prev {
			onProgress(Progress{Stage: "content", Text: f.Text[prev:]})
			prev = len(f.Text)
		}
	})
}

// persistPair commits both messages exactly once, bumps the thread clock,
// clears the retry record, refreshes the cache and notifies subscribers.
func (s *Service) persistPair(ctx context.Context, in SendInput, userMsg, assistantMsg *model.Message) error {
	inserted, err := s.store.InsertMessage(ctx, *userMsg)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("user message already persisted", "message_id", userMsg.ID)
	}
	if _, err := s.store.InsertMessage(ctx, *assistantMsg); err != nil {
		return err
	}
	userMsg.Status = model.StatusSent
	assistantMsg.Status = model.StatusSent

	now := time.Now().UTC()
	if err := s.store.TouchThread(ctx, in.UserID, in.ThreadID, now); err != nil {
		s.logger.Warn("thread clock bump failed", "thread_id", in.ThreadID, "error", err)
	}
	if err := s.store.DeletePendingSend(ctx, in.UserID, in.MessageID); err != nil {
		s.logger.Warn("pending send cleanup failed", "message_id", in.MessageID, "error", err)
	}

	s.refreshMessageCache(ctx, in.UserID, in.ThreadID)
	s.notifyThread(ctx, in.UserID, in.ThreadID)
	return nil
}

// failSend records the failure state: the user message stays retriable, the
// assistant message carries a generic failure text, and only the cache is
// written — the remote store holds durable messages only.
func (s *Service) failSend(ctx context.Context, in SendInput, userMsg model.Message, thread model.Thread, cause error) (SendResult, error) {
	userMsg.Status = model.StatusError
	assistantMsg := model.Message{
		ID:        failureBubbleID(in.MessageID),
		ThreadID:  in.ThreadID,
		Role:      model.RoleAssistant,
		Agent:     thread.Agent,
		Kind:      model.KindAsk,
		Content:   FailureText,
		Status:    model.StatusError,
		CreatedAt: time.Now().UTC(),
	}

	cached, err := s.cache.LoadMessages(ctx, in.UserID, in.ThreadID)
	if err != nil {
		cached = nil
	}
	// Merge keyed by id: a retry of an already-cached failure replaces the
	// earlier pair instead of appending a duplicate question.
	cached = model.MergeMessages(cached, []model.Message{userMsg, assistantMsg})
	if err := s.cache.SaveMessages(ctx, in.UserID, in.ThreadID, cached); err != nil {
		s.logger.Warn("failure state not cached", "thread_id", in.ThreadID, "error", err)
	}

	return SendResult{UserMessage: userMsg, AssistantMessage: assistantMsg},
		fmt.Errorf("chat: send failed: %w", cause)
}

func (s *Service) refreshMessageCache(ctx context.Context, userID string, threadID uuid.UUID) {
	msgs, err := s.store.ListMessages(ctx, userID, threadID, s.msgPageSize)
	if err != nil {
		s.logger.Warn("cache refresh read failed", "thread_id", threadID, "error", err)
		return
	}
	cached, cacheErr := s.cache.LoadMessages(ctx, userID, threadID)
	if cacheErr != nil {
		cached = nil
	}
	if err := s.cache.SaveMessages(ctx, userID, threadID, mergeWithRemote(cached, msgs)); err != nil {
		s.logger.Warn("cache refresh write failed", "thread_id", threadID, "error", err)
	}
}

// failureBubbleID derives the id of the cache-only assistant failure bubble
// from the user message it answers. The derivation is deterministic so a
// retried failure overwrites the previous bubble instead of stacking a new
// one per attempt, and so the bubble can be pruned once its question is
// durably persisted.
func failureBubbleID(userMessageID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(userMessageID, []byte("assistant-failure"))
}

// mergeWithRemote folds the cached snapshot under the remote truth: rows the
// remote store knows win on their ids, local-only error messages (failed
// sends whose retry records still exist) survive, and failure bubbles whose
// question has since been persisted are pruned so a successful retry does
// not leave a ghost error next to the real answer.
func mergeWithRemote(cached, remote []model.Message) []model.Message {
	resolved := make(map[uuid.UUID]bool, len(remote))
	for _, m := range remote {
		resolved[failureBubbleID(m.ID)] = true
	}
	kept := make([]model.Message, 0, len(cached))
	for _, m := range cached {
		if resolved[m.ID] {
			continue
		}
		kept = append(kept, m)
	}
	return model.MergeMessages(kept, remote)
}

func (s *Service) notifyThread(ctx context.Context, userID string, threadID uuid.UUID) {
	payload, err := json.Marshal(map[string]string{
		"thread_id": threadID.String(),
		"user_id":   userID,
	})
	if err != nil {
		return
	}
	if err := s.store.Notify(ctx, storage.ChannelThreads, string(payload)); err != nil {
		s.logger.Warn("thread notify failed", "thread_id", threadID, "error", err)
	}
}

func toTurns(msgs []model.Message) []stream.TurnMessage {
	turns := make([]stream.TurnMessage, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, stream.TurnMessage{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}
