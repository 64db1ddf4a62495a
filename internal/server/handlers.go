package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lival-edu/tutorhub/internal/auth"
	"github.com/lival-edu/tutorhub/internal/chat"
	"github.com/lival-edu/tutorhub/internal/media"
	"github.com/lival-edu/tutorhub/internal/model"
	"github.com/lival-edu/tutorhub/internal/report"
	"github.com/lival-edu/tutorhub/internal/storage"
)

// ChatService is the slice of *chat.Service the handlers need. Kept as an
// interface so handler tests can run against a fake without Postgres.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput, onProgress func(chat.Progress)) (chat.SendResult, error)
	Retry(ctx context.Context, userID, idToken string, messageID uuid.UUID, onProgress func(chat.Progress)) (chat.SendResult, error)
	Threads(ctx context.Context, userID string) ([]model.Thread, error)
	CreateThread(ctx context.Context, t model.Thread) (model.Thread, error)
	Archive(ctx context.Context, userID string, threadID uuid.UUID) error
	Messages(ctx context.Context, userID string, threadID uuid.UUID) ([]model.Message, error)
}

// ReportService is the slice of *report.Generator the handlers need.
type ReportService interface {
	Generate(ctx context.Context, userID string, threadID uuid.UUID, engineName, focus string) (model.Message, error)
}

// Pinger reports remote store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Pinger
	jwtMgr              *auth.JWTManager
	chatSvc             ChatService
	reportSvc           ReportService
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, ReportSvc.
type HandlersDeps struct {
	DB                  Pinger
	JWTMgr              *auth.JWTManager
	ChatSvc             ChatService
	ReportSvc           ReportService
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		chatSvc:             d.ChatSvc,
		reportSvc:           d.ReportSvc,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token. Development token issuance: the
// deployed app fronts this service with a hosted identity provider, so here
// the JWT manager both issues and verifies.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleListThreads handles GET /v1/threads.
func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	threads, err := h.chatSvc.Threads(r.Context(), sess.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list threads", err)
		return
	}
	writeJSON(w, r, http.StatusOK, threads)
}

// HandleCreateThread handles POST /v1/threads. The thread id is client
// generated so the browser can render the thread before the write returns.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	thread, err := h.chatSvc.CreateThread(r.Context(), model.Thread{
		ID:     req.ID,
		UserID: sess.UserID,
		Title:  req.Title,
		Agent:  req.Agent,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, thread)
}

// HandleArchiveThread handles POST /v1/threads/{thread_id}/archive.
func (h *Handlers) HandleArchiveThread(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.chatSvc.Archive(r.Context(), sess.UserID, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.writeInternalError(w, r, "failed to archive thread", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"archived": true, "thread_id": threadID})
}

// HandleListMessages handles GET /v1/threads/{thread_id}/messages.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	msgs, err := h.chatSvc.Messages(r.Context(), sess.UserID, threadID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list messages", err)
		return
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

// sendCompletion is the data payload of the SSE "done" frame.
type sendCompletion struct {
	UserMessage      model.Message `json:"user_message"`
	AssistantMessage model.Message `json:"assistant_message"`
	Streamed         bool          `json:"streamed"`
}

// HandleSendMessage handles POST /v1/threads/{thread_id}/messages. The
// response is an SSE stream relaying the same frame vocabulary the upstream
// model emits: meta, content fragments, then a single done (or error) frame.
// Accepts JSON, or multipart/form-data when the send carries image files.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	in, err := h.parseSendRequest(r, sess.UserID, threadID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	h.relaySend(w, r, func(onProgress func(chat.Progress)) (chat.SendResult, error) {
		return h.chatSvc.Send(r.Context(), in, onProgress)
	})
}

// HandleRetryMessage handles POST /v1/threads/{thread_id}/messages/{message_id}/retry.
// Replays a failed send from its durable pending record, responding with the
// same SSE stream as a fresh send.
func (h *Handlers) HandleRetryMessage(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if _, err := parseThreadID(r); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	messageID, err := uuid.Parse(r.PathValue("message_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid message_id")
		return
	}

	token := TokenFromContext(r.Context())
	h.relaySend(w, r, func(onProgress func(chat.Progress)) (chat.SendResult, error) {
		return h.chatSvc.Retry(r.Context(), sess.UserID, token, messageID, onProgress)
	})
}

// relaySend runs a send under an SSE response, forwarding progress frames as
// they arrive and closing with a done or error frame. Write deadline is
// cleared because a slow model answer can outlive the server WriteTimeout.
func (h *Handlers) relaySend(w http.ResponseWriter, r *http.Request, run func(func(chat.Progress)) (chat.SendResult, error)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	result, err := run(func(p chat.Progress) {
		switch p.Stage {
		case "meta":
			writeSSE(w, rc, "meta", map[string]string{"status": "started"})
		case "content":
			writeSSE(w, rc, "content", map[string]string{"text": p.Text})
		}
		// The done stage is written below from the reconciled result, which
		// carries the persisted messages rather than just the answer text.
	})
	if err != nil {
		code := model.ErrCodeInternalError
		if errors.Is(err, storage.ErrNotFound) {
			code = model.ErrCodeNotFound
		}
		// The failed pair (error statuses, generic failure text) still comes
		// back so the client can render retryable bubbles without refetching.
		writeSSE(w, rc, "error", map[string]any{
			"code":              code,
			"message":           "send failed",
			"user_message":      result.UserMessage,
			"assistant_message": result.AssistantMessage,
		})
		return
	}

	writeSSE(w, rc, "done", sendCompletion{
		UserMessage:      result.UserMessage,
		AssistantMessage: result.AssistantMessage,
		Streamed:         result.Streamed,
	})
}

// HandleReport handles POST /v1/threads/{thread_id}/report.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	if h.reportSvc == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "report generation not configured")
		return
	}

	sess := SessionFromContext(r.Context())
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !report.ValidEngine(req.Engine) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown engine %q", req.Engine))
		return
	}

	msg, err := h.reportSvc.Generate(r.Context(), sess.UserID, threadID, req.Engine, req.Focus)
	if err != nil {
		switch {
		case errors.Is(err, report.ErrNoTaggedMessages):
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeNoTagged,
				"no tagged messages in this thread")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		default:
			h.writeInternalError(w, r, "failed to generate report", err)
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, msg)
}

// HandleSubscribe handles GET /v1/subscribe (SSE). Streams thread-update
// events for the authenticated user until the client disconnects.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	sess := SessionFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	ch := h.broker.Subscribe(sess.UserID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db == nil {
		pgStatus = "not configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseThreadID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("thread_id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("thread_id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid thread_id: %s", idStr)
	}
	return id, nil
}

// parseSendRequest builds a chat.SendInput from either a JSON body or a
// multipart form carrying image files alongside the text fields.
func (h *Handlers) parseSendRequest(r *http.Request, userID string, threadID uuid.UUID) (chat.SendInput, error) {
	in := chat.SendInput{
		UserID:   userID,
		IDToken:  TokenFromContext(r.Context()),
		ThreadID: threadID,
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return in, fmt.Errorf("invalid content type")
	}

	if mediaType != "multipart/form-data" {
		var req model.SendMessageRequest
		if err := decodeJSON(nil, r, &req, h.maxRequestBodyBytes); err != nil {
			return in, fmt.Errorf("invalid request body: %w", err)
		}
		in.MessageID = req.MessageID
		in.Text = req.Text
		in.StorageURLs = req.Attachments
		in.Tags = req.Tags
		in.QualityTier = req.QualityTier
		return in, h.validateSend(in)
	}

	// Multipart: text fields plus zero or more file parts named "files".
	maxMem := h.maxRequestBodyBytes
	if maxMem <= 0 {
		maxMem = 32 << 20
	}
	if err := r.ParseMultipartForm(maxMem); err != nil {
		return in, fmt.Errorf("invalid multipart form: %w", err)
	}

	messageID, err := uuid.Parse(r.FormValue("message_id"))
	if err != nil {
		return in, fmt.Errorf("invalid message_id")
	}
	in.MessageID = messageID
	in.Text = r.FormValue("text")
	in.QualityTier = r.FormValue("quality_tier")
	if tags := r.FormValue("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				in.Tags = append(in.Tags, t)
			}
		}
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				return in, fmt.Errorf("read upload %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(io.LimitReader(f, media.MaxFileBytes+1))
			f.Close()
			if err != nil {
				return in, fmt.Errorf("read upload %s: %w", fh.Filename, err)
			}
			in.Files = append(in.Files, media.File{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	return in, h.validateSend(in)
}

// validateSend checks the fields the handler can reject with a 400 before
// the SSE response starts; the chat service revalidates the rest.
func (h *Handlers) validateSend(in chat.SendInput) error {
	if in.MessageID == uuid.Nil {
		return fmt.Errorf("message_id is required")
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Files) == 0 && len(in.StorageURLs) == 0 {
		return fmt.Errorf("empty send")
	}
	if len(in.Text) > model.MaxMessageContentLen {
		return fmt.Errorf("text exceeds maximum length")
	}
	if in.QualityTier != "" && !model.ValidQualityTier(in.QualityTier) {
		return fmt.Errorf("unknown quality tier %q", in.QualityTier)
	}
	return nil
}
