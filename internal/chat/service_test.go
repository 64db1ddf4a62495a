package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lival-edu/tutorhub/internal/animate"
	"github.com/lival-edu/tutorhub/internal/media"
	"github.com/lival-edu/tutorhub/internal/model"
	"github.com/lival-edu/tutorhub/internal/storage"
	"github.com/lival-edu/tutorhub/internal/stream"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]model.Thread
	messages map[uuid.UUID][]model.Message
	pending  map[uuid.UUID]model.PendingSend
	inserts  int
	notifies []string

	failListThreads  bool
	failListMessages bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  make(map[uuid.UUID]model.Thread),
		messages: make(map[uuid.UUID][]model.Message),
		pending:  make(map[uuid.UUID]model.PendingSend),
	}
}

func (f *fakeStore) UpsertThread(_ context.Context, t model.Thread) (model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.threads[t.ID]
	if ok {
		if existing.UserID != t.UserID {
			return model.Thread{}, storage.ErrNotFound
		}
		if t.Title != "" {
			existing.Title = t.Title
		}
		if t.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = t.UpdatedAt
		}
		f.threads[t.ID] = existing
		return existing, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	f.threads[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetThread(_ context.Context, userID string, id uuid.UUID) (model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok || t.UserID != userID {
		return model.Thread{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListThreads(_ context.Context, userID string, limit int) ([]model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListThreads {
		return nil, fmt.Errorf("remote unavailable")
	}
	var out []model.Thread
	for _, t := range f.threads {
		if t.UserID == userID && !t.Archived {
			out = append(out, t)
		}
	}
	return model.MergeThreads(out, nil), nil
}

func (f *fakeStore) ArchiveThread(_ context.Context, userID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok || t.UserID != userID || t.Archived {
		return storage.ErrNotFound
	}
	t.Archived = true
	f.threads[id] = t
	return nil
}

func (f *fakeStore) TouchThread(_ context.Context, userID string, id uuid.UUID, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok || t.UserID != userID {
		return storage.ErrNotFound
	}
	if ts.After(t.UpdatedAt) {
		t.UpdatedAt = ts
		f.threads[id] = t
	}
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m model.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.messages[m.ThreadID] {
		if existing.ID == m.ID {
			return false, nil
		}
	}
	m = m.StripTransient()
	m.Status = model.StatusSent
	f.messages[m.ThreadID] = append(f.messages[m.ThreadID], m)
	f.inserts++
	return true, nil
}

func (f *fakeStore) ListMessages(_ context.Context, userID string, threadID uuid.UUID, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListMessages {
		return nil, fmt.Errorf("remote unavailable")
	}
	t, ok := f.threads[threadID]
	if !ok || t.UserID != userID {
		return nil, nil
	}
	out := make([]model.Message, len(f.messages[threadID]))
	copy(out, f.messages[threadID])
	return out, nil
}

func (f *fakeStore) ListRecentMessages(ctx context.Context, userID string, threadID uuid.UUID, n int) ([]model.Message, error) {
	all, err := f.ListMessages(ctx, userID, threadID, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (f *fakeStore) UpsertPendingSend(_ context.Context, p model.PendingSend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[p.MessageID] = p
	return nil
}

func (f *fakeStore) GetPendingSend(_ context.Context, userID string, messageID uuid.UUID) (model.PendingSend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[messageID]
	if !ok || p.UserID != userID {
		return model.PendingSend{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) DeletePendingSend(_ context.Context, userID string, messageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, messageID)
	return nil
}

func (f *fakeStore) Notify(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, payload)
	return nil
}

// fakeCache is an in-memory Cache.
type fakeCache struct {
	mu       sync.Mutex
	threads  map[string][]model.Thread
	messages map[string][]model.Message
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		threads:  make(map[string][]model.Thread),
		messages: make(map[string][]model.Message),
	}
}

func msgKey(userID string, threadID uuid.UUID) string {
	return userID + "/" + threadID.String()
}

func (f *fakeCache) LoadThreads(_ context.Context, userID string) ([]model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Thread(nil), f.threads[userID]...), nil
}

func (f *fakeCache) SaveThreads(_ context.Context, userID string, threads []model.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[userID] = append([]model.Thread(nil), threads...)
	return nil
}

func (f *fakeCache) LoadMessages(_ context.Context, userID string, threadID uuid.UUID) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[msgKey(userID, threadID)]...), nil
}

func (f *fakeCache) SaveMessages(_ context.Context, userID string, threadID uuid.UUID, messages []model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msgKey(userID, threadID)] = append([]model.Message(nil), messages...)
	return nil
}

func (f *fakeCache) DeleteThread(_ context.Context, userID string, threadID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, msgKey(userID, threadID))
	return nil
}

// fakeStreamer replays a scripted event sequence per call.
type fakeStreamer struct {
	mu      sync.Mutex
	scripts [][]stream.Event
	calls   int
	failAll bool
	gotReqs []stream.Request
	block   chan struct{} // when set, the stream waits before finishing
}

func (f *fakeStreamer) Stream(ctx context.Context, req stream.Request) (<-chan stream.Event, error) {
	f.mu.Lock()
	f.gotReqs = append(f.gotReqs, req)
	call := f.calls
	f.calls++
	failAll, block := f.failAll, f.block
	var script []stream.Event
	if !failAll {
		script = f.scripts[call%len(f.scripts)]
	}
	f.mu.Unlock()

	if failAll {
		return nil, fmt.Errorf("stream endpoint down")
	}
	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		if block != nil {
			<-block
		}
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type fakeFallback struct {
	mu       sync.Mutex
	calls    int
	gotTexts []string
	answer   string
	fail     bool
}

func (f *fakeFallback) Complete(_ context.Context, userText string, _ []stream.TurnMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotTexts = append(f.gotTexts, userText)
	if f.fail {
		return "", fmt.Errorf("fallback down")
	}
	return f.answer, nil
}

type fakeUploader struct {
	urls []string
	fail bool
}

func (f *fakeUploader) UploadAll(_ context.Context, _ string, files []media.File) ([]string, error) {
	if f.fail {
		return nil, fmt.Errorf("upload failed")
	}
	return f.urls[:len(files)], nil
}

type fakeOCR struct {
	text  string
	calls int
}

func (f *fakeOCR) RecognizeAll(_ context.Context, _ []string) (string, error) {
	f.calls++
	return f.text, nil
}

type fixture struct {
	store    *fakeStore
	cache    *fakeCache
	streamer *fakeStreamer
	fallback *fakeFallback
	uploader *fakeUploader
	ocr      *fakeOCR
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		cache: newFakeCache(),
		streamer: &fakeStreamer{scripts: [][]stream.Event{{
			{Content: "Hel"},
			{Content: "lo!"},
			{Done: true, FullText: "Hello!", Streamed: true},
		}}},
		fallback: &fakeFallback{answer: "fallback answer"},
		uploader: &fakeUploader{},
		ocr:      &fakeOCR{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(f.store, f.cache, f.uploader, f.ocr, f.streamer, f.fallback,
		animate.New(5, time.Millisecond), 8, 50, 50, logger)
	return f
}

func basicInput(userID string) SendInput {
	return SendInput{
		UserID:      userID,
		IDToken:     "tok",
		ThreadID:    uuid.New(),
		MessageID:   uuid.New(),
		Agent:       model.AgentTutor,
		Text:        "explain gravity",
		QualityTier: model.TierStandard,
	}
}

func TestSendPersistsPairExactlyOnce(t *testing.T) {
	f := newFixture(t)
	in := basicInput("u1")

	res, err := f.svc.Send(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, res.UserMessage.Status)
	assert.Equal(t, model.StatusSent, res.AssistantMessage.Status)
	assert.Equal(t, "Hello!", res.AssistantMessage.Content)
	assert.True(t, res.Streamed)

	stored := f.store.messages[in.ThreadID]
	require.Len(t, stored, 2)
	assert.Equal(t, in.MessageID, stored[0].ID, "user message keyed by client id")

	// Retry record cleared, thread notified, cache refreshed.
	_, err = f.store.GetPendingSend(context.Background(), "u1", in.MessageID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NotEmpty(t, f.store.notifies)
	cached, _ := f.cache.LoadMessages(context.Background(), "u1", in.ThreadID)
	assert.Len(t, cached, 2)
}

func TestSendDerivesThreadTitleOnFirstSend(t *testing.T) {
	f := newFixture(t)
	in := basicInput("u1")
	in.Text = "What is the Pythagorean theorem?\nAnd why does it work?"

	_, err := f.svc.Send(context.Background(), in, nil)
	require.NoError(t, err)

	thread, err := f.store.GetThread(context.Background(), "u1", in.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "What is the Pythagorean theorem?", thread.Title)

	// A second send must not rewrite the established title.
	in2 := in
	in2.MessageID = uuid.New()
	in2.Text = "another question entirely"
	_, err = f.svc.Send(context.Background(), in2, nil)
	require.NoError(t, err)
	thread, _ = f.store.GetThread(context.Background(), "u1", in.ThreadID)
	assert.Equal(t, "What is the Pythagorean theorem?", thread.Title)
}

func TestSendForwardsStreamFragments(t *testing.T) {
	f := newFixture(t)
	var frames []Progress
	_, err := f.svc.Send(context.Background(), basicInput("u1"), func(p Progress) {
		frames = append(frames, p)
	})
	require.NoError(t, err)

	var fragments []string
	for _, fr := range frames {
		if fr.Stage == "content" {
			fragments = append(fragments, fr.Text)
		}
	}
	assert.Equal(t, []string{"Hel", "lo!"}, fragments)
	last := frames[len(frames)-1]
	assert.Equal(t, "done", last.Stage)
	assert.Equal(t, "Hello!", last.Text)
}

func TestSendCacheHitReplaysTypingAnimation(t *testing.T) {
	f := newFixture(t)
	// done with no preceding content frames: the server answered from cache.
	f.streamer.scripts = [][]stream.Event{{
		{Done: true, FullText: "an instant cached answer", Streamed: false},
	}}

	var fragments []string
	res, err := f.svc.Send(context.Background(), basicInput("u1"), func(p Progress) {
		if p.Stage == "content" {
			fragments = append(fragments, p.Text)
		}
	})
	require.NoError(t, err)
	assert.False(t, res.Streamed)
	assert.Greater(t, len(fragments), 1, "instant answers must be paced out")
	assert.Equal(t, "an instant cached answer", strings.Join(fragments, ""))
}

func TestSendContextWindowLimited(t *testing.T) {
	f := newFixture(t)
	in := basicInput("u1")

	// Seed the thread with more history than the window.
	_, err := f.store.UpsertThread(context.Background(), model.Thread{ID: in.ThreadID, UserID: "u1", Title: "t", Agent: model.AgentTutor})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := f.store.InsertMessage(context.Background(), model.Message{
			ID: uuid.New(), ThreadID: in.ThreadID, Role: model.RoleUser,
			Kind: model.KindAsk, Content: fmt.Sprintf("old %d", i), CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	_, err = f.svc.Send(context.Background(), in, nil)
	require.NoError(t, err)

	require.Len(t, f.streamer.gotReqs, 1)
	// 8 prior turns plus the new user text.
	assert.Len(t, f.streamer.gotReqs[0].Messages, 9)
	assert.Equal(t, "explain gravity", f.streamer.gotReqs[0].Messages[8].Content)
}

func TestSendFallbackEscalation(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true

	res, err := f.svc.Send(context.Background(), basicInput("u1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", res.AssistantMessage.Content)
	assert.Equal(t, model.StatusSent, res.AssistantMessage.Status)
	assert.False(t, res.Streamed)
	assert.Equal(t, 1, f.fallback.calls)
}

func TestSendFallbackSubstitutesOCRText(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true
	f.ocr.text = "y = mx + b scrawled on a whiteboard"
	f.uploader.urls = []string{"https://storage.example.com/u1/pic.png"}

	in := basicInput("u1")
	in.Files = []media.File{{Name: "pic.png", ContentType: "image/png", Data: []byte{1}}}

	_, err := f.svc.Send(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ocr.calls)
	require.Len(t, f.fallback.gotTexts, 1)
	assert.Contains(t, f.fallback.gotTexts[0], "explain gravity")
	assert.Contains(t, f.fallback.gotTexts[0], "y = mx + b")
}

func TestSendTotalFailureMarksErrorAndKeepsRetryRecord(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true
	f.fallback.fail = true
	in := basicInput("u1")

	res, err := f.svc.Send(context.Background(), in, nil)
	require.Error(t, err)
	assert.Equal(t, model.StatusError, res.UserMessage.Status)
	assert.Equal(t, model.StatusError, res.AssistantMessage.Status)
	assert.Equal(t, FailureText, res.AssistantMessage.Content)

	// Nothing durable was written, but the retry record survives.
	assert.Empty(t, f.store.messages[in.ThreadID])
	_, err = f.store.GetPendingSend(context.Background(), "u1", in.MessageID)
	assert.NoError(t, err)

	// The error state is cached for display after a reload.
	cached, _ := f.cache.LoadMessages(context.Background(), "u1", in.ThreadID)
	require.Len(t, cached, 2)
	assert.Equal(t, model.StatusError, cached[0].Status)
}

func TestRetryReplaysOriginalPayload(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true
	f.fallback.fail = true
	in := basicInput("u1")
	in.StorageURLs = []string{"https://storage.example.com/u1/kept.png"}

	_, err := f.svc.Send(context.Background(), in, nil)
	require.Error(t, err)

	// Endpoints recover; retry by message id replays text and stored URLs.
	f.streamer.mu.Lock()
	f.streamer.failAll = false
	f.streamer.mu.Unlock()
	f.fallback.fail = false

	res, err := f.svc.Retry(context.Background(), "u1", "tok", in.MessageID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, res.UserMessage.Status)
	assert.Equal(t, in.Text, res.UserMessage.Content)
	assert.Equal(t, in.StorageURLs, res.UserMessage.ImageStorageURLs)

	stored := f.store.messages[in.ThreadID]
	require.Len(t, stored, 2)
	assert.Equal(t, in.MessageID, stored[0].ID, "retry reuses the original id")
}

func TestRetryUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Retry(context.Background(), "u1", "tok", uuid.New(), nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendsSerializedPerThread(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	f.streamer.block = block

	in1 := basicInput("u1")
	in2 := in1
	in2.MessageID = uuid.New()
	in2.Text = "second question"

	done1 := make(chan error, 1)
	go func() {
		_, err := f.svc.Send(context.Background(), in1, nil)
		done1 <- err
	}()

	// Give the first send time to take the thread lock and open its stream.
	time.Sleep(50 * time.Millisecond)

	done2 := make(chan error, 1)
	go func() {
		_, err := f.svc.Send(context.Background(), in2, nil)
		done2 <- err
	}()

	select {
	case <-done2:
		t.Fatal("second send completed while the first held the thread lock")
	case <-time.After(100 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-done1)
	require.NoError(t, <-done2)

	stored := f.store.messages[in1.ThreadID]
	require.Len(t, stored, 4)
	// The first pair is fully persisted before the second begins.
	assert.Equal(t, in1.MessageID, stored[0].ID)
	assert.Equal(t, model.RoleAssistant, stored[1].Role)
	assert.Equal(t, in2.MessageID, stored[2].ID)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := basicInput("u1")
	in.Text = "   "
	_, err := f.svc.Send(ctx, in, nil)
	assert.Error(t, err)

	in = basicInput("u1")
	in.MessageID = uuid.Nil
	_, err = f.svc.Send(ctx, in, nil)
	assert.Error(t, err)

	in = basicInput("u1")
	in.QualityTier = "turbo"
	_, err = f.svc.Send(ctx, in, nil)
	assert.Error(t, err)

	in = basicInput("u1")
	for i := 0; i <= model.MaxMessageTags; i++ {
		in.Tags = append(in.Tags, fmt.Sprintf("tag-%d", i))
	}
	_, err = f.svc.Send(ctx, in, nil)
	assert.Error(t, err)
	assert.Empty(t, f.store.messages[in.ThreadID], "oversized tag set never reaches the store")
}

func TestRepeatedFailuresDoNotDuplicateCachedPair(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true
	f.fallback.fail = true
	ctx := context.Background()
	in := basicInput("u1")

	_, err := f.svc.Send(ctx, in, nil)
	require.Error(t, err)
	_, err = f.svc.Retry(ctx, "u1", "tok", in.MessageID, nil)
	require.Error(t, err)

	// The cache merge is keyed by id: a second failed attempt replaces the
	// first pair instead of stacking another copy of the question.
	cached, err := f.cache.LoadMessages(ctx, "u1", in.ThreadID)
	require.NoError(t, err)
	require.Len(t, cached, 2)

	seen := 0
	for _, m := range cached {
		if m.ID == in.MessageID {
			seen++
		}
	}
	assert.Equal(t, 1, seen, "user message cached once")
}

func TestSuccessfulRetryPrunesFailureBubble(t *testing.T) {
	f := newFixture(t)
	f.streamer.failAll = true
	f.fallback.fail = true
	ctx := context.Background()
	in := basicInput("u1")

	_, err := f.svc.Send(ctx, in, nil)
	require.Error(t, err)

	f.streamer.mu.Lock()
	f.streamer.failAll = false
	f.streamer.mu.Unlock()
	f.fallback.fail = false

	_, err = f.svc.Retry(ctx, "u1", "tok", in.MessageID, nil)
	require.NoError(t, err)

	// The persisted pair replaces the cached failure state entirely: no
	// ghost error bubble remains next to the real answer.
	cached, err := f.cache.LoadMessages(ctx, "u1", in.ThreadID)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	for _, m := range cached {
		assert.Equal(t, model.StatusSent, m.Status)
	}
}
