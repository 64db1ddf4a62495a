package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/lival-edu/tutorhub/internal/storage"
)

// notifyListener is the slice of *storage.DB the broker needs.
type notifyListener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out Postgres LISTEN/NOTIFY thread updates to SSE subscribers.
// It runs a background goroutine that calls WaitForNotification in a loop
// and routes each payload to the subscribers of the affected user, so a
// send or archive in one browser tab shows up in the user's other tabs.
type Broker struct {
	db     notifyListener
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> user id
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db notifyListener, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start begins listening on the thread-update channel.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelThreads); err != nil {
		b.logger.Error("broker: listen threads", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelThreads)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.dispatch(payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for one
// user. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(userID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the dispatch loop.
	b.mu.Lock()
	b.subscribers[ch] = userID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// dispatch parses a notification payload and forwards it to the affected
// user's subscribers. Slow subscribers with a full buffer are skipped (their
// event is dropped) so one stalled tab cannot block the rest; dropped events
// are harmless because the client re-lists threads on the next event.
func (b *Broker) dispatch(payload string) {
	var note struct {
		ThreadID string `json:"thread_id"`
		UserID   string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		b.logger.Warn("broker: malformed notification payload", "error", err)
		return
	}

	event := formatSSE("thread", payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, userID := range b.subscribers {
		if userID != note.UserID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
