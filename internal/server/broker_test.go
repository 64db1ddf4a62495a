package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lival-edu/tutorhub/internal/testutil"
)

// fakeListener feeds scripted notifications to the broker.
type fakeListener struct {
	notifications chan string
}

func newFakeListener() *fakeListener {
	return &fakeListener{notifications: make(chan string, 16)}
}

func (f *fakeListener) Listen(context.Context, string) error { return nil }

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case payload := <-f.notifications:
		return "tutorhub_threads", payload, nil
	}
}

func threadPayload(t *testing.T, userID string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"thread_id": uuid.NewString(),
		"user_id":   userID,
	})
	require.NoError(t, err)
	return string(payload)
}

func TestBrokerRoutesEventsToOwningUser(t *testing.T) {
	listener := newFakeListener()
	broker := NewBroker(listener, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	aliceCh := broker.Subscribe("alice")
	defer broker.Unsubscribe(aliceCh)
	bobCh := broker.Subscribe("bob")
	defer broker.Unsubscribe(bobCh)

	listener.notifications <- threadPayload(t, "alice")

	select {
	case event := <-aliceCh:
		s := string(event)
		assert.True(t, strings.HasPrefix(s, "event: thread\n"), "got %q", s)
		assert.Contains(t, s, `"user_id":"alice"`)
	case <-time.After(time.Second):
		t.Fatal("alice never received the event")
	}

	select {
	case event := <-bobCh:
		t.Fatalf("bob received alice's event: %q", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerBothTabsOfOneUser(t *testing.T) {
	listener := newFakeListener()
	broker := NewBroker(listener, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	tab1 := broker.Subscribe("alice")
	defer broker.Unsubscribe(tab1)
	tab2 := broker.Subscribe("alice")
	defer broker.Unsubscribe(tab2)

	listener.notifications <- threadPayload(t, "alice")

	for i, ch := range []chan []byte{tab1, tab2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("tab %d never received the event", i+1)
		}
	}
}

func TestBrokerIgnoresMalformedPayload(t *testing.T) {
	listener := newFakeListener()
	broker := NewBroker(listener, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	ch := broker.Subscribe("alice")
	defer broker.Unsubscribe(ch)

	listener.notifications <- "{not json"
	listener.notifications <- threadPayload(t, "alice")

	// The malformed payload is skipped; the valid one still arrives.
	select {
	case event := <-ch:
		assert.Contains(t, string(event), `"user_id":"alice"`)
	case <-time.After(time.Second):
		t.Fatal("valid event never arrived")
	}
}

func TestBrokerDropsEventsForFullSubscriber(t *testing.T) {
	broker := NewBroker(newFakeListener(), testutil.TestLogger())

	ch := broker.Subscribe("alice")
	defer broker.Unsubscribe(ch)

	// Fill the buffer past capacity directly through dispatch; the overflow
	// must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			broker.dispatch(threadPayload(t, "alice"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a full subscriber")
	}
	assert.Len(t, ch, 64)
}
