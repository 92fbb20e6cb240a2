package crewsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	alice = Identity{ID: "alice", Name: "Alice", Avatar: "https://cdn.test/alice.png"}
	bob   = Identity{ID: "bob", Name: "Bob", Avatar: "https://cdn.test/bob.png"}
	carol = Identity{ID: "carol", Name: "Carol"}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires sessions to shared in-process backends, the way several
// clients share one record store and one realtime service.
type harness struct {
	t        *testing.T
	records  *MemoryStore
	blobs    *MemoryBlobs
	channels *MemoryChannels
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:        t,
		records:  NewMemoryStore(),
		blobs:    NewMemoryBlobs(),
		channels: NewMemoryChannels(),
	}
}

func (h *harness) session(ident Identity, mods ...func(*Options)) *Session {
	h.t.Helper()
	opts := Options{
		Identity:  ident,
		Records:   h.records,
		Feed:      h.records,
		Channels:  h.channels,
		Blobs:     h.blobs,
		Preloader: h.blobs,
		Logger:    quietLogger(),
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (h *harness) open(s *Session, conversationID string) *Conversation {
	h.t.Helper()
	c, err := s.Open(context.Background(), conversationID)
	require.NoError(h.t, err)
	return c
}

// seed stores history without publishing it.
func (h *harness) seed(msgs ...Message) {
	h.records.Put(msgs...)
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return baseTime.Add(time.Duration(minutes) * time.Minute) }

// steppedClock returns a clock that advances by step on every call.
func steppedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

func msg(id, conversation, author string, created time.Time, text string) Message {
	return Message{ID: id, ConversationID: conversation, AuthorID: author, AuthorName: author, CreatedAt: created, Text: text}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// recordingSink is a NotificationSink and NotificationCloser.
type recordingSink struct {
	mu         sync.Mutex
	permission Permission
	showErr    error
	shown      []Notification
	closed     []string
}

func newRecordingSink() *recordingSink { return &recordingSink{permission: PermissionGranted} }

func (s *recordingSink) Permission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

func (s *recordingSink) Show(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.showErr != nil {
		return s.showErr
	}
	s.shown = append(s.shown, n)
	return nil
}

func (s *recordingSink) Close(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tag)
	return nil
}

func (s *recordingSink) Shown() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.shown...)
}

func (s *recordingSink) Closed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}
