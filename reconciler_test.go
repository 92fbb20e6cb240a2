package crewsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPreloader struct{}

func (failingPreloader) Preload(ctx context.Context, url string) error {
	return errors.New("cdn unreachable")
}

func TestReconcilerAppendsRemoteInserts(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "bob", at(1), "history"))
	s := h.session(alice)
	c := h.open(s, "general")
	ctx := context.Background()

	var snapshots int
	c.Store.OnChange(func([]Message) { snapshots++ })

	remote, err := h.records.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "live"})
	require.NoError(t, err)
	_, err = h.records.Insert(ctx, NewMessage{ConversationID: "random", AuthorID: "bob", Text: "elsewhere"})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", remote.ID}, ids(c.Messages()))
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().FeedEvents.WithLabelValues("insert", "appended")))

	h.records.Publish(FeedEvent{Type: FeedInsert, Table: MessagesTable, Message: remote})
	assert.Equal(t, 2, c.Store.Len())
	assert.Equal(t, 1, snapshots)
}

func TestReconcilerForeignInsert(t *testing.T) {
	h := newHarness(t)
	s := h.session(alice)
	c := h.open(s, "general")

	c.Reconciler.HandleInsert(context.Background(), msg("x1", "random", "bob", at(1), "misrouted"))
	assert.Nil(t, c.Messages())
	assert.False(t, c.Reconciler.Processed("x1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().FeedEvents.WithLabelValues("insert", "foreign")))
}

func TestReconcilerRoutesReplies(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "alice", at(1), "parent"))
	s := h.session(alice)
	c := h.open(s, "general")
	ctx := context.Background()
	h.records.SetClock(steppedClock(at(2), time.Second))

	for _, who := range []Identity{bob, carol, bob} {
		_, err := h.records.Insert(ctx, NewMessage{
			ConversationID: "general",
			AuthorID:       who.ID,
			AuthorAvatar:   who.Avatar,
			Text:           "reply from " + who.Name,
			ParentID:       "m1",
		})
		require.NoError(t, err)
	}

	msgs := c.Messages()
	require.Equal(t, []string{"m1"}, ids(msgs))
	assert.Equal(t, 3, msgs[0].ReplyCount)
	// carol has no avatar, so the ID stands in.
	assert.Equal(t, []string{bob.Avatar, "carol"}, msgs[0].ReplyAvatars)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics().FeedEvents.WithLabelValues("insert", "reply")))
}

func TestReconcilerAppliesReactionUpdates(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "alice", at(1), "hello"))
	s := h.session(alice)
	c := h.open(s, "general")
	m := s.Metrics()

	reactions := []Reaction{{Emoji: "🎉", Users: []string{"bob"}}}
	require.NoError(t, h.records.Update(context.Background(), "m1", MessagePatch{Reactions: &reactions}))

	local, _ := c.Store.Get("m1")
	assert.Equal(t, reactions, local.Reactions)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedEvents.WithLabelValues("update", "applied")))

	c.Reconciler.HandleUpdate(context.Background(), MessagePatch{ID: "m1"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedEvents.WithLabelValues("update", "ignored")))

	c.Reconciler.HandleUpdate(context.Background(), MessagePatch{ID: "gone", Reactions: &reactions})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedEvents.WithLabelValues("update", "unknown")))
}

func TestReconcilerSwapsWhenPreloadFails(t *testing.T) {
	h := newHarness(t)
	s := h.session(alice, func(o *Options) { o.Preloader = failingPreloader{} })
	c := h.open(s, "general")
	results := collectResults(c)

	_, err := c.Send(context.Background(), SendRequest{
		Text:        "broken cdn",
		Attachments: []Upload{{FileName: "a.png", Data: []byte("a")}},
	})
	require.NoError(t, err)
	res := waitResult(t, results)
	require.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == res.Message.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().Preloads.WithLabelValues("failed")))
}

func TestReconcilerClose(t *testing.T) {
	h := newHarness(t)
	s := h.session(alice)
	c := h.open(s, "general")
	before := h.records.Subscribers()

	remote, err := h.records.Insert(context.Background(), NewMessage{ConversationID: "general", AuthorID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.True(t, c.Reconciler.Processed(remote.ID))

	require.NoError(t, c.Reconciler.Close())
	assert.Equal(t, before-1, h.records.Subscribers())
	assert.False(t, c.Reconciler.Processed(remote.ID))

	// Nothing is applied once closed.
	c.Reconciler.HandleInsert(context.Background(), msg("late", "general", "bob", at(9), "late"))
	assert.Equal(t, -1, c.Store.Index("late"))
	require.NoError(t, c.Reconciler.Close())
}

func TestReconcilerCloseRefusesLateSwaps(t *testing.T) {
	h := newHarness(t)
	s := h.session(alice)
	c := h.open(s, "general")

	// Swaps registered while Close runs either finish before it returns
	// or are refused.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c.Reconciler.track() {
			c.Reconciler.wg.Done()
		}
	}()
	require.NoError(t, c.Reconciler.Close())
	<-done

	assert.False(t, c.Reconciler.track())
	c.Reconciler.HandleInsert(context.Background(), msg("late-2", "general", "bob", at(9), "after close"))
	assert.False(t, c.Reconciler.Processed("late-2"))
}
