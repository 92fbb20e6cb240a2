package crewsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(id, parent, author, avatar string, created time.Time) Message {
	m := msg(id, "general", author, created, "reply "+id)
	m.ParentID = parent
	m.AuthorAvatar = avatar
	return m
}

func TestSummarizeReplies(t *testing.T) {
	t.Run("no replies", func(t *testing.T) {
		count, last, avatars := summarizeReplies(nil, ReplyAvatarLimit)
		assert.Equal(t, 0, count)
		assert.Nil(t, last)
		assert.Equal(t, []string{}, avatars)
	})

	t.Run("distinct authors most recent first", func(t *testing.T) {
		replies := []Message{
			reply("r1", "m1", "bob", "bob.png", at(1)),
			reply("r2", "m1", "carol", "", at(2)),
			reply("r3", "m1", "bob", "bob.png", at(3)),
			reply("r4", "m1", "dave", "dave.png", at(4)),
			reply("r5", "m1", "erin", "erin.png", at(5)),
		}
		count, last, avatars := summarizeReplies(replies, ReplyAvatarLimit)
		assert.Equal(t, 5, count)
		require.NotNil(t, last)
		assert.Equal(t, at(5), *last)
		assert.Equal(t, []string{"erin.png", "dave.png", "bob.png"}, avatars)
	})

	t.Run("input order does not matter", func(t *testing.T) {
		replies := []Message{
			reply("r2", "m1", "carol", "", at(2)),
			reply("r1", "m1", "bob", "bob.png", at(1)),
		}
		_, last, avatars := summarizeReplies(replies, ReplyAvatarLimit)
		assert.Equal(t, at(2), *last)
		assert.Equal(t, []string{"carol", "bob.png"}, avatars)
	})
}

func TestOpenThread(t *testing.T) {
	h := newHarness(t)
	h.seed(
		msg("m1", "general", "alice", at(1), "parent"),
		reply("r2", "m1", "carol", "", at(3)),
		reply("r1", "m1", "bob", "bob.png", at(2)),
		reply("x1", "m9", "bob", "bob.png", at(2)),
	)
	s := h.session(alice)
	c := h.open(s, "general")
	ctx := context.Background()

	var events []bool
	c.Threads.OnChange(func(_ ThreadView, open bool) { events = append(events, open) })

	view, err := c.OpenThread(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", view.Parent.ID)
	assert.Equal(t, []string{"r1", "r2"}, ids(view.Replies))

	got, ok := c.Threads.View()
	require.True(t, ok)
	assert.Equal(t, view, got)

	c.CloseThread()
	_, ok = c.Threads.View()
	assert.False(t, ok)
	c.CloseThread()
	assert.Equal(t, []bool{true, false}, events)

	_, err = c.OpenThread(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestThreadFollowsRemoteReplies(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "alice", at(1), "parent"))
	s := h.session(alice)
	c := h.open(s, "general")
	ctx := context.Background()

	_, err := c.OpenThread(ctx, "m1")
	require.NoError(t, err)

	var latest ThreadView
	c.Threads.OnChange(func(v ThreadView, open bool) {
		if open {
			latest = v
		}
	})

	remote, err := h.records.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", AuthorAvatar: bob.Avatar, Text: "hey", ParentID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, []string{remote.ID}, ids(latest.Replies))
	assert.Equal(t, 1, latest.Parent.ReplyCount)
	assert.Equal(t, []string{bob.Avatar}, latest.Parent.ReplyAvatars)

	// A reply to another thread leaves the open one alone.
	h.seed(msg("m2", "general", "alice", at(2), "other parent"))
	_, err = h.records.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "elsewhere", ParentID: "m2"})
	require.NoError(t, err)
	view, _ := c.Threads.View()
	assert.Equal(t, []string{remote.ID}, ids(view.Replies))
}

func TestReplyUpdatesThreadAndParent(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "bob", at(1), "parent"))
	s := h.session(alice)
	c := h.open(s, "general")
	ctx := context.Background()

	_, err := c.OpenThread(ctx, "m1")
	require.NoError(t, err)

	r, err := c.Reply(ctx, "m1", "agreed")
	require.NoError(t, err)
	assert.Equal(t, "m1", r.ParentID)

	view, ok := c.Threads.View()
	require.True(t, ok)
	assert.Equal(t, []string{r.ID}, ids(view.Replies))
	assert.Equal(t, 1, view.Parent.ReplyCount)

	parent, ok := c.Store.Get("m1")
	require.True(t, ok)
	assert.Equal(t, 1, parent.ReplyCount)
	assert.Equal(t, []string{alice.Avatar}, parent.ReplyAvatars)
	assert.Equal(t, -1, c.Store.Index(r.ID))
}

func TestReplyWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(msg("m1", "general", "bob", at(1), "parent"))
	s := h.session(alice)
	c := h.open(s, "general")

	h.records.FailInserts(func(nm NewMessage) error { return assert.AnError })
	_, err := c.Reply(context.Background(), "m1", "lost")
	require.ErrorIs(t, err, ErrWriteFailed)

	parent, _ := c.Store.Get("m1")
	assert.Equal(t, 0, parent.ReplyCount)
}
