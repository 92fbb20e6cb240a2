package crewsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreQuery(t *testing.T) {
	s := NewMemoryStore()
	s.Put(
		msg("m2", "general", "bob", at(3), "later"),
		msg("p1", "general", "bob", at(1), "parent"),
		reply("r1", "p1", "carol", "", at(2)),
		msg("x1", "random", "bob", at(1), "elsewhere"),
	)
	ctx := context.Background()

	all, err := s.Query(ctx, MessageQuery{ConversationID: "general"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "r1", "m2"}, ids(all))

	top, err := s.Query(ctx, MessageQuery{ConversationID: "general", TopLevelOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "m2"}, ids(top))

	thread, err := s.Query(ctx, MessageQuery{ConversationID: "general", ParentID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(thread))

	latest, err := s.LatestMessageAt(ctx, "general")
	require.NoError(t, err)
	assert.True(t, latest.Equal(at(3)))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "missing", MessagePatch{}), ErrNotFound)
}

func TestMemoryStoreMarkReadNeverMovesBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.MarkRead(ctx, "general", "alice", at(5)))
	require.NoError(t, s.MarkRead(ctx, "general", "alice", at(2)))

	got, err := s.LastReadAt(ctx, "general", "alice")
	require.NoError(t, err)
	assert.True(t, got.Equal(at(5)))

	other, err := s.LastReadAt(ctx, "general", "bob")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestMemoryStoreHooks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	var seen []FeedEvent
	sub, err := s.Subscribe(ctx, FeedFilter{Table: MessagesTable, ConversationID: "general"}, func(ev FeedEvent) {
		seen = append(seen, ev)
	})
	require.NoError(t, err)

	s.FailInserts(func(NewMessage) error { return boom })
	_, err = s.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "lost"})
	require.ErrorIs(t, err, boom)
	s.FailInserts(nil)

	s.DropPendingIDs(true)
	m, err := s.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "kept", PendingID: "temp-1"})
	require.NoError(t, err)
	assert.Empty(t, m.PendingID)

	s.DisableFeed(true)
	_, err = s.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "silent"})
	require.NoError(t, err)
	s.DisableFeed(false)

	s.FailUpdates(func(string, MessagePatch) error { return boom })
	reactions := []Reaction{{Emoji: "👍", Users: []string{"alice"}}}
	require.ErrorIs(t, s.Update(ctx, m.ID, MessagePatch{Reactions: &reactions}), boom)
	s.FailUpdates(nil)
	require.NoError(t, s.Update(ctx, m.ID, MessagePatch{Reactions: &reactions}))

	require.Len(t, seen, 2)
	assert.Equal(t, FeedInsert, seen[0].Type)
	assert.Equal(t, "kept", seen[0].Message.Text)
	assert.Equal(t, FeedUpdate, seen[1].Type)
	require.NotNil(t, seen[1].Patch.Reactions)
	assert.Equal(t, reactions, *seen[1].Patch.Reactions)

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, s.Subscribers())
}

func TestMemoryStoreToggleReactionIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	s.Put(msg("m1", "general", "bob", at(1), "vote"))
	ctx := context.Background()

	actors := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	var wg sync.WaitGroup
	for _, actor := range actors {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := s.ToggleReaction(ctx, "m1", "👍", actor)
			assert.NoError(t, err)
		}(actor)
	}
	wg.Wait()

	m, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)
	assert.ElementsMatch(t, actors, m.Reactions[0].Users)

	got, err := s.ToggleReaction(ctx, "m1", "👍", "alice")
	require.NoError(t, err)
	assert.NotContains(t, got[0].Users, "alice")

	_, err = s.ToggleReaction(ctx, "missing", "👍", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBlobs(t *testing.T) {
	b := NewMemoryBlobs()
	ctx := context.Background()

	url, err := b.Upload(ctx, Upload{FileName: "notes.txt", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Contains(t, url, "notes.txt")
	assert.False(t, b.Preloaded(url))

	require.NoError(t, b.Preload(ctx, url))
	assert.True(t, b.Preloaded(url))
	assert.ErrorIs(t, b.Preload(ctx, "mem://blobs/unknown"), ErrNotFound)

	release := b.HoldPreloads()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, b.Preload(cancelled, url), context.Canceled)
	release()
	release()
	require.NoError(t, b.Preload(ctx, url))
}

func TestMemoryChannels(t *testing.T) {
	p := NewMemoryChannels()
	ctx := context.Background()

	var aliceSyncs []map[string][]PresencePayload
	var aliceLeaves, bobBroadcasts []string
	a, err := p.Join(ctx, "presence:crew", ChannelHandlers{
		OnSync:  func(s map[string][]PresencePayload) { aliceSyncs = append(aliceSyncs, s) },
		OnLeave: func(pl PresencePayload) { aliceLeaves = append(aliceLeaves, pl.Identity) },
		OnBroadcast: func(event string, _ []byte) {
			t.Errorf("sender received its own %s broadcast", event)
		},
	})
	require.NoError(t, err)
	bch, err := p.Join(ctx, "presence:crew", ChannelHandlers{
		OnBroadcast: func(event string, _ []byte) { bobBroadcasts = append(bobBroadcasts, event) },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Members("presence:crew"))

	require.NoError(t, bch.Track(ctx, PresencePayload{Identity: "bob", Online: true, LastActiveAt: at(0)}))
	require.NoError(t, a.Broadcast(ctx, "typing", []byte(`{}`)))
	assert.Equal(t, []string{"typing"}, bobBroadcasts)

	p.Expire("presence:crew", at(1), 90*time.Second)
	assert.Contains(t, p.Tracked("presence:crew"), "bob")
	p.Expire("presence:crew", at(5), 90*time.Second)
	assert.Empty(t, p.Tracked("presence:crew"))
	assert.Equal(t, []string{"bob"}, aliceLeaves)

	// join sync, track sync, expiry sync
	require.Len(t, aliceSyncs, 3)
	assert.Empty(t, aliceSyncs[0])
	assert.Contains(t, aliceSyncs[1], "bob")
	assert.Empty(t, aliceSyncs[2])

	require.NoError(t, bch.Leave(ctx))
	assert.Equal(t, 1, p.Members("presence:crew"))
	assert.ErrorIs(t, bch.Broadcast(ctx, "typing", nil), ErrNotConnected)
	assert.ErrorIs(t, bch.Track(ctx, PresencePayload{Identity: "bob"}), ErrNotConnected)
	assert.Equal(t, 0, p.Members("presence:none"))
}
