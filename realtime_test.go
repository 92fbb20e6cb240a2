package crewsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Fake realtime server
// ============================================================================

type wireCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c wireCommand) fields(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(c.Payload, &out))
	return out
}

func (c wireCommand) field(t *testing.T, key string) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(c.fields(t)[key], &s))
	return s
}

// fakeRealtime authenticates every socket, answers pings and queues every
// other command for the test to inspect.
type fakeRealtime struct {
	t    *testing.T
	srv  *httptest.Server
	cmds chan wireCommand

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	f := &fakeRealtime{t: t, cmds: make(chan wireCommand, 64)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/realtime"
}

func (f *fakeRealtime) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "rt-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	if err := wsjson.Write(ctx, conn, envelope("authenticated", AuthenticatedPayload{UserID: "alice"})); err != nil {
		return
	}
	for {
		var cmd wireCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		if cmd.Type == "ping" {
			var p PongPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = wsjson.Write(ctx, conn, envelope("pong", p))
			continue
		}
		f.cmds <- cmd
	}
}

func envelope(typ string, payload any) map[string]any {
	return map[string]any{"type": typ, "payload": payload}
}

// push writes an event to the most recent socket.
func (f *fakeRealtime) push(typ string, payload any) {
	f.t.Helper()
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(f.t, wsjson.Write(context.Background(), conn, envelope(typ, payload)))
}

// drop closes every open socket from the server side.
func (f *fakeRealtime) drop() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (f *fakeRealtime) next(t *testing.T, typ string) wireCommand {
	t.Helper()
	select {
	case cmd := <-f.cmds:
		require.Equal(t, typ, cmd.Type)
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s command received", typ)
		return wireCommand{}
	}
}

func (f *fakeRealtime) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func connectRealtime(t *testing.T, f *fakeRealtime, cfg RealtimeConfig) *RealtimeClient {
	t.Helper()
	cfg.Logger = quietLogger()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	rt := NewRealtimeClient(f.url(), "rt-token", &cfg)
	require.NoError(t, rt.Connect(context.Background()))
	t.Cleanup(func() { _ = rt.Disconnect() })
	return rt
}

func recordJSON(t *testing.T, m Message) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func nextEvent(t *testing.T, ch <-chan FeedEvent) FeedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no feed event delivered")
		return FeedEvent{}
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	f := newFakeRealtime(t)
	rt := connectRealtime(t, f, RealtimeConfig{})

	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, "alice", rt.UserID())

	// A second Connect is a no-op.
	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, 1, f.connections())

	pong, err := rt.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping-1", pong.RequestID)

	require.NoError(t, rt.Disconnect())
	assert.Equal(t, StateDisconnected, rt.State())
	_, err = rt.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRealtimeConnectFailures(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		f := newFakeRealtime(t)
		rt := NewRealtimeClient(f.url(), "wrong", &RealtimeConfig{Logger: quietLogger()})
		require.Error(t, rt.Connect(context.Background()))
		assert.Equal(t, StateDisconnected, rt.State())
	})

	t.Run("no authenticated event", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			_ = wsjson.Write(r.Context(), conn, envelope("error", RealtimeErrorPayload{Message: "expired"}))
			_, _, _ = conn.Read(r.Context())
		}))
		defer srv.Close()

		rt := NewRealtimeClient("ws"+strings.TrimPrefix(srv.URL, "http"), "rt-token", &RealtimeConfig{Logger: quietLogger()})
		err := rt.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authenticated")
		assert.Equal(t, StateDisconnected, rt.State())
	})

	t.Run("not connected", func(t *testing.T) {
		rt := NewRealtimeClient("ws://127.0.0.1:1/realtime", "rt-token", &RealtimeConfig{Logger: quietLogger()})
		_, err := rt.Subscribe(context.Background(), FeedFilter{Table: MessagesTable}, func(FeedEvent) {})
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = rt.Join(context.Background(), "typing:general", ChannelHandlers{})
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestRealtimeFeedRouting(t *testing.T) {
	f := newFakeRealtime(t)
	rt := connectRealtime(t, f, RealtimeConfig{})
	ctx := context.Background()

	events := make(chan FeedEvent, 8)
	sub, err := rt.Subscribe(ctx, FeedFilter{Table: MessagesTable, ConversationID: "general"}, func(ev FeedEvent) {
		events <- ev
	})
	require.NoError(t, err)

	cmd := f.next(t, "feed.subscribe")
	subID := cmd.field(t, "subscriptionId")
	assert.NotEmpty(t, subID)
	assert.Equal(t, "general", cmd.field(t, "conversationId"))
	assert.Equal(t, MessagesTable, cmd.field(t, "table"))

	f.push("feed.insert", FeedPayload{SubscriptionID: "someone-else", Table: MessagesTable,
		Record: recordJSON(t, msg("x1", "general", "bob", at(1), "not ours"))})
	f.push("feed.insert", FeedPayload{SubscriptionID: subID, Table: MessagesTable,
		Record: recordJSON(t, msg("m0", "random", "bob", at(1), "filtered out"))})
	f.push("feed.insert", FeedPayload{SubscriptionID: subID, Table: MessagesTable,
		Record: recordJSON(t, msg("m1", "general", "bob", at(2), "hello"))})

	ev := nextEvent(t, events)
	assert.Equal(t, FeedInsert, ev.Type)
	assert.Equal(t, MessagesTable, ev.Table)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Text)

	f.push("feed.update", FeedPayload{SubscriptionID: subID, Table: MessagesTable, Record: json.RawMessage(
		`{"id":"m1","conversationId":"general","authorId":"bob","reactions":{"👍":["alice","carol"]}}`)})
	ev = nextEvent(t, events)
	assert.Equal(t, FeedUpdate, ev.Type)
	require.NotNil(t, ev.Patch.Reactions)
	assert.Equal(t, []Reaction{{Emoji: "👍", Users: []string{"alice", "carol"}}}, *ev.Patch.Reactions)

	require.NoError(t, sub.Close())
	cmd = f.next(t, "feed.unsubscribe")
	assert.Equal(t, subID, cmd.field(t, "subscriptionId"))
	require.NoError(t, sub.Close())

	f.push("feed.insert", FeedPayload{SubscriptionID: subID, Table: MessagesTable,
		Record: recordJSON(t, msg("m2", "general", "bob", at(3), "after close"))})
	_, err = rt.Ping(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRealtimeChannels(t *testing.T) {
	f := newFakeRealtime(t)
	rt := connectRealtime(t, f, RealtimeConfig{})
	ctx := context.Background()

	syncs := make(chan map[string][]PresencePayload, 4)
	joins := make(chan PresencePayload, 4)
	leaves := make(chan PresencePayload, 4)
	broadcasts := make(chan string, 4)
	ch, err := rt.Join(ctx, "presence:crew", ChannelHandlers{
		OnSync:      func(s map[string][]PresencePayload) { syncs <- s },
		OnJoin:      func(p PresencePayload) { joins <- p },
		OnLeave:     func(p PresencePayload) { leaves <- p },
		OnBroadcast: func(event string, payload []byte) { broadcasts <- event + " " + string(payload) },
	})
	require.NoError(t, err)

	cmd := f.next(t, "channel.join")
	assert.Equal(t, "presence:crew", cmd.field(t, "channel"))
	ref := cmd.field(t, "ref")
	assert.NotEmpty(t, ref)

	me := PresencePayload{Identity: "alice", Name: "Alice", Online: true, LastActiveAt: at(1)}
	require.NoError(t, ch.Track(ctx, me))
	cmd = f.next(t, "channel.track")
	assert.Equal(t, ref, cmd.field(t, "ref"))
	var tracked PresencePayload
	require.NoError(t, json.Unmarshal(cmd.fields(t)["presence"], &tracked))
	assert.Equal(t, "alice", tracked.Identity)
	assert.True(t, tracked.LastActiveAt.Equal(at(1)))

	require.NoError(t, ch.Broadcast(ctx, "typing", []byte(`{"identity":"alice"}`)))
	cmd = f.next(t, "channel.broadcast")
	assert.Equal(t, "typing", cmd.field(t, "event"))
	assert.JSONEq(t, `{"identity":"alice"}`, string(cmd.fields(t)["data"]))

	bobPresence := PresencePayload{Identity: "bob", Name: "Bob", Online: true, LastActiveAt: at(2)}
	f.push("channel.broadcast", ChannelPayload{Channel: "presence:other", Event: "typing", Data: json.RawMessage(`{}`)})
	f.push("channel.sync", ChannelPayload{Channel: "presence:crew", State: map[string][]PresencePayload{
		"bob": {bobPresence},
	}})
	f.push("channel.join", ChannelPayload{Channel: "presence:crew", Presence: &bobPresence})
	f.push("channel.leave", ChannelPayload{Channel: "presence:crew", Presence: &bobPresence})
	f.push("channel.broadcast", ChannelPayload{Channel: "presence:crew", Event: "typing", Data: json.RawMessage(`{"identity":"bob"}`)})

	select {
	case s := <-syncs:
		require.Len(t, s["bob"], 1)
		assert.Equal(t, "Bob", s["bob"][0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync")
	}
	assert.Equal(t, "bob", (<-joins).Identity)
	assert.Equal(t, "bob", (<-leaves).Identity)
	// The broadcast for the other channel never arrives, so the first one
	// seen belongs to ours.
	assert.Equal(t, `typing {"identity":"bob"}`, <-broadcasts)

	require.NoError(t, ch.Untrack(ctx))
	f.next(t, "channel.untrack")
	require.NoError(t, ch.Leave(ctx))
	cmd = f.next(t, "channel.leave")
	assert.Equal(t, ref, cmd.field(t, "ref"))
	require.NoError(t, ch.Leave(ctx))
}

func TestRealtimeServerError(t *testing.T) {
	f := newFakeRealtime(t)
	rt := connectRealtime(t, f, RealtimeConfig{})

	errs := make(chan RealtimeErrorPayload, 1)
	rt.OnError(func(p RealtimeErrorPayload) { errs <- p })
	f.push("error", RealtimeErrorPayload{Message: "rate limited"})

	select {
	case p := <-errs:
		assert.Equal(t, "rate limited", p.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no error event")
	}
}

func TestRealtimeRestoresAfterReconnect(t *testing.T) {
	f := newFakeRealtime(t)
	rt := connectRealtime(t, f, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	ctx := context.Background()

	reconnecting := make(chan int, 4)
	rt.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })
	connected := make(chan struct{}, 4)
	rt.OnConnected(func() { connected <- struct{}{} })

	events := make(chan FeedEvent, 4)
	_, err := rt.Subscribe(ctx, FeedFilter{Table: MessagesTable}, func(ev FeedEvent) { events <- ev })
	require.NoError(t, err)
	subID := f.next(t, "feed.subscribe").field(t, "subscriptionId")

	ch, err := rt.Join(ctx, "presence:crew", ChannelHandlers{})
	require.NoError(t, err)
	ref := f.next(t, "channel.join").field(t, "ref")
	require.NoError(t, ch.Track(ctx, PresencePayload{Identity: "alice", Online: true}))
	f.next(t, "channel.track")

	f.drop()

	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt")
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("did not reconnect")
	}

	assert.Equal(t, subID, f.next(t, "feed.subscribe").field(t, "subscriptionId"))
	assert.Equal(t, ref, f.next(t, "channel.join").field(t, "ref"))
	var tracked PresencePayload
	require.NoError(t, json.Unmarshal(f.next(t, "channel.track").fields(t)["presence"], &tracked))
	assert.Equal(t, "alice", tracked.Identity)
	assert.Equal(t, StateConnected, rt.State())

	f.push("feed.insert", FeedPayload{SubscriptionID: subID, Table: MessagesTable,
		Record: recordJSON(t, msg("m9", "general", "bob", at(9), "back online"))})
	assert.Equal(t, "m9", nextEvent(t, events).Message.ID)
}

// ============================================================================
// EventStreamFeed
// ============================================================================

type fakeEventStream struct {
	srv    *httptest.Server
	events chan string
	done   chan struct{}
}

func newFakeEventStream(t *testing.T) *fakeEventStream {
	f := &fakeEventStream{events: make(chan string, 16), done: make(chan struct{})}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sse-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()
		for {
			select {
			case e := <-f.events:
				fmt.Fprintf(w, "data: %s\n\n", e)
				flusher.Flush()
			case <-r.Context().Done():
				return
			case <-f.done:
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	t.Cleanup(func() { close(f.done) })
	return f
}

func (f *fakeEventStream) push(t *testing.T, typ string, payload FeedPayload) {
	t.Helper()
	data, err := json.Marshal(envelope(typ, payload))
	require.NoError(t, err)
	f.events <- string(data)
}

func TestEventStreamFeed(t *testing.T) {
	f := newFakeEventStream(t)
	feed := NewEventStreamFeed(f.srv.URL+"/events", "sse-token", &RealtimeConfig{Logger: quietLogger()})
	ctx := context.Background()

	events := make(chan FeedEvent, 8)
	sub, err := feed.Subscribe(ctx, FeedFilter{Table: MessagesTable, ConversationID: "general"}, func(ev FeedEvent) {
		events <- ev
	})
	require.NoError(t, err)

	require.NoError(t, feed.Connect(ctx))
	t.Cleanup(func() { _ = feed.Disconnect() })
	assert.Equal(t, StateConnected, feed.State())

	f.push(t, "feed.insert", FeedPayload{Table: MessagesTable, Record: recordJSON(t, msg("r1", "random", "bob", at(1), "elsewhere"))})
	f.events <- "not json"
	f.push(t, "feed.insert", FeedPayload{Table: MessagesTable, Record: recordJSON(t, msg("g1", "general", "bob", at(2), "here"))})

	ev := nextEvent(t, events)
	assert.Equal(t, "g1", ev.Message.ID)
	assert.Equal(t, FeedInsert, ev.Type)

	require.NoError(t, sub.Close())
	f.push(t, "feed.insert", FeedPayload{Table: MessagesTable, Record: recordJSON(t, msg("g2", "general", "bob", at(3), "unheard"))})
	require.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, feed.Disconnect())
	assert.Equal(t, StateDisconnected, feed.State())
}

func TestEventStreamFeedRejected(t *testing.T) {
	f := newFakeEventStream(t)
	feed := NewEventStreamFeed(f.srv.URL+"/events", "wrong", &RealtimeConfig{Logger: quietLogger()})

	err := feed.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, StateDisconnected, feed.State())
}
