package crewsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process RecordStore and ChangeFeed.
// Every write is published to matching subscribers before the write
// returns, the way a database trigger would.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	reads    map[readKey]time.Time
	subs     map[int]*memorySub
	nextSub  int

	now          func() time.Time
	insertHook   func(NewMessage) error
	updateHook   func(id string, patch MessagePatch) error
	dropPending  bool
	feedDisabled bool
}

type readKey struct{ conversation, identity string }

type memorySub struct {
	filter  FeedFilter
	handler func(FeedEvent)
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		reads:    make(map[readKey]time.Time),
		subs:     make(map[int]*memorySub),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for CreatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailInserts makes Insert return the hook's error when it is non-nil.
func (s *MemoryStore) FailInserts(hook func(NewMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertHook = hook
}

// FailUpdates makes Update return the hook's error when it is non-nil.
func (s *MemoryStore) FailUpdates(hook func(id string, patch MessagePatch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateHook = hook
}

// DropPendingIDs stops echoing NewMessage.PendingID on stored records.
func (s *MemoryStore) DropPendingIDs(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPending = drop
}

// DisableFeed stops automatic publication of writes.
func (s *MemoryStore) DisableFeed(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedDisabled = disabled
}

// ── RecordStore ──────────────────────────────────────────

func (s *MemoryStore) Insert(ctx context.Context, nm NewMessage) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	if s.insertHook != nil {
		if err := s.insertHook(nm); err != nil {
			s.mu.Unlock()
			return Message{}, err
		}
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		AuthorID:       nm.AuthorID,
		AuthorName:     nm.AuthorName,
		AuthorAvatar:   nm.AuthorAvatar,
		CreatedAt:      s.now().UTC(),
		Text:           nm.Text,
		Attachments:    append([]string(nil), nm.Attachments...),
		ParentID:       nm.ParentID,
		Mentions:       append([]string(nil), nm.Mentions...),
	}
	if !s.dropPending {
		m.PendingID = nm.PendingID
	}
	s.messages[m.ID] = &m
	out := m.Clone()
	publish := !s.feedDisabled
	s.mu.Unlock()

	if publish {
		s.Publish(FeedEvent{Type: FeedInsert, Table: MessagesTable, Message: out})
	}
	return out, nil
}

// Put stores m as is, without publishing. Used to seed history.
func (s *MemoryStore) Put(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		c := m.Clone()
		s.messages[c.ID] = &c
	}
}

func (s *MemoryStore) Query(ctx context.Context, q MessageQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID != q.ConversationID {
			continue
		}
		switch {
		case q.ParentID != "":
			if m.ParentID != q.ParentID {
				continue
			}
		case q.TopLevelOnly:
			if m.IsReply() {
				continue
			}
		}
		out = append(out, m.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch MessagePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.updateHook != nil {
		if err := s.updateHook(id, patch); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	patch.ID = id
	patch.Apply(m)
	out := m.Clone()
	publish := !s.feedDisabled
	s.mu.Unlock()

	if publish {
		reactions := cloneReactions(out.Reactions)
		s.Publish(FeedEvent{
			Type:    FeedUpdate,
			Table:   MessagesTable,
			Message: out,
			Patch:   MessagePatch{ID: id, Reactions: &reactions},
		})
	}
	return nil
}

// ToggleReaction applies the toggle under the store lock. The update hook
// sees the resulting list.
func (s *MemoryStore) ToggleReaction(ctx context.Context, id, emoji, actor string) ([]Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	next := ToggleReaction(m.Reactions, emoji, actor)
	if s.updateHook != nil {
		if err := s.updateHook(id, MessagePatch{ID: id, Reactions: &next}); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	m.Reactions = cloneReactions(next)
	out := m.Clone()
	publish := !s.feedDisabled
	s.mu.Unlock()

	if publish {
		reactions := cloneReactions(out.Reactions)
		s.Publish(FeedEvent{
			Type:    FeedUpdate,
			Table:   MessagesTable,
			Message: out,
			Patch:   MessagePatch{ID: id, Reactions: &reactions},
		})
	}
	return cloneReactions(next), nil
}

func (s *MemoryStore) LastReadAt(ctx context.Context, conversationID, identity string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[readKey{conversationID, identity}], nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := readKey{conversationID, identity}
	if at.After(s.reads[k]) {
		s.reads[k] = at
	}
	return nil
}

func (s *MemoryStore) LatestMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest, nil
}

// ── ChangeFeed ───────────────────────────────────────────

func (s *MemoryStore) Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = &memorySub{filter: filter, handler: handler}
	return memorySubscription{store: s, id: id}, nil
}

// Publish delivers ev to every matching subscriber synchronously. Tests use
// it to redeliver or inject events.
func (s *MemoryStore) Publish(ev FeedEvent) {
	s.mu.RLock()
	var handlers []func(FeedEvent)
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		sub := s.subs[id]
		if sub.filter.matches(ev.Table, ev.Message.ConversationID) {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

type memorySubscription struct {
	store *MemoryStore
	id    int
}

func (m memorySubscription) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	delete(m.store.subs, m.id)
	return nil
}

// ============================================================================
// MemoryBlobs
// ============================================================================

// MemoryBlobs is an in-process BlobStore and Preloader.
type MemoryBlobs struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	preloaded map[string]int
	uploadErr func(Upload) error
	gate      chan struct{}
}

// NewMemoryBlobs creates an empty blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte), preloaded: make(map[string]int)}
}

// FailUploads makes Upload return the hook's error when it is non-nil.
func (b *MemoryBlobs) FailUploads(hook func(Upload) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadErr = hook
}

// HoldPreloads makes Preload block until the returned function is called.
func (b *MemoryBlobs) HoldPreloads() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (b *MemoryBlobs) Upload(ctx context.Context, u Upload) (string, error) {
	b.mu.Lock()
	hook := b.uploadErr
	b.mu.Unlock()
	if hook != nil {
		if err := hook(u); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	url := "mem://blobs/" + uuid.NewString() + "/" + u.FileName
	b.mu.Lock()
	b.blobs[url] = append([]byte(nil), u.Data...)
	b.mu.Unlock()
	return url, nil
}

func (b *MemoryBlobs) Preload(ctx context.Context, url string) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[url]; !ok {
		return fmt.Errorf("preload %s: %w", url, ErrNotFound)
	}
	b.preloaded[url]++
	return nil
}

// Preloaded reports whether url has been fetched.
func (b *MemoryBlobs) Preloaded(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preloaded[url] > 0
}

// ============================================================================
// MemoryChannels
// ============================================================================

// MemoryChannels is an in-process ChannelProvider. Broadcasts are not
// echoed to the sender. Staleness is applied only when Expire is called.
type MemoryChannels struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	members []*memoryChannel
	tracked map[*memoryChannel]PresencePayload
}

type memoryChannel struct {
	provider *MemoryChannels
	name     string
	h        ChannelHandlers
}

// NewMemoryChannels creates an empty provider.
func NewMemoryChannels() *MemoryChannels {
	return &MemoryChannels{rooms: make(map[string]*memoryRoom)}
}

func (p *MemoryChannels) Join(ctx context.Context, name string, h ChannelHandlers) (Channel, error) {
	ch := &memoryChannel{provider: p, name: name, h: h}
	p.mu.Lock()
	room, ok := p.rooms[name]
	if !ok {
		room = &memoryRoom{tracked: make(map[*memoryChannel]PresencePayload)}
		p.rooms[name] = room
	}
	room.members = append(room.members, ch)
	state := room.stateLocked()
	p.mu.Unlock()

	if h.OnSync != nil {
		h.OnSync(state)
	}
	return ch, nil
}

// Members returns the number of joined channels under name.
func (p *MemoryChannels) Members(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[name]; ok {
		return len(room.members)
	}
	return 0
}

// Tracked returns the payloads currently tracked under name.
func (p *MemoryChannels) Tracked(name string) map[string][]PresencePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[name]; ok {
		return room.stateLocked()
	}
	return map[string][]PresencePayload{}
}

// Expire drops tracked payloads last announced before now-staleness.
func (p *MemoryChannels) Expire(name string, now time.Time, staleness time.Duration) {
	p.mu.Lock()
	room, ok := p.rooms[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	var left []PresencePayload
	for ch, pl := range room.tracked {
		if now.Sub(pl.LastActiveAt) > staleness {
			delete(room.tracked, ch)
			left = append(left, pl)
		}
	}
	members := append([]*memoryChannel(nil), room.members...)
	state := room.stateLocked()
	p.mu.Unlock()

	if len(left) == 0 {
		return
	}
	for _, m := range members {
		for _, pl := range left {
			if m.h.OnLeave != nil {
				m.h.OnLeave(pl)
			}
		}
		if m.h.OnSync != nil {
			m.h.OnSync(state)
		}
	}
}

func (r *memoryRoom) stateLocked() map[string][]PresencePayload {
	state := make(map[string][]PresencePayload, len(r.tracked))
	for _, pl := range r.tracked {
		state[pl.Identity] = append(state[pl.Identity], pl)
	}
	return state
}

func (c *memoryChannel) room() *memoryRoom { return c.provider.rooms[c.name] }

func (c *memoryChannel) joinedLocked() bool {
	room := c.room()
	if room == nil {
		return false
	}
	for _, m := range room.members {
		if m == c {
			return true
		}
	}
	return false
}

func (c *memoryChannel) Track(ctx context.Context, pl PresencePayload) error {
	p := c.provider
	p.mu.Lock()
	if !c.joinedLocked() {
		p.mu.Unlock()
		return ErrNotConnected
	}
	room := c.room()
	room.tracked[c] = pl
	members := append([]*memoryChannel(nil), room.members...)
	state := room.stateLocked()
	p.mu.Unlock()

	for _, m := range members {
		if m.h.OnJoin != nil {
			m.h.OnJoin(pl)
		}
		if m.h.OnSync != nil {
			m.h.OnSync(state)
		}
	}
	return nil
}

func (c *memoryChannel) Untrack(ctx context.Context) error {
	p := c.provider
	p.mu.Lock()
	if !c.joinedLocked() {
		p.mu.Unlock()
		return nil
	}
	room := c.room()
	pl, ok := room.tracked[c]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(room.tracked, c)
	members := append([]*memoryChannel(nil), room.members...)
	state := room.stateLocked()
	p.mu.Unlock()

	for _, m := range members {
		if m.h.OnLeave != nil {
			m.h.OnLeave(pl)
		}
		if m.h.OnSync != nil {
			m.h.OnSync(state)
		}
	}
	return nil
}

func (c *memoryChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	p := c.provider
	p.mu.Lock()
	if !c.joinedLocked() {
		p.mu.Unlock()
		return ErrNotConnected
	}
	members := append([]*memoryChannel(nil), c.room().members...)
	p.mu.Unlock()

	for _, m := range members {
		if m != c && m.h.OnBroadcast != nil {
			m.h.OnBroadcast(event, append([]byte(nil), payload...))
		}
	}
	return nil
}

func (c *memoryChannel) Leave(ctx context.Context) error {
	if err := c.Untrack(ctx); err != nil {
		return err
	}
	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	room := c.room()
	if room == nil {
		return nil
	}
	for i, m := range room.members {
		if m == c {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	return nil
}
