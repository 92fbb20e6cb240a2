package crewsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// InsertResult is the outcome of MessageStore.ApplyInsert.
type InsertResult int

const (
	InsertAppended InsertResult = iota
	InsertDuplicate
	InsertRedirected
	// InsertForeign means the message belongs to another conversation.
	InsertForeign
)

func (r InsertResult) String() string {
	switch r {
	case InsertAppended:
		return "appended"
	case InsertDuplicate:
		return "duplicate"
	case InsertRedirected:
		return "redirected"
	case InsertForeign:
		return "foreign"
	}
	return fmt.Sprintf("InsertResult(%d)", int(r))
}

// MessageStore holds the top-level messages of one conversation, ascending
// by time. It never holds two entries with the same ID and never holds a
// reply.
type MessageStore struct {
	records RecordStore
	logger  *slog.Logger

	mu             sync.RWMutex
	conversationID string
	messages       []Message
	ids            map[string]struct{}
	listeners      []func([]Message)
}

// NewMessageStore creates an empty store backed by records.
func NewMessageStore(records RecordStore, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		records: records,
		logger:  logger,
		ids:     make(map[string]struct{}),
	}
}

// ConversationID returns the conversation last loaded.
func (s *MessageStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Load fetches the top-level messages of conversationID and replaces the
// store contents with them.
func (s *MessageStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := s.records.Query(ctx, MessageQuery{ConversationID: conversationID, TopLevelOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	loaded := make([]Message, 0, len(msgs))
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.IsReply() {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		loaded = append(loaded, m.Clone())
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = loaded
	s.ids = ids
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("conversation loaded", "conversation", conversationID, "messages", len(loaded))
	s.notify(snap)
	return snap, nil
}

// ApplyInsert adds msg in time order.
func (s *MessageStore) ApplyInsert(msg Message) InsertResult {
	s.mu.Lock()
	if s.conversationID != "" && msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return InsertForeign
	}
	if msg.IsReply() {
		s.mu.Unlock()
		return InsertRedirected
	}
	if _, dup := s.ids[msg.ID]; dup {
		s.mu.Unlock()
		return InsertDuplicate
	}

	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg.Clone()
	s.ids[msg.ID] = struct{}{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return InsertAppended
}

// ApplyUpdate merges patch into the message with patch.ID.
func (s *MessageStore) ApplyUpdate(patch MessagePatch) bool {
	return s.Update(patch.ID, patch.Apply)
}

// Update runs fn on the stored message with id. fn must not retain m.
func (s *MessageStore) Update(id string, fn func(m *Message)) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&s.messages[i])
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Replace swaps the provisional entry for its confirmed message at the same
// position. If the confirmed ID is already present the provisional entry is
// simply dropped.
func (s *MessageStore) Replace(provisionalID string, confirmed Message) bool {
	s.mu.Lock()
	i := s.indexLocked(provisionalID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.ids[confirmed.ID]; dup && confirmed.ID != provisionalID {
		s.removeLocked(i)
	} else {
		delete(s.ids, provisionalID)
		s.messages[i] = confirmed.Clone()
		s.messages[i].Pending = false
		s.ids[confirmed.ID] = struct{}{}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Remove deletes the message with id.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(i)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Get returns a copy of the message with id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return Message{}, false
}

// Index returns the position of id, or -1.
func (s *MessageStore) Index(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(id)
}

// Messages returns a copy of the ordered contents.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of messages held.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Reset clears the contents. Listeners are kept.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.conversationID = ""
	s.messages = nil
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
	s.notify(nil)
}

// OnChange registers fn to receive a snapshot after every mutation.
func (s *MessageStore) OnChange(fn func([]Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ── internals ────────────────────────────────────────────

func (s *MessageStore) indexLocked(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeLocked(i int) {
	delete(s.ids, s.messages[i].ID)
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *MessageStore) snapshotLocked() []Message {
	if len(s.messages) == 0 {
		return nil
	}
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *MessageStore) notify(snap []Message) {
	s.mu.RLock()
	listeners := append([]func([]Message){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("message store listener panicked", "panic", r)
				}
			}()
			fn(snap)
		}()
	}
}
