package crewsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotFound         = errors.New("not found")
	ErrNotConnected     = errors.New("not connected")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUploadFailed     = errors.New("attachment upload failed")
	ErrWriteFailed      = errors.New("durable write failed")
	ErrClosed           = errors.New("closed")
)

// APIError represents an error returned by the record store API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is lets callers match a 404 with errors.Is(err, ErrNotFound).
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// ============================================================================
// Messages
// ============================================================================

// Message is one entry of a conversation, either confirmed (durable ID) or
// provisional ("temp-<n>") while a local send is in flight.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	AuthorID       string     `json:"authorId"`
	AuthorName     string     `json:"authorName,omitempty"`
	AuthorAvatar   string     `json:"authorAvatar,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Text           string     `json:"text"`
	Attachments    []string   `json:"attachments,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	ParentID       string     `json:"parentId,omitempty"`
	Mentions       []string   `json:"mentions,omitempty"`
	ReplyCount     int        `json:"replyCount,omitempty"`
	LastReplyAt    *time.Time `json:"lastReplyAt,omitempty"`
	ReplyAvatars   []string   `json:"replyAvatars,omitempty"`
	// PendingID echoes NewMessage.PendingID when the store keeps it.
	PendingID string `json:"pendingId,omitempty"`
	Pending   bool   `json:"-"`
}

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool { return m.ParentID != "" }

// IsProvisional reports whether the message still carries a local ID.
func (m Message) IsProvisional() bool { return strings.HasPrefix(m.ID, provisionalPrefix) }

// Mentioned reports whether identity is in the message's mention list.
func (m Message) Mentioned(identity string) bool {
	for _, id := range m.Mentions {
		if id == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]string(nil), m.Attachments...)
	out.Reactions = cloneReactions(m.Reactions)
	out.Mentions = append([]string(nil), m.Mentions...)
	out.ReplyAvatars = append([]string(nil), m.ReplyAvatars...)
	if m.LastReplyAt != nil {
		t := *m.LastReplyAt
		out.LastReplyAt = &t
	}
	return out
}

// UnmarshalJSON accepts either reaction shape and normalizes it.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var wire struct {
		alias
		Reactions ReactionPayload `json:"reactions"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Message(wire.alias)
	m.Reactions = wire.Reactions.Normalize()
	return nil
}

// NewMessage is the body of a durable insert.
type NewMessage struct {
	ConversationID string   `json:"conversationId"`
	AuthorID       string   `json:"authorId"`
	AuthorName     string   `json:"authorName,omitempty"`
	AuthorAvatar   string   `json:"authorAvatar,omitempty"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments,omitempty"`
	ParentID       string   `json:"parentId,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
	// PendingID references the provisional message this insert confirms.
	PendingID string `json:"pendingId,omitempty"`
}

// MessagePatch is a partial update. Nil fields are left untouched.
type MessagePatch struct {
	ID           string      `json:"id"`
	Reactions    *[]Reaction `json:"reactions,omitempty"`
	ReplyCount   *int        `json:"replyCount,omitempty"`
	LastReplyAt  *time.Time  `json:"lastReplyAt,omitempty"`
	ReplyAvatars *[]string   `json:"replyAvatars,omitempty"`
}

// Apply merges the patch into m.
func (p MessagePatch) Apply(m *Message) {
	if p.Reactions != nil {
		m.Reactions = cloneReactions(*p.Reactions)
	}
	if p.ReplyCount != nil {
		m.ReplyCount = *p.ReplyCount
	}
	if p.LastReplyAt != nil {
		t := *p.LastReplyAt
		m.LastReplyAt = &t
	}
	if p.ReplyAvatars != nil {
		m.ReplyAvatars = append([]string(nil), (*p.ReplyAvatars)...)
	}
}

// DecodePatch decodes an update notification record into a patch. The
// reactions field is only set when the record carried one.
func DecodePatch(data []byte) (MessagePatch, error) {
	var wire struct {
		ID        string          `json:"id"`
		Reactions ReactionPayload `json:"reactions"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return MessagePatch{}, err
	}
	patch := MessagePatch{ID: wire.ID}
	if wire.Reactions.Shape != ShapeAbsent {
		r := wire.Reactions.Normalize()
		patch.Reactions = &r
	}
	return patch, nil
}

// MessageQuery selects messages from the record store.
type MessageQuery struct {
	ConversationID string
	// ParentID selects the replies of one thread.
	ParentID string
	// TopLevelOnly excludes replies. Ignored when ParentID is set.
	TopLevelOnly bool
}

// Upload is an attachment handed to Send.
type Upload struct {
	FileName string
	MimeType string
	Data     []byte
}

// ============================================================================
// Reactions
// ============================================================================

// Reaction is one emoji and the ordered set of identities that used it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// ReactionShape tags which wire shape a reaction payload arrived in.
type ReactionShape int

const (
	ShapeAbsent ReactionShape = iota
	ShapeOrdered
	ShapeLegacy
)

// ReactionPayload is the wire form of a message's reactions: either the
// ordered list [{"emoji":..,"users":[..]}] or the legacy object
// {"emoji": [users..]}.
type ReactionPayload struct {
	Shape   ReactionShape
	Entries []Reaction
}

func (p *ReactionPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ReactionPayload{Shape: ShapeAbsent}
		return nil
	}
	switch data[0] {
	case '[':
		var list []Reaction
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode reactions: %w", err)
		}
		*p = ReactionPayload{Shape: ShapeOrdered, Entries: list}
		return nil
	case '{':
		entries, err := decodeLegacyReactions(data)
		if err != nil {
			return err
		}
		*p = ReactionPayload{Shape: ShapeLegacy, Entries: entries}
		return nil
	}
	return fmt.Errorf("decode reactions: unexpected %q", data[0])
}

// decodeLegacyReactions walks the object token by token so keys keep the
// order they have in the document.
func decodeLegacyReactions(data []byte) ([]Reaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode legacy reactions: %w", err)
	}
	var out []Reaction
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode legacy reactions: %w", err)
		}
		emoji, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decode legacy reactions: bad key %v", tok)
		}
		var users []string
		if err := dec.Decode(&users); err != nil {
			return nil, fmt.Errorf("decode legacy reactions %q: %w", emoji, err)
		}
		out = append(out, Reaction{Emoji: emoji, Users: users})
	}
	return out, nil
}

// Normalize returns the canonical ordered list: one entry per emoji (later
// duplicates fold into the first), no repeated users, no empty entries.
func (p ReactionPayload) Normalize() []Reaction {
	if len(p.Entries) == 0 {
		return nil
	}
	index := make(map[string]int, len(p.Entries))
	var out []Reaction
	for _, r := range p.Entries {
		if r.Emoji == "" {
			continue
		}
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, Reaction{Emoji: r.Emoji})
		}
		for _, u := range r.Users {
			if u != "" && !containsString(out[i].Users, u) {
				out[i].Users = append(out[i].Users, u)
			}
		}
	}
	kept := out[:0]
	for _, r := range out {
		if len(r.Users) > 0 {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes channel and direct conversations.
type ConversationKind string

const (
	ChannelConversation ConversationKind = "channel"
	DirectConversation  ConversationKind = "direct"
)

const directPrefix = "dm:"

// ConversationRef is a parsed conversation identifier.
type ConversationRef struct {
	ID           string
	Kind         ConversationKind
	Participants [2]string
}

// DirectConversationID derives the identifier both participants compute
// for their direct conversation.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return directPrefix + pair[0] + ":" + pair[1]
}

// ParseConversationID classifies an identifier. Anything not of the form
// dm:<a>:<b> is a channel.
func ParseConversationID(id string) ConversationRef {
	if strings.HasPrefix(id, directPrefix) {
		parts := strings.SplitN(strings.TrimPrefix(id, directPrefix), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return ConversationRef{ID: id, Kind: DirectConversation, Participants: [2]string{parts[0], parts[1]}}
		}
	}
	return ConversationRef{ID: id, Kind: ChannelConversation}
}

// Includes reports whether identity may see the conversation. Channels
// are visible to every member.
func (r ConversationRef) Includes(identity string) bool {
	if r.Kind != DirectConversation {
		return true
	}
	return identity != "" && (r.Participants[0] == identity || r.Participants[1] == identity)
}

// ============================================================================
// Presence & typing
// ============================================================================

// PresencePayload is what a client tracks on the membership channel.
type PresencePayload struct {
	Identity     string    `json:"identity"`
	Name         string    `json:"name,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// PresenceRecord is one identity's entry in the membership map.
type PresenceRecord struct {
	Identity     string    `json:"identity"`
	Name         string    `json:"name,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// TypingPayload is broadcast on a conversation's typing channel.
type TypingPayload struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

const (
	EventTypingStart = "typing.start"
	EventTypingStop  = "typing.stop"
)

// ============================================================================
// Feed events
// ============================================================================

// FeedEventType is the kind of change-feed notification.
type FeedEventType string

const (
	FeedInsert FeedEventType = "insert"
	FeedUpdate FeedEventType = "update"
)

// FeedEvent is one change-feed notification, already decoded.
type FeedEvent struct {
	Type    FeedEventType
	Table   string
	Message Message
	// Patch is set for updates.
	Patch MessagePatch
}

// FeedFilter scopes a subscription. An empty ConversationID matches all
// conversations.
type FeedFilter struct {
	Table          string
	ConversationID string
}

func (f FeedFilter) matches(table, conversationID string) bool {
	if f.Table != "" && f.Table != table {
		return false
	}
	return f.ConversationID == "" || f.ConversationID == conversationID
}

// decodeFeedEvent turns a raw record into a FeedEvent.
func decodeFeedEvent(typ FeedEventType, table string, record json.RawMessage) (FeedEvent, error) {
	ev := FeedEvent{Type: typ, Table: table}
	if err := json.Unmarshal(record, &ev.Message); err != nil {
		return ev, fmt.Errorf("decode %s record: %w", typ, err)
	}
	if typ == FeedUpdate {
		patch, err := DecodePatch(record)
		if err != nil {
			return ev, fmt.Errorf("decode update patch: %w", err)
		}
		ev.Patch = patch
	}
	return ev, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
