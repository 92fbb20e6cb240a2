package crewsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ReplyAvatarLimit is how many distinct repliers a parent shows.
const ReplyAvatarLimit = 3

// ThreadView is an open thread: its parent and replies ascending by time.
type ThreadView struct {
	Parent  Message
	Replies []Message
}

func (v ThreadView) clone() ThreadView {
	out := ThreadView{Parent: v.Parent.Clone()}
	if len(v.Replies) > 0 {
		out.Replies = make([]Message, len(v.Replies))
		for i, r := range v.Replies {
			out.Replies[i] = r.Clone()
		}
	}
	return out
}

// ThreadAggregator keeps parent thread metadata current and holds the one
// open thread, if any.
type ThreadAggregator struct {
	identity       Identity
	conversationID string
	records        RecordStore
	store          *MessageStore
	logger         *slog.Logger

	mu        sync.Mutex
	view      *ThreadView
	listeners []func(ThreadView, bool)
}

func newThreadAggregator(ident Identity, conversationID string, records RecordStore, store *MessageStore, logger *slog.Logger) *ThreadAggregator {
	return &ThreadAggregator{
		identity:       ident,
		conversationID: conversationID,
		records:        records,
		store:          store,
		logger:         logger,
	}
}

// OnChange registers fn to receive the open view after every change. The
// bool is false once the thread closes.
func (t *ThreadAggregator) OnChange(fn func(ThreadView, bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// RecomputeMetadata refetches the replies of parentID and writes the count,
// latest reply time and reply avatars onto the parent wherever it lives.
func (t *ThreadAggregator) RecomputeMetadata(ctx context.Context, parentID string) error {
	replies, err := t.records.Query(ctx, MessageQuery{ConversationID: t.conversationID, ParentID: parentID})
	if err != nil {
		return fmt.Errorf("recompute thread %s: %w", parentID, err)
	}
	count, last, avatars := summarizeReplies(replies, ReplyAvatarLimit)
	patch := MessagePatch{ID: parentID, ReplyCount: &count, ReplyAvatars: &avatars}
	if last != nil {
		patch.LastReplyAt = last
	}

	t.store.ApplyUpdate(patch)
	t.update(parentID, patch.Apply)
	return nil
}

// summarizeReplies computes thread metadata. Avatars are distinct authors,
// most recent first; an author without an avatar contributes their ID.
func summarizeReplies(replies []Message, limit int) (int, *time.Time, []string) {
	if len(replies) == 0 {
		return 0, nil, []string{}
	}
	sorted := append([]Message(nil), replies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	last := sorted[0].CreatedAt
	seen := make(map[string]struct{})
	avatars := make([]string, 0, limit)
	for _, r := range sorted {
		if len(avatars) == limit {
			break
		}
		if _, ok := seen[r.AuthorID]; ok {
			continue
		}
		seen[r.AuthorID] = struct{}{}
		if r.AuthorAvatar != "" {
			avatars = append(avatars, r.AuthorAvatar)
		} else {
			avatars = append(avatars, r.AuthorID)
		}
	}
	return len(replies), &last, avatars
}

// OpenThread opens parentID's thread, replacing any open one.
func (t *ThreadAggregator) OpenThread(ctx context.Context, parentID string) (ThreadView, error) {
	parent, ok := t.store.Get(parentID)
	if !ok {
		var err error
		parent, err = t.records.Get(ctx, parentID)
		if err != nil {
			return ThreadView{}, fmt.Errorf("open thread %s: %w", parentID, err)
		}
	}
	replies, err := t.fetchReplies(ctx, parentID)
	if err != nil {
		return ThreadView{}, err
	}

	view := ThreadView{Parent: parent, Replies: replies}
	t.mu.Lock()
	t.view = &view
	out := view.clone()
	t.mu.Unlock()

	t.notify(out, true)
	return out, nil
}

// CloseThread closes the open thread.
func (t *ThreadAggregator) CloseThread() {
	t.mu.Lock()
	if t.view == nil {
		t.mu.Unlock()
		return
	}
	t.view = nil
	t.mu.Unlock()
	t.notify(ThreadView{}, false)
}

// View returns the open thread.
func (t *ThreadAggregator) View() (ThreadView, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.view == nil {
		return ThreadView{}, false
	}
	return t.view.clone(), true
}

// SendReply writes a reply to parentID and refreshes the parent's metadata.
func (t *ThreadAggregator) SendReply(ctx context.Context, parentID, text string) (Message, error) {
	return t.insertReply(ctx, parentID, text, nil, nil)
}

func (t *ThreadAggregator) insertReply(ctx context.Context, parentID, text string, attachments, mentions []string) (Message, error) {
	reply, err := t.records.Insert(ctx, NewMessage{
		ConversationID: t.conversationID,
		AuthorID:       t.identity.ID,
		AuthorName:     t.identity.Name,
		AuthorAvatar:   t.identity.Avatar,
		Text:           text,
		Attachments:    attachments,
		ParentID:       parentID,
		Mentions:       mentions,
	})
	if err != nil {
		return Message{}, fmt.Errorf("reply to %s: %w: %v", parentID, ErrWriteFailed, err)
	}
	t.addReply(reply)
	if err := t.RecomputeMetadata(ctx, parentID); err != nil {
		t.logger.Warn("thread metadata not refreshed", "conversation", t.conversationID, "message", parentID, "err", err)
	}
	return reply, nil
}

// HandleReply takes a reply seen on the change feed: the open thread is
// refreshed when it is the reply's thread, and the parent metadata is
// recomputed.
func (t *ThreadAggregator) HandleReply(ctx context.Context, reply Message) error {
	t.mu.Lock()
	open := t.view != nil && t.view.Parent.ID == reply.ParentID
	t.mu.Unlock()

	if open {
		if err := t.Refresh(ctx); err != nil {
			t.logger.Warn("thread refresh failed", "conversation", t.conversationID, "message", reply.ParentID, "err", err)
			t.addReply(reply)
		}
	}
	return t.RecomputeMetadata(ctx, reply.ParentID)
}

// Refresh refetches the replies of the open thread.
func (t *ThreadAggregator) Refresh(ctx context.Context) error {
	t.mu.Lock()
	if t.view == nil {
		t.mu.Unlock()
		return nil
	}
	parentID := t.view.Parent.ID
	t.mu.Unlock()

	replies, err := t.fetchReplies(ctx, parentID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.view == nil || t.view.Parent.ID != parentID {
		t.mu.Unlock()
		return nil
	}
	t.view.Replies = replies
	out := t.view.clone()
	t.mu.Unlock()

	t.notify(out, true)
	return nil
}

func (t *ThreadAggregator) fetchReplies(ctx context.Context, parentID string) ([]Message, error) {
	replies, err := t.records.Query(ctx, MessageQuery{ConversationID: t.conversationID, ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("fetch replies of %s: %w", parentID, err)
	}
	out := make([]Message, 0, len(replies))
	for _, r := range replies {
		if r.ID == parentID {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// addReply appends reply to the open view if it belongs there and is new.
func (t *ThreadAggregator) addReply(reply Message) {
	t.mu.Lock()
	if t.view == nil || t.view.Parent.ID != reply.ParentID {
		t.mu.Unlock()
		return
	}
	for _, r := range t.view.Replies {
		if r.ID == reply.ID {
			t.mu.Unlock()
			return
		}
	}
	t.view.Replies = append(t.view.Replies, reply.Clone())
	sort.SliceStable(t.view.Replies, func(i, j int) bool { return t.view.Replies[i].CreatedAt.Before(t.view.Replies[j].CreatedAt) })
	out := t.view.clone()
	t.mu.Unlock()

	t.notify(out, true)
}

// ApplyPatch merges patch into the open thread's parent or reply.
func (t *ThreadAggregator) ApplyPatch(patch MessagePatch) bool {
	return t.update(patch.ID, patch.Apply)
}

// update runs fn on the open thread's parent or reply with id.
func (t *ThreadAggregator) update(id string, fn func(m *Message)) bool {
	t.mu.Lock()
	if t.view == nil {
		t.mu.Unlock()
		return false
	}
	var target *Message
	if t.view.Parent.ID == id {
		target = &t.view.Parent
	} else {
		for i := range t.view.Replies {
			if t.view.Replies[i].ID == id {
				target = &t.view.Replies[i]
				break
			}
		}
	}
	if target == nil {
		t.mu.Unlock()
		return false
	}
	fn(target)
	out := t.view.clone()
	t.mu.Unlock()

	t.notify(out, true)
	return true
}

func (t *ThreadAggregator) notify(v ThreadView, open bool) {
	t.mu.Lock()
	listeners := append([]func(ThreadView, bool){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("thread listener panicked", "panic", r)
				}
			}()
			fn(v, open)
		}()
	}
}
