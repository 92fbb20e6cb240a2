package crewsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/muesli/reflow/truncate"
)

const (
	// DefaultNotificationTTL is how long a shown notification stays up.
	DefaultNotificationTTL = 5 * time.Second
	notificationBodyWidth  = 120
	// seenCapacity bounds how many recent insert IDs are remembered for
	// dropping feed redeliveries.
	seenCapacity = 1024
)

// Decision is what the dispatcher did with one inserted message.
type Decision string

const (
	DecisionDuplicate  Decision = "duplicate"
	DecisionReply      Decision = "reply"
	DecisionOwn        Decision = "own"
	DecisionIneligible Decision = "ineligible"
	DecisionWatching   Decision = "watching"
	DecisionSuppressed Decision = "suppressed"
	DecisionDenied     Decision = "denied"
	DecisionFailed     Decision = "failed"
	DecisionNotified   Decision = "notified"
)

// Dispatcher watches inserts across every conversation and turns the ones
// meant for the local identity into unread marks and notifications.
type Dispatcher struct {
	identity   Identity
	records    RecordStore
	view       *ViewState
	sink       NotificationSink
	indicators *Indicators
	logger     *slog.Logger
	metrics    *Metrics
	ttl        time.Duration

	mu        sync.Mutex
	unread    map[string]bool
	seen      map[string]struct{}
	seenOrder []string
	sub       Subscription
	timers    map[string]*time.Timer
	onOpen    func(conversationID string)
	listeners []func(conversationID string, unread bool)
}

func newDispatcher(ident Identity, records RecordStore, view *ViewState, sink NotificationSink, indicators *Indicators,
	ttl time.Duration, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &Dispatcher{
		identity:   ident,
		records:    records,
		view:       view,
		sink:       sink,
		indicators: indicators,
		logger:     logger,
		metrics:    metrics,
		ttl:        ttl,
		unread:     make(map[string]bool),
		seen:       make(map[string]struct{}),
		timers:     make(map[string]*time.Timer),
	}
}

// Start subscribes to inserts in all conversations.
func (d *Dispatcher) Start(ctx context.Context, feed ChangeFeed) error {
	sub, err := feed.Subscribe(ctx, FeedFilter{Table: MessagesTable}, func(ev FeedEvent) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatcher handler panicked", "panic", r)
			}
		}()
		if ev.Type == FeedInsert {
			d.HandleInsert(context.Background(), ev.Message)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to all conversations: %w", err)
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// OnOpen sets the callback invoked with the conversation ID when a
// notification is clicked.
func (d *Dispatcher) OnOpen(fn func(conversationID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = fn
}

// OnUnreadChange registers fn to be called when a conversation's unread
// flag changes.
func (d *Dispatcher) OnUnreadChange(fn func(conversationID string, unread bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// HandleInsert applies the unread and notification rules to one message.
// A message ID already handled is reported as a duplicate and has no effect.
func (d *Dispatcher) HandleInsert(ctx context.Context, msg Message) Decision {
	if !d.markSeen(msg.ID) {
		d.metrics.notification(DecisionDuplicate)
		return DecisionDuplicate
	}
	decision := d.decide(ctx, msg)
	d.metrics.notification(decision)
	return decision
}

// markSeen records id and reports whether it was new. The oldest IDs are
// forgotten once seenCapacity is reached.
func (d *Dispatcher) markSeen(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.seenOrder) >= seenCapacity {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	d.seen[id] = struct{}{}
	d.seenOrder = append(d.seenOrder, id)
	return true
}

func (d *Dispatcher) decide(ctx context.Context, msg Message) Decision {
	if msg.IsReply() {
		return DecisionReply
	}
	if msg.AuthorID == d.identity.ID {
		return DecisionOwn
	}
	if !ParseConversationID(msg.ConversationID).Includes(d.identity.ID) {
		return DecisionIneligible
	}
	if msg.ConversationID == d.view.OpenConversation() && !msg.Mentioned(d.identity.ID) {
		return DecisionWatching
	}

	d.setUnread(msg.ConversationID, true)

	if d.view.Focused() && d.view.ActiveView() == MessagingView {
		return DecisionSuppressed
	}
	if d.sink == nil || d.sink.Permission() != PermissionGranted {
		return DecisionDenied
	}

	n := d.notificationFor(msg)
	if err := d.sink.Show(ctx, n); err != nil {
		d.logger.Warn("notification not shown", "conversation", msg.ConversationID, "message", msg.ID, "err", err)
		return DecisionFailed
	}
	d.indicators.Bump()
	d.scheduleDismiss(n.Tag)
	return DecisionNotified
}

func (d *Dispatcher) notificationFor(msg Message) Notification {
	title := msg.AuthorName
	if title == "" {
		title = msg.AuthorID
	}
	if ref := ParseConversationID(msg.ConversationID); ref.Kind == ChannelConversation {
		title = title + " in #" + ref.ID
	}
	body := msg.Text
	if body == "" && len(msg.Attachments) > 0 {
		body = "sent an attachment"
	}
	conversationID := msg.ConversationID
	return Notification{
		Title:   title,
		Body:    truncate.StringWithTail(body, notificationBodyWidth, "…"),
		Icon:    msg.AuthorAvatar,
		Tag:     conversationID,
		OnClick: func() { d.click(conversationID) },
	}
}

func (d *Dispatcher) click(conversationID string) {
	d.view.SetFocused(true)
	d.mu.Lock()
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

func (d *Dispatcher) scheduleDismiss(tag string) {
	closer, ok := d.sink.(NotificationCloser)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[tag]; ok {
		t.Stop()
	}
	d.timers[tag] = time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		delete(d.timers, tag)
		d.mu.Unlock()
		if err := closer.Close(tag); err != nil {
			d.logger.Debug("notification dismiss failed", "tag", tag, "err", err)
		}
	})
}

// ── unread state ─────────────────────────────────────────

func (d *Dispatcher) setUnread(conversationID string, unread bool) {
	d.mu.Lock()
	if d.unread[conversationID] == unread {
		d.mu.Unlock()
		return
	}
	if unread {
		d.unread[conversationID] = true
	} else {
		delete(d.unread, conversationID)
	}
	listeners := append([]func(string, bool){}, d.listeners...)
	d.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("unread listener panicked", "panic", r)
				}
			}()
			fn(conversationID, unread)
		}()
	}
}

// Unread reports whether conversationID is marked unread.
func (d *Dispatcher) Unread(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread[conversationID]
}

// UnreadConversations lists the unread conversations, sorted.
func (d *Dispatcher) UnreadConversations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.unread))
	for id := range d.unread {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkRead clears conversationID's unread flag, resets the indicators and
// records the read time in the store.
func (d *Dispatcher) MarkRead(ctx context.Context, conversationID string) error {
	d.setUnread(conversationID, false)
	d.indicators.Reset()
	if err := d.records.MarkRead(ctx, conversationID, d.identity.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return nil
}

// ComputeUnread derives the initial unread flag of each conversation from
// the last-read table. Conversations the local identity cannot see are
// skipped.
func (d *Dispatcher) ComputeUnread(ctx context.Context, conversationIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		if !ParseConversationID(id).Includes(d.identity.ID) {
			continue
		}
		latest, err := d.records.LatestMessageAt(ctx, id)
		if err != nil {
			return out, fmt.Errorf("latest message of %s: %w", id, err)
		}
		read, err := d.records.LastReadAt(ctx, id, d.identity.ID)
		if err != nil {
			return out, fmt.Errorf("last read of %s: %w", id, err)
		}
		unread := !latest.IsZero() && latest.After(read)
		out[id] = unread
		d.setUnread(id, unread)
	}
	return out, nil
}

// Close ends the subscription, cancels pending dismissals and forgets the
// insert IDs seen so far.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	for tag, t := range d.timers {
		t.Stop()
		delete(d.timers, tag)
	}
	d.unread = make(map[string]bool)
	d.seen = make(map[string]struct{})
	d.seenOrder = nil
	d.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}
