package crewsync

import (
	"context"
	"time"
)

// ============================================================================
// Boundary interfaces
// ============================================================================

// RecordStore is the durable message store. The engine never owns it.
type RecordStore interface {
	Insert(ctx context.Context, msg NewMessage) (Message, error)
	// Query returns messages ascending by CreatedAt.
	Query(ctx context.Context, q MessageQuery) ([]Message, error)
	Get(ctx context.Context, id string) (Message, error)
	Update(ctx context.Context, id string, patch MessagePatch) error
	// ToggleReaction flips actor's use of emoji on message id atomically and
	// returns the stored list. Concurrent toggles by different actors must
	// all survive.
	ToggleReaction(ctx context.Context, id, emoji, actor string) ([]Reaction, error)

	// Last-read table keyed by (conversation, identity).
	LastReadAt(ctx context.Context, conversationID, identity string) (time.Time, error)
	MarkRead(ctx context.Context, conversationID, identity string, at time.Time) error
	LatestMessageAt(ctx context.Context, conversationID string) (time.Time, error)
}

// ChangeFeed delivers insert/update notifications with at-least-once
// semantics. Handlers may be called from any goroutine.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error)
}

// Subscription is a live change-feed subscription.
type Subscription interface {
	Close() error
}

// ChannelHandlers receives events from an ephemeral channel. Any field may
// be nil.
type ChannelHandlers struct {
	// OnSync delivers the full presence state: identity -> tracked payloads.
	OnSync      func(state map[string][]PresencePayload)
	OnJoin      func(p PresencePayload)
	OnLeave     func(p PresencePayload)
	OnBroadcast func(event string, payload []byte)
}

// Channel is one joined ephemeral channel.
type Channel interface {
	Track(ctx context.Context, p PresencePayload) error
	Untrack(ctx context.Context) error
	Broadcast(ctx context.Context, event string, payload []byte) error
	Leave(ctx context.Context) error
}

// ChannelProvider joins named ephemeral channels.
type ChannelProvider interface {
	Join(ctx context.Context, name string, h ChannelHandlers) (Channel, error)
}

// BlobStore stores uploaded attachments and returns their durable URL.
type BlobStore interface {
	Upload(ctx context.Context, u Upload) (string, error)
}

// Preloader fetches an attachment so it is cached before display.
type Preloader interface {
	Preload(ctx context.Context, url string) error
}

// Permission is the desktop notification permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notification is one desktop notification.
type Notification struct {
	Title string
	Body  string
	Icon  string
	Tag   string
	// OnClick is invoked by the sink when the user clicks the notification.
	OnClick func()
}

// NotificationSink shows desktop notifications.
type NotificationSink interface {
	Permission() Permission
	Show(ctx context.Context, n Notification) error
}

// NotificationCloser is implemented by sinks that can dismiss a shown
// notification by tag.
type NotificationCloser interface {
	Close(tag string) error
}
