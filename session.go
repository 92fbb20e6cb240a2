package crewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MessagingView is the ActiveView value of the messaging surface.
const MessagingView = "messages"

// ViewState is what the host application tells the engine about the UI:
// window focus, the active top-level view and the open conversation.
type ViewState struct {
	mu               sync.RWMutex
	focused          bool
	activeView       string
	openConversation string
	onFocus          func()
}

func (v *ViewState) Focused() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.focused
}

func (v *ViewState) ActiveView() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeView
}

func (v *ViewState) OpenConversation() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.openConversation
}

// SetFocused records window focus. Focusing calls the host's focus hook.
func (v *ViewState) SetFocused(focused bool) {
	v.mu.Lock()
	v.focused = focused
	fn := v.onFocus
	v.mu.Unlock()
	if focused && fn != nil {
		fn()
	}
}

func (v *ViewState) SetActiveView(view string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.activeView = view
}

func (v *ViewState) setOpenConversation(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openConversation = id
}

// ============================================================================
// Session
// ============================================================================

// Options configures a Session.
type Options struct {
	Identity  Identity
	Records   RecordStore
	Feed      ChangeFeed
	Channels  ChannelProvider
	Blobs     BlobStore
	Preloader Preloader
	Notifier  NotificationSink

	// Indicators receives the unread counter; a silent one is used if nil.
	Indicators *Indicators
	// OnFocus is asked to raise the application window.
	OnFocus func()

	Logger  *slog.Logger
	Metrics *Metrics

	HeartbeatInterval time.Duration
	MatchWindow       time.Duration
	TypingTimeout     time.Duration
	NotificationTTL   time.Duration
}

func (o *Options) defaults() error {
	if o.Identity.ID == "" {
		return errors.New("crewsync: identity is required")
	}
	if o.Records == nil {
		return errors.New("crewsync: record store is required")
	}
	if o.Feed == nil {
		return errors.New("crewsync: change feed is required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	if o.Indicators == nil {
		o.Indicators = &Indicators{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = DefaultMatchWindow
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.NotificationTTL <= 0 {
		o.NotificationTTL = DefaultNotificationTTL
	}
	return nil
}

// Session is the shared context of one signed-in user. It owns the
// session-wide trackers (presence, unread dispatcher, indicators) and at
// most one open Conversation.
type Session struct {
	opts   Options
	logger *slog.Logger

	view       *ViewState
	presence   *PresenceTracker
	dispatcher *Dispatcher

	mu      sync.Mutex
	started bool
	current *Conversation
}

// NewSession validates opts and builds the session. Nothing connects until
// Start.
func NewSession(opts Options) (*Session, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	logger := opts.Logger.With("identity", opts.Identity.ID)
	view := &ViewState{onFocus: opts.OnFocus}
	s := &Session{
		opts:   opts,
		logger: logger,
		view:   view,
		dispatcher: newDispatcher(opts.Identity, opts.Records, view, opts.Notifier, opts.Indicators,
			opts.NotificationTTL, logger, opts.Metrics),
	}
	if opts.Channels != nil {
		s.presence = newPresenceTracker(opts.Identity, opts.Channels, opts.HeartbeatInterval, logger, opts.Metrics)
	}
	return s, nil
}

// Start brings up presence and the cross-conversation dispatcher. It is
// safe to call more than once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.dispatcher.Start(ctx, s.opts.Feed); err != nil {
		return err
	}
	if s.presence != nil {
		if err := s.presence.Start(ctx); err != nil {
			_ = s.dispatcher.Close()
			return err
		}
	}
	s.started = true
	s.logger.Info("session started")
	return nil
}

// Open makes conversationID the open conversation, closing the previous
// one first. Session-wide trackers are untouched.
func (s *Session) Open(ctx context.Context, conversationID string) (*Conversation, error) {
	if !ParseConversationID(conversationID).Includes(s.opts.Identity.ID) {
		return nil, fmt.Errorf("open %s: %w", conversationID, ErrPermissionDenied)
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			s.logger.Warn("previous conversation did not close cleanly", "conversation", prev.ID, "err", err)
		}
	}

	c, err := openConversation(ctx, s, conversationID)
	if err != nil {
		s.view.setOpenConversation("")
		return nil, err
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	s.view.setOpenConversation(conversationID)
	return c, nil
}

// Switch is Open under the name the UI uses for changing conversations.
func (s *Session) Switch(ctx context.Context, conversationID string) (*Conversation, error) {
	return s.Open(ctx, conversationID)
}

// Current returns the open conversation, or nil.
func (s *Session) Current() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// View returns the UI state holder.
func (s *Session) View() *ViewState { return s.view }

// SetFocused records window focus.
func (s *Session) SetFocused(focused bool) { s.view.SetFocused(focused) }

// SetActiveView records the active top-level view.
func (s *Session) SetActiveView(view string) { s.view.SetActiveView(view) }

// Focus raises the application.
func (s *Session) Focus() { s.view.SetFocused(true) }

// Presence returns the presence tracker, nil without a channel provider.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Dispatcher returns the unread and notification dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// Indicators returns the unread counter.
func (s *Session) Indicators() *Indicators { return s.opts.Indicators }

// Metrics returns the session's metrics.
func (s *Session) Metrics() *Metrics { return s.opts.Metrics }

// Identity returns the local identity.
func (s *Session) Identity() Identity { return s.opts.Identity }

// MarkRead clears conversationID's unread state.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	return s.dispatcher.MarkRead(ctx, conversationID)
}

// Close tears everything down: the open conversation, presence (withdrawn
// explicitly), the dispatcher and the indicators.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	started := s.started
	s.started = false
	s.mu.Unlock()

	var errs []error
	if cur != nil {
		errs = append(errs, cur.Close(ctx))
	}
	s.view.setOpenConversation("")
	if started {
		if s.presence != nil {
			errs = append(errs, s.presence.Stop(ctx))
		}
		errs = append(errs, s.dispatcher.Close())
	}
	s.opts.Indicators.Reset()
	s.logger.Info("session closed")
	return errors.Join(errs...)
}
