package crewsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTypingTimeout expires a remote typer after this much silence.
	DefaultTypingTimeout = 3 * time.Second
	// typingBroadcastEvery limits how often typing.start is re-sent.
	typingBroadcastEvery = 2 * time.Second
)

// TypingChannelName is the ephemeral channel carrying typing signals for a
// conversation.
func TypingChannelName(conversationID string) string { return "typing:" + conversationID }

// Typer is one remote identity currently typing.
type Typer struct {
	Identity string
	Name     string
	ThreadID string
}

type typerKey struct{ identity, thread string }

type typerEntry struct {
	typer Typer
	timer *time.Timer
}

// TypingTracker sends and receives unpersisted typing signals for one
// conversation.
type TypingTracker struct {
	identity       Identity
	conversationID string
	channels       ChannelProvider
	timeout        time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	ch        Channel
	limiters  map[string]*rate.Limiter
	typers    map[typerKey]*typerEntry
	listeners []func()
	closed    bool
}

func newTypingTracker(ident Identity, conversationID string, channels ChannelProvider, timeout time.Duration, logger *slog.Logger) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		identity:       ident,
		conversationID: conversationID,
		channels:       channels,
		timeout:        timeout,
		logger:         logger,
		limiters:       make(map[string]*rate.Limiter),
		typers:         make(map[typerKey]*typerEntry),
	}
}

// Join subscribes to the conversation's typing channel.
func (t *TypingTracker) Join(ctx context.Context) error {
	ch, err := t.channels.Join(ctx, TypingChannelName(t.conversationID), ChannelHandlers{OnBroadcast: t.handleBroadcast})
	if err != nil {
		return fmt.Errorf("join typing channel: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ch.Leave(ctx)
	}
	t.ch = ch
	t.mu.Unlock()
	return nil
}

// Start tells the others the local identity is typing. Repeated calls within
// the broadcast interval are absorbed.
func (t *TypingTracker) Start(ctx context.Context, threadID string) error {
	t.mu.Lock()
	ch := t.ch
	lim, ok := t.limiters[threadID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(typingBroadcastEvery), 1)
		t.limiters[threadID] = lim
	}
	t.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	if !lim.Allow() {
		return nil
	}
	return t.broadcast(ctx, ch, EventTypingStart, threadID)
}

// Stop tells the others the local identity stopped typing.
func (t *TypingTracker) Stop(ctx context.Context, threadID string) error {
	t.mu.Lock()
	ch := t.ch
	delete(t.limiters, threadID)
	t.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return t.broadcast(ctx, ch, EventTypingStop, threadID)
}

func (t *TypingTracker) broadcast(ctx context.Context, ch Channel, event, threadID string) error {
	data, err := json.Marshal(TypingPayload{Identity: t.identity.ID, Name: t.identity.Name, ThreadID: threadID})
	if err != nil {
		return err
	}
	if err := ch.Broadcast(ctx, event, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

func (t *TypingTracker) handleBroadcast(event string, payload []byte) {
	if event != EventTypingStart && event != EventTypingStop {
		return
	}
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Debug("bad typing payload", "err", err)
		return
	}
	if p.Identity == "" || p.Identity == t.identity.ID {
		return
	}
	key := typerKey{p.Identity, p.ThreadID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	entry, exists := t.typers[key]
	switch event {
	case EventTypingStart:
		if exists {
			entry.typer.Name = p.Name
			entry.timer.Reset(t.timeout)
		} else {
			e := &typerEntry{typer: Typer{Identity: p.Identity, Name: p.Name, ThreadID: p.ThreadID}}
			e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, e) })
			t.typers[key] = e
		}
	case EventTypingStop:
		if !exists {
			t.mu.Unlock()
			return
		}
		entry.timer.Stop()
		delete(t.typers, key)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *TypingTracker) expire(key typerKey, entry *typerEntry) {
	t.mu.Lock()
	if cur, ok := t.typers[key]; !ok || cur != entry {
		t.mu.Unlock()
		return
	}
	delete(t.typers, key)
	t.mu.Unlock()
	t.notify()
}

// Typers returns who is typing in threadID ("" for the conversation
// itself), sorted by name.
func (t *TypingTracker) Typers(threadID string) []Typer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Typer
	for k, e := range t.typers {
		if k.thread == threadID {
			out = append(out, e.typer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// OnChange registers fn to be called whenever the set of typers changes.
func (t *TypingTracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *TypingTracker) notify() {
	t.mu.Lock()
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("typing listener panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// Close leaves the channel and drops every remote typer.
func (t *TypingTracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ch := t.ch
	t.ch = nil
	for k, e := range t.typers {
		e.timer.Stop()
		delete(t.typers, k)
	}
	t.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Leave(ctx)
}
