package crewsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PresenceChannel is the shared membership channel name.
const PresenceChannel = "presence"

// DefaultHeartbeatInterval is how often presence is re-announced.
const DefaultHeartbeatInterval = 25 * time.Second

// PresenceState is the local client's membership state.
type PresenceState string

const (
	PresenceDisconnected PresenceState = "disconnected"
	PresenceJoining      PresenceState = "joining"
	PresenceOnline       PresenceState = "online"
)

// PresenceTracker announces the local identity on the membership channel
// and keeps the map of everyone else's presence.
type PresenceTracker struct {
	identity Identity
	channels ChannelProvider
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu        sync.Mutex
	state     PresenceState
	channel   Channel
	members   map[string]PresenceRecord
	stop      context.CancelFunc
	done      chan struct{}
	listeners []func(map[string]PresenceRecord)
}

func newPresenceTracker(ident Identity, channels ChannelProvider, interval time.Duration, logger *slog.Logger, metrics *Metrics) *PresenceTracker {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &PresenceTracker{
		identity: ident,
		channels: channels,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		state:    PresenceDisconnected,
		members:  make(map[string]PresenceRecord),
	}
}

// State returns the current state.
func (p *PresenceTracker) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start joins the membership channel, announces immediately and keeps
// re-announcing until Stop. Calling Start while joined is a no-op.
func (p *PresenceTracker) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PresenceDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = PresenceJoining
	p.mu.Unlock()

	ch, err := p.channels.Join(ctx, PresenceChannel, ChannelHandlers{
		OnSync:  p.handleSync,
		OnJoin:  p.handleJoin,
		OnLeave: p.handleLeave,
	})
	if err != nil {
		p.mu.Lock()
		p.state = PresenceDisconnected
		p.mu.Unlock()
		return fmt.Errorf("join presence: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.channel = ch
	p.state = PresenceOnline
	p.stop = cancel
	p.done = done
	p.mu.Unlock()

	p.announce(ctx, ch)
	go p.heartbeatLoop(hbCtx, ch, done)
	p.logger.Info("presence online", "identity", p.identity.ID)
	return nil
}

func (p *PresenceTracker) heartbeatLoop(ctx context.Context, ch Channel, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.announce(ctx, ch)
		}
	}
}

func (p *PresenceTracker) announce(ctx context.Context, ch Channel) {
	err := ch.Track(ctx, PresencePayload{
		Identity:     p.identity.ID,
		Name:         p.identity.Name,
		Avatar:       p.identity.Avatar,
		Online:       true,
		LastActiveAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("presence announce failed", "identity", p.identity.ID, "err", err)
		return
	}
	p.metrics.Heartbeats.Inc()
}

// Stop withdraws membership explicitly instead of waiting for the provider
// to expire it.
func (p *PresenceTracker) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PresenceOnline {
		p.state = PresenceDisconnected
		p.mu.Unlock()
		return nil
	}
	ch, stop, done := p.channel, p.stop, p.done
	p.channel, p.stop, p.done = nil, nil, nil
	p.state = PresenceDisconnected
	p.members = make(map[string]PresenceRecord)
	p.mu.Unlock()

	stop()
	<-done

	var firstErr error
	if err := ch.Untrack(ctx); err != nil {
		firstErr = fmt.Errorf("untrack presence: %w", err)
	}
	if err := ch.Leave(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("leave presence: %w", err)
	}
	p.logger.Info("presence withdrawn", "identity", p.identity.ID)
	p.notify(nil)
	return firstErr
}

// ── channel events ───────────────────────────────────────

// handleSync rebuilds the whole map. When an identity has several tracked
// payloads the most recent announcement wins.
func (p *PresenceTracker) handleSync(state map[string][]PresencePayload) {
	members := make(map[string]PresenceRecord, len(state))
	for key, payloads := range state {
		for _, pl := range payloads {
			id := pl.Identity
			if id == "" {
				id = key
			}
			cur, ok := members[id]
			if ok && !pl.LastActiveAt.After(cur.LastActiveAt) {
				continue
			}
			members[id] = recordFromPayload(id, pl)
		}
	}
	p.mu.Lock()
	if p.state == PresenceDisconnected {
		p.mu.Unlock()
		return
	}
	p.members = members
	snap := copyMembers(members)
	p.mu.Unlock()
	p.notify(snap)
}

func (p *PresenceTracker) handleJoin(pl PresencePayload) {
	if pl.Identity == "" {
		return
	}
	p.mu.Lock()
	if p.state == PresenceDisconnected {
		p.mu.Unlock()
		return
	}
	cur, ok := p.members[pl.Identity]
	if ok && cur.Online && cur.LastActiveAt.After(pl.LastActiveAt) {
		p.mu.Unlock()
		return
	}
	p.members[pl.Identity] = recordFromPayload(pl.Identity, pl)
	snap := copyMembers(p.members)
	p.mu.Unlock()
	p.notify(snap)
}

func (p *PresenceTracker) handleLeave(pl PresencePayload) {
	if pl.Identity == "" {
		return
	}
	p.mu.Lock()
	cur, ok := p.members[pl.Identity]
	if !ok || p.state == PresenceDisconnected {
		p.mu.Unlock()
		return
	}
	cur.Online = false
	p.members[pl.Identity] = cur
	snap := copyMembers(p.members)
	p.mu.Unlock()
	p.notify(snap)
}

func recordFromPayload(id string, pl PresencePayload) PresenceRecord {
	return PresenceRecord{
		Identity:     id,
		Name:         pl.Name,
		Avatar:       pl.Avatar,
		Online:       pl.Online,
		LastActiveAt: pl.LastActiveAt,
	}
}

// ── queries ──────────────────────────────────────────────

// Snapshot returns a copy of the membership map.
func (p *PresenceTracker) Snapshot() map[string]PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyMembers(p.members)
}

// Online reports whether identity is currently announced.
func (p *PresenceTracker) Online(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.members[identity]
	return ok && r.Online
}

// Members returns the records sorted by most recent activity.
func (p *PresenceTracker) Members() []PresenceRecord {
	snap := p.Snapshot()
	out := make([]PresenceRecord, 0, len(snap))
	for _, r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// OnChange registers fn to receive the map after every change.
func (p *PresenceTracker) OnChange(fn func(map[string]PresenceRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *PresenceTracker) notify(snap map[string]PresenceRecord) {
	p.mu.Lock()
	listeners := append([]func(map[string]PresenceRecord){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("presence listener panicked", "panic", r)
				}
			}()
			fn(snap)
		}()
	}
}

func copyMembers(m map[string]PresenceRecord) map[string]PresenceRecord {
	out := make(map[string]PresenceRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
