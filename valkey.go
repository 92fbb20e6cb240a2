package crewsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// ============================================================================
// ValkeyChannels
// ============================================================================

// DefaultPresenceStaleness is how long a tracked payload survives without
// being re-announced.
const DefaultPresenceStaleness = 60 * time.Second

const valkeyPrefix = "crewsync:"

type valkeyEnvelope struct {
	Kind     string           `json:"kind"` // join | leave | broadcast
	Ref      string           `json:"ref"`
	Event    string           `json:"event,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	Presence *PresencePayload `json:"presence,omitempty"`
}

// ValkeyChannels is a ChannelProvider on Valkey. Tracked payloads live in
// keys that expire after the staleness window; join, leave and broadcast
// events travel over pub/sub.
type ValkeyChannels struct {
	client    valkey.Client
	staleness time.Duration
	logger    *slog.Logger
	owned     bool
}

// DialValkeyChannels connects to addr.
func DialValkeyChannels(addr string, staleness time.Duration, logger *slog.Logger) (*ValkeyChannels, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", addr, err)
	}
	v := NewValkeyChannels(client, staleness, logger)
	v.owned = true
	return v, nil
}

// NewValkeyChannels wraps an existing client.
func NewValkeyChannels(client valkey.Client, staleness time.Duration, logger *slog.Logger) *ValkeyChannels {
	if staleness <= 0 {
		staleness = DefaultPresenceStaleness
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValkeyChannels{client: client, staleness: staleness, logger: logger}
}

// Close closes the client if this provider dialed it.
func (v *ValkeyChannels) Close() {
	if v.owned {
		v.client.Close()
	}
}

func (v *ValkeyChannels) topic(name string) string { return valkeyPrefix + "chan:" + name }

func (v *ValkeyChannels) presenceKey(name, ref string) string {
	return valkeyPrefix + "presence:" + name + ":" + ref
}

// Join subscribes to name and delivers the current presence state once the
// subscription is live.
func (v *ValkeyChannels) Join(ctx context.Context, name string, h ChannelHandlers) (Channel, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	ch := &valkeyChannel{
		provider: v,
		name:     name,
		ref:      uuid.NewString(),
		h:        h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	ready := make(chan error, 1)
	go ch.receive(subCtx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-ch.done
			return nil, fmt.Errorf("join %s: %w", name, err)
		}
	case <-ctx.Done():
		cancel()
		<-ch.done
		return nil, ctx.Err()
	}

	ch.sync(ctx)
	return ch, nil
}

type valkeyChannel struct {
	provider *ValkeyChannels
	name     string
	ref      string
	h        ChannelHandlers

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	tracked *PresencePayload
	left    bool
}

func (c *valkeyChannel) receive(ctx context.Context, ready chan<- error) {
	defer close(c.done)
	dc, release := c.provider.client.Dedicate()
	defer release()
	topic := c.provider.topic(c.name)

	var once sync.Once
	signal := func(err error) { once.Do(func() { ready <- err }) }

	wait := dc.SetPubSubHooks(valkey.PubSubHooks{
		OnSubscription: func(s valkey.PubSubSubscription) {
			if s.Kind == "subscribe" && s.Channel == topic {
				signal(nil)
			}
		},
		OnMessage: func(m valkey.PubSubMessage) {
			c.handle(ctx, m.Message)
		},
	})
	if err := dc.Do(ctx, dc.B().Subscribe().Channel(topic).Build()).Error(); err != nil {
		signal(err)
		return
	}

	select {
	case err := <-wait:
		signal(err)
		if err != nil && ctx.Err() == nil {
			c.provider.logger.Warn("valkey subscription ended", "channel", c.name, "err", err)
		}
	case <-ctx.Done():
		signal(ctx.Err())
	}
}

func (c *valkeyChannel) handle(ctx context.Context, raw string) {
	var env valkeyEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.provider.logger.Debug("bad channel message", "channel", c.name, "err", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.provider.logger.Error("channel handler panicked", "channel", c.name, "panic", r)
		}
	}()

	switch env.Kind {
	case "join":
		if c.h.OnJoin != nil && env.Presence != nil {
			c.h.OnJoin(*env.Presence)
		}
		c.sync(ctx)
	case "leave":
		if c.h.OnLeave != nil && env.Presence != nil {
			c.h.OnLeave(*env.Presence)
		}
		c.sync(ctx)
	case "broadcast":
		// Broadcasts are not echoed to the sender.
		if env.Ref != c.ref && c.h.OnBroadcast != nil {
			c.h.OnBroadcast(env.Event, []byte(env.Data))
		}
	}
}

// sync reads every live presence key under the channel and hands the
// grouped state to OnSync.
func (c *valkeyChannel) sync(ctx context.Context) {
	if c.h.OnSync == nil {
		return
	}
	state, err := c.state(ctx)
	if err != nil {
		c.provider.logger.Warn("presence sync failed", "channel", c.name, "err", err)
		return
	}
	c.h.OnSync(state)
}

func (c *valkeyChannel) state(ctx context.Context) (map[string][]PresencePayload, error) {
	client := c.provider.client
	pattern := c.provider.presenceKey(c.name, "*")

	var keys []string
	var cursor uint64
	for {
		entry, err := client.Do(ctx, client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	state := make(map[string][]PresencePayload)
	if len(keys) == 0 {
		return state, nil
	}
	values, err := client.Do(ctx, client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	for i, val := range values {
		s, err := val.ToString()
		if valkey.IsValkeyNil(err) {
			continue // expired between SCAN and MGET
		}
		if err != nil {
			return nil, fmt.Errorf("read presence %s: %w", keys[i], err)
		}
		var p PresencePayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			c.provider.logger.Debug("bad presence value", "key", keys[i], "err", err)
			continue
		}
		state[p.Identity] = append(state[p.Identity], p)
	}
	return state, nil
}

func (c *valkeyChannel) publish(ctx context.Context, env valkeyEnvelope) error {
	env.Ref = c.ref
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	client := c.provider.client
	return client.Do(ctx, client.B().Publish().Channel(c.provider.topic(c.name)).Message(string(data)).Build()).Error()
}

func (c *valkeyChannel) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *valkeyChannel) Track(ctx context.Context, p PresencePayload) error {
	if c.isLeft() {
		return ErrNotConnected
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	client := c.provider.client
	ttl := int64(c.provider.staleness / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	set := client.B().Set().Key(c.provider.presenceKey(c.name, c.ref)).Value(string(data)).ExSeconds(ttl).Build()
	if err := client.Do(ctx, set).Error(); err != nil {
		return fmt.Errorf("track %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.tracked = &p
	c.mu.Unlock()
	return c.publish(ctx, valkeyEnvelope{Kind: "join", Presence: &p})
}

func (c *valkeyChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	p := c.tracked
	c.tracked = nil
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	client := c.provider.client
	if err := client.Do(ctx, client.B().Del().Key(c.provider.presenceKey(c.name, c.ref)).Build()).Error(); err != nil {
		return fmt.Errorf("untrack %s: %w", c.name, err)
	}
	return c.publish(ctx, valkeyEnvelope{Kind: "leave", Presence: p})
}

func (c *valkeyChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	if c.isLeft() {
		return ErrNotConnected
	}
	return c.publish(ctx, valkeyEnvelope{Kind: "broadcast", Event: event, Data: json.RawMessage(payload)})
}

func (c *valkeyChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	err := c.Untrack(ctx)
	c.cancel()
	<-c.done
	return err
}
