package crewsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is sent once the socket is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// FeedPayload carries one change-feed row.
type FeedPayload struct {
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Table          string          `json:"table"`
	Record         json.RawMessage `json:"record"`
}

// ChannelPayload carries one ephemeral channel event.
type ChannelPayload struct {
	Channel  string                       `json:"channel"`
	Event    string                       `json:"event,omitempty"`
	Data     json.RawMessage              `json:"data,omitempty"`
	Presence *PresencePayload             `json:"presence,omitempty"`
	State    map[string][]PresencePayload `json:"state,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

const (
	eventAuthenticated    = "authenticated"
	eventFeedInsert       = "feed.insert"
	eventFeedUpdate       = "feed.update"
	eventChannelSync      = "channel.sync"
	eventChannelJoin      = "channel.join"
	eventChannelLeave     = "channel.leave"
	eventChannelBroadcast = "channel.broadcast"
	eventPong             = "pong"
	eventError            = "error"

	cmdFeedSubscribe    = "feed.subscribe"
	cmdFeedUnsubscribe  = "feed.unsubscribe"
	cmdChannelJoin      = "channel.join"
	cmdChannelLeave     = "channel.leave"
	cmdChannelTrack     = "channel.track"
	cmdChannelUntrack   = "channel.untrack"
	cmdChannelBroadcast = "channel.broadcast"
	cmdPing             = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime clients.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Connection events
// ============================================================================

type connEvents struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
	onError        []func(RealtimeErrorPayload)
}

func (d *connEvents) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *connEvents) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *connEvents) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

func (d *connEvents) emitError(p RealtimeErrorPayload) {
	d.mu.RLock()
	handlers := append([]func(RealtimeErrorPayload){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(p)
	}
}

// OnConnected registers a handler for the connected meta-event.
func (d *connEvents) OnConnected(h func()) {
	d.mu.Lock()
	d.onConnected = append(d.onConnected, h)
	d.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (d *connEvents) OnDisconnected(h func(code int, reason string)) {
	d.mu.Lock()
	d.onDisconnected = append(d.onDisconnected, h)
	d.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (d *connEvents) OnReconnecting(h func(attempt int, delay time.Duration)) {
	d.mu.Lock()
	d.onReconnecting = append(d.onReconnecting, h)
	d.mu.Unlock()
}

// OnError registers a handler for server errors.
func (d *connEvents) OnError(h func(RealtimeErrorPayload)) {
	d.mu.Lock()
	d.onError = append(d.onError, h)
	d.mu.Unlock()
}

// ============================================================================
// Feed routing
// ============================================================================

type feedSub struct {
	id      string
	filter  FeedFilter
	handler func(FeedEvent)
}

// feedRouter fans feed rows out to local subscriptions. Handlers run on the
// read loop so rows of one conversation keep their commit order.
type feedRouter struct {
	mu     sync.RWMutex
	subs   map[string]*feedSub
	logger *slog.Logger
}

func newFeedRouter(logger *slog.Logger) *feedRouter {
	return &feedRouter{subs: make(map[string]*feedSub), logger: logger}
}

func (r *feedRouter) add(filter FeedFilter, handler func(FeedEvent)) *feedSub {
	s := &feedSub{id: uuid.NewString(), filter: filter, handler: handler}
	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()
	return s
}

func (r *feedRouter) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	return ok
}

func (r *feedRouter) all() []*feedSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*feedSub, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *feedRouter) route(env RealtimeEnvelope) {
	var typ FeedEventType
	switch env.Type {
	case eventFeedInsert:
		typ = FeedInsert
	case eventFeedUpdate:
		typ = FeedUpdate
	default:
		return
	}
	var p FeedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.logger.Debug("bad feed payload", "err", err)
		return
	}
	ev, err := decodeFeedEvent(typ, p.Table, p.Record)
	if err != nil {
		r.logger.Debug("bad feed record", "err", err)
		return
	}

	r.mu.RLock()
	var handlers []func(FeedEvent)
	for _, s := range r.subs {
		if p.SubscriptionID != "" && p.SubscriptionID != s.id {
			continue
		}
		if s.filter.matches(ev.Table, ev.Message.ConversationID) {
			handlers = append(handlers, s.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket ChangeFeed and ChannelProvider with
// auto-reconnect and heartbeat. Subscriptions and joined channels are
// re-established after a reconnect; rows missed while disconnected are not
// replayed.
type RealtimeClient struct {
	connEvents

	url    string
	token  string
	config *RealtimeConfig
	logger *slog.Logger
	feeds  *feedRouter
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	userID           string
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*rtChannel
	pingCounter      int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewRealtimeClient creates a client for the WebSocket endpoint rawURL.
// Call Connect to open it.
func NewRealtimeClient(rawURL, token string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		url:          rawURL,
		token:        token,
		config:       &cfg,
		logger:       cfg.Logger,
		feeds:        newFeedRouter(cfg.Logger),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		channels:     make(map[string]*rtChannel),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// UserID returns the identity the server authenticated.
func (ws *RealtimeClient) UserID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.userID
}

// Connect establishes the WebSocket connection and restores every
// subscription and channel registered so far.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	u, err := url.Parse(ws.url)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", ws.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First message must be "authenticated"
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != eventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", eventAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.userID = auth.UserID
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	ws.restore(ctx)
	ws.emitConnected()
	ws.logger.Info("realtime connected", "user", auth.UserID)
	return nil
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// restore re-sends subscribe, join and track commands after a (re)connect.
func (ws *RealtimeClient) restore(ctx context.Context) {
	for _, s := range ws.feeds.all() {
		if err := ws.sendSubscribe(ctx, s); err != nil {
			ws.logger.Warn("resubscribe failed", "subscription", s.id, "err", err)
		}
	}
	ws.mu.Lock()
	chans := make([]*rtChannel, 0, len(ws.channels))
	for _, ch := range ws.channels {
		chans = append(chans, ch)
	}
	ws.mu.Unlock()
	for _, ch := range chans {
		if err := ch.rejoin(ctx); err != nil {
			ws.logger.Warn("rejoin failed", "channel", ch.name, "err", err)
		}
	}
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.emitDisconnected(1000, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    cmdPing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.logger.Warn("realtime disconnected", "err", err)
			ws.emitDisconnected(0, err.Error())
			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.route(env)
	}
}

func (ws *RealtimeClient) route(env RealtimeEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			ws.logger.Error("realtime handler panicked", "type", env.Type, "panic", r)
		}
	}()
	switch env.Type {
	case eventFeedInsert, eventFeedUpdate:
		ws.feeds.route(env)
	case eventChannelSync, eventChannelJoin, eventChannelLeave, eventChannelBroadcast:
		ws.routeChannel(env)
	case eventPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			ws.pendingMu.Lock()
			ch, ok := ws.pendingPings[p.RequestID]
			if ok {
				delete(ws.pendingPings, p.RequestID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case eventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			ws.logger.Warn("realtime server error", "message", p.Message)
			ws.emitError(p)
		}
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.emitReconnecting(ws.recon.attempt, delay)
		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		ws.mu.Unlock()
		if intentional {
			return
		}
		// The reconnecting state has to be cleared for Connect to proceed.
		ws.setState(StateDisconnected)
		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		ws.logger.Warn("reconnect failed", "attempt", ws.recon.attempt, "err", err)
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ── ChangeFeed ───────────────────────────────────────────

// Subscribe registers handler for rows matching filter. The client must be
// connected.
func (ws *RealtimeClient) Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error) {
	s := ws.feeds.add(filter, handler)
	if err := ws.sendSubscribe(ctx, s); err != nil {
		ws.feeds.remove(s.id)
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &rtSubscription{client: ws, id: s.id}, nil
}

func (ws *RealtimeClient) sendSubscribe(ctx context.Context, s *feedSub) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type: cmdFeedSubscribe,
		Payload: map[string]string{
			"subscriptionId": s.id,
			"table":          s.filter.Table,
			"conversationId": s.filter.ConversationID,
		},
	})
}

type rtSubscription struct {
	client *RealtimeClient
	id     string
}

func (s *rtSubscription) Close() error {
	if !s.client.feeds.remove(s.id) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Send(ctx, &RealtimeCommand{
		Type:    cmdFeedUnsubscribe,
		Payload: map[string]string{"subscriptionId": s.id},
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// ── ChannelProvider ──────────────────────────────────────

type rtChannel struct {
	client *RealtimeClient
	ref    string
	name   string
	h      ChannelHandlers

	mu      sync.Mutex
	tracked *PresencePayload
}

// Join joins the named ephemeral channel.
func (ws *RealtimeClient) Join(ctx context.Context, name string, h ChannelHandlers) (Channel, error) {
	ch := &rtChannel{client: ws, ref: uuid.NewString(), name: name, h: h}
	ws.mu.Lock()
	ws.channels[ch.ref] = ch
	ws.mu.Unlock()
	if err := ch.sendJoin(ctx); err != nil {
		ws.mu.Lock()
		delete(ws.channels, ch.ref)
		ws.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	return ch, nil
}

func (ws *RealtimeClient) routeChannel(env RealtimeEnvelope) {
	var p ChannelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ws.logger.Debug("bad channel payload", "err", err)
		return
	}
	ws.mu.Lock()
	var targets []*rtChannel
	for _, ch := range ws.channels {
		if ch.name == p.Channel {
			targets = append(targets, ch)
		}
	}
	ws.mu.Unlock()

	for _, ch := range targets {
		switch env.Type {
		case eventChannelSync:
			if ch.h.OnSync != nil {
				ch.h.OnSync(p.State)
			}
		case eventChannelJoin:
			if ch.h.OnJoin != nil && p.Presence != nil {
				ch.h.OnJoin(*p.Presence)
			}
		case eventChannelLeave:
			if ch.h.OnLeave != nil && p.Presence != nil {
				ch.h.OnLeave(*p.Presence)
			}
		case eventChannelBroadcast:
			if ch.h.OnBroadcast != nil {
				ch.h.OnBroadcast(p.Event, []byte(p.Data))
			}
		}
	}
}

func (c *rtChannel) sendJoin(ctx context.Context) error {
	return c.client.Send(ctx, &RealtimeCommand{
		Type:    cmdChannelJoin,
		Payload: map[string]string{"channel": c.name, "ref": c.ref},
	})
}

func (c *rtChannel) rejoin(ctx context.Context) error {
	if err := c.sendJoin(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()
	if tracked == nil {
		return nil
	}
	return c.Track(ctx, *tracked)
}

func (c *rtChannel) Track(ctx context.Context, p PresencePayload) error {
	c.mu.Lock()
	c.tracked = &p
	c.mu.Unlock()
	return c.client.Send(ctx, &RealtimeCommand{
		Type:    cmdChannelTrack,
		Payload: map[string]any{"channel": c.name, "ref": c.ref, "presence": p},
	})
}

func (c *rtChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	c.tracked = nil
	c.mu.Unlock()
	return c.client.Send(ctx, &RealtimeCommand{
		Type:    cmdChannelUntrack,
		Payload: map[string]string{"channel": c.name, "ref": c.ref},
	})
}

func (c *rtChannel) Broadcast(ctx context.Context, event string, payload []byte) error {
	return c.client.Send(ctx, &RealtimeCommand{
		Type:    cmdChannelBroadcast,
		Payload: map[string]any{"channel": c.name, "ref": c.ref, "event": event, "data": json.RawMessage(payload)},
	})
}

func (c *rtChannel) Leave(ctx context.Context) error {
	c.client.mu.Lock()
	_, ok := c.client.channels[c.ref]
	delete(c.client.channels, c.ref)
	c.client.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.client.Send(ctx, &RealtimeCommand{
		Type:    cmdChannelLeave,
		Payload: map[string]string{"channel": c.name, "ref": c.ref},
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// ============================================================================
// EventStreamFeed
// ============================================================================

// EventStreamFeed is a server-sent events ChangeFeed (server push only)
// with auto-reconnect. The stream carries every row the token may see;
// filtering happens locally.
type EventStreamFeed struct {
	connEvents

	url    string
	token  string
	config *RealtimeConfig
	logger *slog.Logger
	feeds  *feedRouter
	recon  *reconnector

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewEventStreamFeed creates a feed for the SSE endpoint rawURL.
func NewEventStreamFeed(rawURL, token string, config *RealtimeConfig) *EventStreamFeed {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &EventStreamFeed{
		url:    rawURL,
		token:  token,
		config: &cfg,
		logger: cfg.Logger,
		feeds:  newFeedRouter(cfg.Logger),
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (sse *EventStreamFeed) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Subscribe registers handler for rows matching filter.
func (sse *EventStreamFeed) Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error) {
	s := sse.feeds.add(filter, handler)
	return routerSubscription{router: sse.feeds, id: s.id}, nil
}

type routerSubscription struct {
	router *feedRouter
	id     string
}

func (s routerSubscription) Close() error {
	s.router.remove(s.id)
	return nil
}

// Connect establishes the SSE connection.
func (sse *EventStreamFeed) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, sse.url, nil)
	if err != nil {
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.token)
	}

	// ctx bounds the handshake only; the stream runs until Disconnect.
	connCtx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(connCtx)
	stop := context.AfterFunc(ctx, cancel)
	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err == nil && ctx.Err() != nil {
		resp.Body.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)
	return nil
}

func (sse *EventStreamFeed) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Disconnect closes the SSE connection.
func (sse *EventStreamFeed) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *EventStreamFeed) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							sse.logger.Error("event stream handler panicked", "panic", r)
						}
					}()
					sse.feeds.route(env)
				}()
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.emitDisconnected(0, "stream ended")
	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *EventStreamFeed) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *EventStreamFeed) scheduleReconnect() {
	for {
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.emitReconnecting(sse.recon.attempt, delay)
		time.Sleep(delay)

		sse.mu.Lock()
		intentional := sse.intentionalClose
		sse.mu.Unlock()
		if intentional {
			return
		}
		sse.setState(StateDisconnected)
		if err := sse.Connect(context.Background()); err == nil {
			return
		}
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			sse.setState(StateDisconnected)
			return
		}
	}
}
