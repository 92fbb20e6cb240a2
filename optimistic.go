package crewsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	provisionalPrefix = "temp-"
	previewPrefix     = "blob:local/"
)

var (
	provisionalSeq atomic.Uint64
	previewSeq     atomic.Uint64
)

func nextProvisionalID() string {
	return provisionalPrefix + strconv.FormatUint(provisionalSeq.Add(1), 10)
}

func nextPreviewRef() string {
	return previewPrefix + strconv.FormatUint(previewSeq.Add(1), 10)
}

// SendRequest is one send intent.
type SendRequest struct {
	Text        string
	Attachments []Upload
	// ParentID sends the message as a thread reply.
	ParentID string
	Mentions []string
}

// SendResult reports how an optimistic send ended. Message is the durable
// record on success.
type SendResult struct {
	ProvisionalID string
	Message       Message
	Err           error
}

type pendingWrite struct {
	id          string
	authorID    string
	createdAt   time.Time
	previews    []string
	confirmedID string
	claimed     bool
}

// WriteCoordinator applies sends and reaction toggles locally before the
// record store confirms them.
type WriteCoordinator struct {
	identity       Identity
	conversationID string
	store          *MessageStore
	threads        *ThreadAggregator
	records        RecordStore
	blobs          BlobStore
	logger         *slog.Logger
	metrics        *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  []*pendingWrite
	previews map[string][]byte
	onResult func(SendResult)
	// onDurable hands a successful insert to the reconciler so the local
	// path and the feed share one processed-ID set.
	onDurable func(ctx context.Context, m Message)
	closed    bool
}

func newWriteCoordinator(ident Identity, conversationID string, store *MessageStore, threads *ThreadAggregator,
	records RecordStore, blobs BlobStore, logger *slog.Logger, metrics *Metrics) *WriteCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &WriteCoordinator{
		identity:       ident,
		conversationID: conversationID,
		store:          store,
		threads:        threads,
		records:        records,
		blobs:          blobs,
		logger:         logger,
		metrics:        metrics,
		ctx:            ctx,
		cancel:         cancel,
		previews:       make(map[string][]byte),
	}
}

// OnResult registers fn to receive the outcome of every send.
func (c *WriteCoordinator) OnResult(fn func(SendResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

// Send inserts a provisional message and completes the write in the
// background. Replies skip the provisional step and are written through the
// thread aggregator before Send returns.
func (c *WriteCoordinator) Send(ctx context.Context, req SendRequest) (Message, error) {
	if req.Text == "" && len(req.Attachments) == 0 {
		return Message{}, errors.New("send: empty message")
	}
	if len(req.Attachments) > 0 && c.blobs == nil {
		return Message{}, fmt.Errorf("send: %w: no blob store configured", ErrUploadFailed)
	}
	if req.ParentID != "" {
		return c.sendReply(ctx, req)
	}

	id := nextProvisionalID()
	msg := Message{
		ID:             id,
		ConversationID: c.conversationID,
		AuthorID:       c.identity.ID,
		AuthorName:     c.identity.Name,
		AuthorAvatar:   c.identity.Avatar,
		CreatedAt:      time.Now().UTC(),
		Text:           req.Text,
		Mentions:       append([]string(nil), req.Mentions...),
		Pending:        true,
	}
	p := &pendingWrite{id: id, authorID: c.identity.ID, createdAt: msg.CreatedAt}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	for _, u := range req.Attachments {
		ref := nextPreviewRef()
		c.previews[ref] = u.Data
		p.previews = append(p.previews, ref)
	}
	msg.Attachments = append([]string(nil), p.previews...)
	c.pending = append(c.pending, p)
	c.wg.Add(1)
	c.mu.Unlock()

	c.store.ApplyInsert(msg)
	c.logger.Debug("provisional message inserted", "conversation", c.conversationID, "provisional", id)

	go c.complete(id, req)
	return msg.Clone(), nil
}

func (c *WriteCoordinator) complete(id string, req SendRequest) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("send panicked", "provisional", id, "panic", r)
			c.rollback(id, "panic", fmt.Errorf("%w: %v", ErrWriteFailed, r))
		}
	}()

	urls, err := c.uploadAll(c.ctx, req.Attachments)
	if err != nil {
		c.rollback(id, "upload", fmt.Errorf("%w: %v", ErrUploadFailed, err))
		return
	}

	confirmed, err := c.records.Insert(c.ctx, NewMessage{
		ConversationID: c.conversationID,
		AuthorID:       c.identity.ID,
		AuthorName:     c.identity.Name,
		AuthorAvatar:   c.identity.Avatar,
		Text:           req.Text,
		Attachments:    urls,
		Mentions:       req.Mentions,
		PendingID:      id,
	})
	if err != nil {
		c.rollback(id, "write", fmt.Errorf("%w: %v", ErrWriteFailed, err))
		return
	}

	c.mu.Lock()
	if p := c.findLocked(id); p != nil {
		p.confirmedID = confirmed.ID
	}
	onDurable := c.onDurable
	c.mu.Unlock()

	c.metrics.send("confirmed")
	c.logger.Debug("durable write confirmed", "conversation", c.conversationID, "provisional", id, "message", confirmed.ID)
	c.report(SendResult{ProvisionalID: id, Message: confirmed})
	if onDurable != nil {
		onDurable(c.ctx, confirmed)
	}
}

func (c *WriteCoordinator) uploadAll(ctx context.Context, uploads []Upload) ([]string, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	urls := make([]string, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uploads {
		i, u := i, u
		g.Go(func() error {
			url, err := c.blobs.Upload(gctx, u)
			if err != nil {
				return fmt.Errorf("upload %s: %w", u.FileName, err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (c *WriteCoordinator) sendReply(ctx context.Context, req SendRequest) (Message, error) {
	urls, err := c.uploadAll(ctx, req.Attachments)
	if err != nil {
		c.metrics.send("upload_failed")
		return Message{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return c.threads.insertReply(ctx, req.ParentID, req.Text, urls, req.Mentions)
}

func (c *WriteCoordinator) rollback(id, reason string, err error) {
	c.mu.Lock()
	p := c.removeLocked(id)
	if p != nil {
		c.releaseLocked(p.previews)
	}
	c.mu.Unlock()

	c.store.Remove(id)
	c.metrics.rollback("send_" + reason)
	c.metrics.send(reason + "_failed")
	c.logger.Warn("send rolled back", "conversation", c.conversationID, "provisional", id, "err", err)
	c.report(SendResult{ProvisionalID: id, Err: err})
}

func (c *WriteCoordinator) report(res SendResult) {
	c.mu.Lock()
	fn := c.onResult
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("send result callback panicked", "panic", r)
		}
	}()
	fn(res)
}

// ── reconciliation hooks ─────────────────────────────────

// Pending returns the provisional IDs still awaiting confirmation.
func (c *WriteCoordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.id)
	}
	return out
}

// MatchPending finds the provisional write that confirmed confirms. An
// explicit reference wins; otherwise the oldest unclaimed provisional
// message by the same author within window is taken. The match is claimed
// so a second delivery cannot take it again.
func (c *WriteCoordinator) MatchPending(confirmed Message, window time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if confirmed.AuthorID != c.identity.ID {
		return "", false
	}
	for _, p := range c.pending {
		if p.claimed {
			continue
		}
		if (confirmed.PendingID != "" && p.id == confirmed.PendingID) || (p.confirmedID != "" && p.confirmedID == confirmed.ID) {
			p.claimed = true
			return p.id, true
		}
	}
	for _, p := range c.pending {
		if p.claimed || p.confirmedID != "" || p.authorID != confirmed.AuthorID {
			continue
		}
		if !strings.HasPrefix(p.id, provisionalPrefix) {
			continue
		}
		d := confirmed.CreatedAt.Sub(p.createdAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			p.claimed = true
			return p.id, true
		}
	}
	return "", false
}

// Confirm drops the pending marker for id and releases its previews.
func (c *WriteCoordinator) Confirm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.removeLocked(id); p != nil {
		c.releaseLocked(p.previews)
	}
}

// Preview returns the local bytes behind a preview reference while the
// message is provisional.
func (c *WriteCoordinator) Preview(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.previews[ref]
	return data, ok
}

func (c *WriteCoordinator) findLocked(id string) *pendingWrite {
	for _, p := range c.pending {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (c *WriteCoordinator) removeLocked(id string) *pendingWrite {
	for i, p := range c.pending {
		if p.id == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p
		}
	}
	return nil
}

func (c *WriteCoordinator) releaseLocked(refs []string) {
	for _, ref := range refs {
		delete(c.previews, ref)
	}
}

// ── reactions ────────────────────────────────────────────

// ToggleReaction flips the local identity's emoji on messageID, wherever the
// message lives, then asks the record store to apply the same toggle. The
// store's list replaces the local one so concurrent toggles by other
// identities show up. On a failed write the pre-toggle reactions are
// restored.
func (c *WriteCoordinator) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	if strings.HasPrefix(messageID, provisionalPrefix) {
		return nil, fmt.Errorf("react to %s: message not yet confirmed", messageID)
	}

	var before, after []Reaction
	toggle := func(m *Message) {
		before = cloneReactions(m.Reactions)
		after = ToggleReaction(m.Reactions, emoji, c.identity.ID)
		m.Reactions = cloneReactions(after)
	}
	restore := func(m *Message) { m.Reactions = cloneReactions(before) }

	// A thread parent can live in both places; the first locator to find it
	// computes the new list and the second just copies it.
	inStore := c.store.Update(messageID, toggle)
	inThread := false
	if inStore {
		inThread = c.threads.update(messageID, func(m *Message) { m.Reactions = cloneReactions(after) })
	} else {
		inThread = c.threads.update(messageID, toggle)
	}
	if !inStore && !inThread {
		return nil, fmt.Errorf("react to %s: %w", messageID, ErrNotFound)
	}

	stored, err := c.records.ToggleReaction(ctx, messageID, emoji, c.identity.ID)
	if err != nil {
		if inStore {
			c.store.Update(messageID, restore)
		}
		if inThread {
			c.threads.update(messageID, restore)
		}
		c.metrics.rollback("reaction")
		c.logger.Warn("reaction rolled back", "conversation", c.conversationID, "message", messageID, "emoji", emoji, "err", err)
		return cloneReactions(before), fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if !sameReactions(stored, after) {
		settle := func(m *Message) { m.Reactions = cloneReactions(stored) }
		if inStore {
			c.store.Update(messageID, settle)
		}
		if inThread {
			c.threads.update(messageID, settle)
		}
	}
	return cloneReactions(stored), nil
}

// close cancels in-flight sends and waits for them to finish.
func (c *WriteCoordinator) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.pending = nil
	c.previews = make(map[string][]byte)
	c.onDurable = nil
	c.mu.Unlock()
}
