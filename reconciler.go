package crewsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMatchWindow bounds how far a confirmation's timestamp may drift
// from its provisional message for the heuristic match.
const DefaultMatchWindow = 10 * time.Second

// MessagesTable is the record-store table the feed is filtered on.
const MessagesTable = "messages"

// Reconciler merges one conversation's change feed into local state.
type Reconciler struct {
	conversationID string
	store          *MessageStore
	threads        *ThreadAggregator
	writes         *WriteCoordinator
	preloader      Preloader
	logger         *slog.Logger
	metrics        *Metrics
	window         time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	processed map[string]struct{}
	sub       Subscription
	closed    bool
}

func newReconciler(conversationID string, store *MessageStore, threads *ThreadAggregator, writes *WriteCoordinator,
	preloader Preloader, window time.Duration, logger *slog.Logger, metrics *Metrics) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Reconciler{
		conversationID: conversationID,
		store:          store,
		threads:        threads,
		writes:         writes,
		preloader:      preloader,
		logger:         logger,
		metrics:        metrics,
		window:         window,
		ctx:            ctx,
		cancel:         cancel,
		processed:      make(map[string]struct{}),
	}
}

// Start subscribes to the conversation's inserts and updates.
func (r *Reconciler) Start(ctx context.Context, feed ChangeFeed) error {
	sub, err := feed.Subscribe(ctx, FeedFilter{Table: MessagesTable, ConversationID: r.conversationID}, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.conversationID, err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return sub.Close()
	}
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) handle(ev FeedEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("feed handler panicked", "conversation", r.conversationID, "panic", rec)
		}
	}()
	switch ev.Type {
	case FeedInsert:
		r.HandleInsert(r.ctx, ev.Message)
	case FeedUpdate:
		r.HandleUpdate(r.ctx, ev.Patch)
	default:
		r.logger.Debug("feed event ignored", "type", ev.Type)
	}
}

// markProcessed records id and reports whether it was new.
func (r *Reconciler) markProcessed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.processed[id]; ok {
		return false
	}
	r.processed[id] = struct{}{}
	return true
}

// Processed reports whether id has already been handled.
func (r *Reconciler) Processed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[id]
	return ok
}

// HandleInsert applies one inserted record. Redeliveries are dropped.
func (r *Reconciler) HandleInsert(ctx context.Context, msg Message) {
	if msg.ConversationID != r.conversationID {
		r.metrics.feed(FeedInsert, "foreign")
		return
	}
	if msg.ID == "" || !r.markProcessed(msg.ID) {
		r.metrics.feed(FeedInsert, "duplicate")
		return
	}

	if msg.IsReply() {
		r.metrics.feed(FeedInsert, "reply")
		if err := r.threads.HandleReply(ctx, msg); err != nil {
			r.logger.Warn("reply not aggregated", "conversation", r.conversationID, "message", msg.ID, "err", err)
		}
		return
	}

	provisionalID, ok := r.writes.MatchPending(msg, r.window)
	if !ok {
		r.store.ApplyInsert(msg)
		r.metrics.feed(FeedInsert, "appended")
		return
	}

	r.metrics.feed(FeedInsert, "confirmed")
	if len(msg.Attachments) == 0 {
		r.swap(provisionalID, msg)
		return
	}

	// Attachments are fetched before the swap so the hosted image is
	// already cached when it replaces the local preview.
	if !r.track() {
		return
	}
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("preload panicked", "message", msg.ID, "panic", rec)
			}
		}()
		r.preloadAll(r.ctx, msg)
		if r.ctx.Err() != nil {
			return
		}
		r.swap(provisionalID, msg)
	}()
}

// track registers a background swap. It fails once Close has started, so
// wg.Add never races wg.Wait.
func (r *Reconciler) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Reconciler) swap(provisionalID string, msg Message) {
	r.store.Replace(provisionalID, msg)
	r.writes.Confirm(provisionalID)
	r.logger.Debug("provisional message confirmed", "conversation", r.conversationID, "provisional", provisionalID, "message", msg.ID)
}

// preloadAll fetches every attachment concurrently. A failed preload is
// logged and does not block the swap.
func (r *Reconciler) preloadAll(ctx context.Context, msg Message) {
	if r.preloader == nil {
		return
	}
	var g errgroup.Group
	for _, url := range msg.Attachments {
		url := url
		g.Go(func() error {
			if err := r.preloader.Preload(ctx, url); err != nil {
				r.metrics.preload("failed")
				r.logger.Warn("attachment preload failed", "message", msg.ID, "url", url, "err", err)
				return nil
			}
			r.metrics.preload("ok")
			return nil
		})
	}
	_ = g.Wait()
}

// HandleUpdate merges an updated record's reactions into the message
// wherever it lives.
func (r *Reconciler) HandleUpdate(ctx context.Context, patch MessagePatch) {
	if patch.ID == "" || patch.Reactions == nil {
		r.metrics.feed(FeedUpdate, "ignored")
		return
	}
	p := MessagePatch{ID: patch.ID, Reactions: patch.Reactions}
	inStore := r.store.ApplyUpdate(p)
	inThread := r.threads.ApplyPatch(p)
	if inStore || inThread {
		r.metrics.feed(FeedUpdate, "applied")
	} else {
		r.metrics.feed(FeedUpdate, "unknown")
	}
}

// Close ends the subscription, waits for pending swaps and forgets every
// processed ID.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	r.cancel()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	r.processed = make(map[string]struct{})
	r.mu.Unlock()
	return err
}
