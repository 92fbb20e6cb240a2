package crewsync

import (
	"context"
	"errors"
	"log/slog"
)

// Conversation is the open conversation and everything scoped to it: the
// message store, pending writes, the processed-ID set, the open thread and
// typing signals. Closing it drops all of that.
type Conversation struct {
	ID string

	Store      *MessageStore
	Writes     *WriteCoordinator
	Threads    *ThreadAggregator
	Reconciler *Reconciler
	// Typing is nil when the session has no channel provider.
	Typing *TypingTracker

	logger *slog.Logger
}

func openConversation(ctx context.Context, s *Session, id string) (*Conversation, error) {
	o := s.opts
	logger := s.logger.With("conversation", id)

	store := NewMessageStore(o.Records, logger)
	threads := newThreadAggregator(o.Identity, id, o.Records, store, logger)
	writes := newWriteCoordinator(o.Identity, id, store, threads, o.Records, o.Blobs, logger, o.Metrics)
	rec := newReconciler(id, store, threads, writes, o.Preloader, o.MatchWindow, logger, o.Metrics)
	writes.onDurable = rec.HandleInsert

	c := &Conversation{
		ID:         id,
		Store:      store,
		Writes:     writes,
		Threads:    threads,
		Reconciler: rec,
		logger:     logger,
	}

	// Subscribe before loading so nothing committed in between is missed;
	// anything seen twice is absorbed by the store.
	if err := rec.Start(ctx, o.Feed); err != nil {
		writes.close()
		return nil, err
	}
	if _, err := store.Load(ctx, id); err != nil {
		_ = rec.Close()
		writes.close()
		return nil, err
	}

	if o.Channels != nil {
		c.Typing = newTypingTracker(o.Identity, id, o.Channels, o.TypingTimeout, logger)
		if err := c.Typing.Join(ctx); err != nil {
			logger.Warn("typing unavailable", "err", err)
		}
	}
	logger.Info("conversation opened", "messages", store.Len())
	return c, nil
}

// Messages returns the top-level messages in order.
func (c *Conversation) Messages() []Message { return c.Store.Messages() }

// Send sends text and attachments optimistically.
func (c *Conversation) Send(ctx context.Context, req SendRequest) (Message, error) {
	return c.Writes.Send(ctx, req)
}

// React toggles the local identity's emoji on messageID.
func (c *Conversation) React(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	return c.Writes.ToggleReaction(ctx, messageID, emoji)
}

// OpenThread opens the thread under parentID.
func (c *Conversation) OpenThread(ctx context.Context, parentID string) (ThreadView, error) {
	return c.Threads.OpenThread(ctx, parentID)
}

// CloseThread closes the open thread.
func (c *Conversation) CloseThread() { c.Threads.CloseThread() }

// Reply posts text to parentID's thread.
func (c *Conversation) Reply(ctx context.Context, parentID, text string) (Message, error) {
	return c.Threads.SendReply(ctx, parentID, text)
}

// Typing signals, no-ops when typing is unavailable.

func (c *Conversation) StartTyping(ctx context.Context, threadID string) error {
	if c.Typing == nil {
		return nil
	}
	return c.Typing.Start(ctx, threadID)
}

func (c *Conversation) StopTyping(ctx context.Context, threadID string) error {
	if c.Typing == nil {
		return nil
	}
	return c.Typing.Stop(ctx, threadID)
}

// Close tears down the feed subscription and every piece of
// conversation-scoped state. In-flight sends are cancelled.
func (c *Conversation) Close(ctx context.Context) error {
	var errs []error
	errs = append(errs, c.Reconciler.Close())
	c.Writes.close()
	if c.Typing != nil {
		errs = append(errs, c.Typing.Close(ctx))
	}
	c.Threads.CloseThread()
	c.Store.Reset()
	c.logger.Info("conversation closed")
	return errors.Join(errs...)
}
