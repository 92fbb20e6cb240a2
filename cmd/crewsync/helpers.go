package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewdeck/crewsync"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

const wrapWidth = 72

// backends is everything a session needs, built from the config.
type backends struct {
	cfg    *Config
	token  string
	ident  crewsync.Identity
	client *crewsync.Client
	opts   crewsync.Options

	closers []func()
}

// openBackends connects the configured record store, change feed and,
// when withChannels is set, the channel provider used for presence and
// typing. Call close when done.
func openBackends(ctx context.Context, withChannels bool) (*backends, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no session token, run 'crewsync init <token>' first")
	}
	ident, err := crewsync.IdentityFromToken(cfg.Auth.Token)
	if err != nil {
		return nil, err
	}

	var clientOpts []crewsync.ClientOption
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, crewsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := crewsync.NewClient(cfg.Auth.Token, clientOpts...)
	logger := slog.Default()

	b := &backends{
		cfg:    cfg,
		token:  cfg.Auth.Token,
		ident:  ident,
		client: client,
		opts: crewsync.Options{
			Identity:  ident,
			Records:   client,
			Blobs:     client,
			Preloader: client,
			Logger:    logger,
		},
	}
	if err := b.connect(ctx, withChannels); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *backends) connect(ctx context.Context, withChannels bool) error {
	logger := b.opts.Logger

	if dsn := b.cfg.Backends.PostgresDSN; dsn != "" {
		store, err := crewsync.OpenPostgresStore(ctx, dsn, logger)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		feed, err := crewsync.NewPostgresFeed(dsn, store, logger)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { feed.Close() })
		b.opts.Records = store
		b.opts.Feed = feed
	} else {
		rtConfig := &crewsync.RealtimeConfig{AutoReconnect: true, Logger: logger}
		switch b.cfg.Default.Transport {
		case "sse":
			feed := crewsync.NewEventStreamFeed(b.client.EventsURL(), b.token, rtConfig)
			if err := feed.Connect(ctx); err != nil {
				return err
			}
			b.closers = append(b.closers, func() { feed.Disconnect() })
			b.opts.Feed = feed
		default:
			rt := crewsync.NewRealtimeClient(b.client.RealtimeURL(), b.token, rtConfig)
			if err := rt.Connect(ctx); err != nil {
				return err
			}
			b.closers = append(b.closers, func() { rt.Disconnect() })
			b.opts.Feed = rt
			b.opts.Channels = rt
		}
	}

	if addr := b.cfg.Backends.ValkeyAddr; addr != "" {
		v, err := crewsync.DialValkeyChannels(addr, crewsync.DefaultPresenceStaleness, logger)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, v.Close)
		b.opts.Channels = v
	}
	if !withChannels {
		b.opts.Channels = nil
	}
	return nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openConversation starts a session on b and opens conversationID.
func openConversation(ctx context.Context, b *backends, conversationID string) (*crewsync.Session, *crewsync.Conversation, error) {
	s, err := crewsync.NewSession(b.opts)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		_ = s.Close(ctx)
		return nil, nil, err
	}
	return s, c, nil
}

// ============================================================================
// Output
// ============================================================================

func displayName(ident crewsync.Identity) string {
	if ident.Name != "" {
		return fmt.Sprintf("%s (%s)", ident.Name, ident.ID)
	}
	return ident.ID
}

func authorLabel(m crewsync.Message) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

func reactionSummary(reactions []crewsync.Reaction) string {
	parts := make([]string, 0, len(reactions))
	for _, r := range reactions {
		parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, len(r.Users)))
	}
	return strings.Join(parts, "  ")
}

// formatMessage renders one message as a header line and a wrapped,
// indented body.
func formatMessage(m crewsync.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s  %s", m.CreatedAt.Local().Format("15:04"), authorLabel(m), m.ID)
	if m.Pending {
		b.WriteString("  (sending)")
	}
	if m.Text != "" {
		b.WriteString("\n")
		b.WriteString(indent.String(wordwrap.String(m.Text, wrapWidth), 2))
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n  attachment: %s", a)
	}
	if r := reactionSummary(m.Reactions); r != "" {
		fmt.Fprintf(&b, "\n  %s", r)
	}
	if m.ReplyCount > 0 {
		fmt.Fprintf(&b, "\n  %s", replySummary(m))
	}
	return b.String()
}

func replySummary(m crewsync.Message) string {
	s := fmt.Sprintf("%d %s", m.ReplyCount, plural(m.ReplyCount, "reply", "replies"))
	if m.LastReplyAt != nil {
		s += ", last " + humanize.Time(*m.LastReplyAt)
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
