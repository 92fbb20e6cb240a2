package crewsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ============================================================================
// PostgresStore
// ============================================================================

// FeedNotifyChannel is the LISTEN/NOTIFY channel the messages trigger
// writes to.
const FeedNotifyChannel = "crewsync_feed"

// PostgresSchema creates the messages and last_reads tables and the trigger
// that announces every insert and update on FeedNotifyChannel. The notify
// payload only names the row; listeners read it back so large texts never
// hit the NOTIFY size limit.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	conversation_id TEXT NOT NULL,
	author_id       TEXT NOT NULL,
	author_name     TEXT NOT NULL DEFAULT '',
	author_avatar   TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	attachments     TEXT[] NOT NULL DEFAULT '{}',
	mentions        TEXT[] NOT NULL DEFAULT '{}',
	parent_id       TEXT,
	pending_id      TEXT,
	reactions       JSONB NOT NULL DEFAULT '[]',
	reply_count     INTEGER NOT NULL DEFAULT 0,
	last_reply_at   TIMESTAMPTZ,
	reply_avatars   TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages (parent_id, created_at);

CREATE TABLE IF NOT EXISTS last_reads (
	conversation_id TEXT NOT NULL,
	identity        TEXT NOT NULL,
	last_read_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, identity)
);

CREATE OR REPLACE FUNCTION crewsync_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('crewsync_feed', json_build_object(
		'type', lower(TG_OP),
		'table', TG_TABLE_NAME,
		'id', NEW.id,
		'conversationId', NEW.conversation_id
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE ON messages
	FOR EACH ROW EXECUTE FUNCTION crewsync_notify();
`

const messageColumns = `id, conversation_id, author_id, author_name, author_avatar, text,
	attachments, mentions, parent_id, pending_id, reactions, reply_count,
	last_reply_at, reply_avatars, created_at`

// PostgresStore is a RecordStore on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgresStore connects to dsn and verifies the connection.
func OpenPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m            Message
		parentID     sql.NullString
		pendingID    sql.NullString
		reactions    []byte
		lastReplyAt  sql.NullTime
		replyAvatars []string
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.AuthorID, &m.AuthorName, &m.AuthorAvatar, &m.Text,
		pq.Array(&m.Attachments), pq.Array(&m.Mentions), &parentID, &pendingID, &reactions,
		&m.ReplyCount, &lastReplyAt, pq.Array(&replyAvatars), &m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.ParentID = parentID.String
	m.PendingID = pendingID.String
	if lastReplyAt.Valid {
		t := lastReplyAt.Time.UTC()
		m.LastReplyAt = &t
	}
	if len(replyAvatars) > 0 {
		m.ReplyAvatars = replyAvatars
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if len(m.Mentions) == 0 {
		m.Mentions = nil
	}
	m.CreatedAt = m.CreatedAt.UTC()

	var payload ReactionPayload
	if err := json.Unmarshal(reactions, &payload); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Reactions = payload.Normalize()
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Insert(ctx context.Context, nm NewMessage) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, author_id, author_name, author_avatar, text,
			attachments, mentions, parent_id, pending_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		nm.ConversationID, nm.AuthorID, nm.AuthorName, nm.AuthorAvatar, nm.Text,
		pq.Array(nonNil(nm.Attachments)), pq.Array(nonNil(nm.Mentions)),
		nullString(nm.ParentID), nullString(nm.PendingID),
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.logger.Debug("message inserted", "message", m.ID, "conversation", m.ConversationID)
	return m, nil
}

func (s *PostgresStore) Query(ctx context.Context, q MessageQuery) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{q.ConversationID}
	switch {
	case q.ParentID != "":
		query += ` AND parent_id = $2`
		args = append(args, q.ParentID)
	case q.TopLevelOnly:
		query += ` AND parent_id IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		// A malformed UUID cannot name an existing row.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch MessagePatch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Reactions != nil {
		data, err := json.Marshal(nonNilReactions(*patch.Reactions))
		if err != nil {
			return fmt.Errorf("encode reactions: %w", err)
		}
		add("reactions", string(data))
	}
	if patch.ReplyCount != nil {
		add("reply_count", *patch.ReplyCount)
	}
	if patch.LastReplyAt != nil {
		add("last_reply_at", *patch.LastReplyAt)
	}
	if patch.ReplyAvatars != nil {
		add("reply_avatars", pq.Array(nonNil(*patch.ReplyAvatars)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE messages SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// ToggleReaction locks the row, flips actor's emoji and writes the list
// back in one transaction.
func (s *PostgresStore) ToggleReaction(ctx context.Context, id, emoji, actor string) ([]Reaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction on %s: %w", id, err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		var pqErr *pq.Error
		if errors.Is(err, sql.ErrNoRows) || (errors.As(err, &pqErr) && pqErr.Code == "22P02") {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("lock message %s: %w", id, err)
	}

	next := ToggleReaction(m.Reactions, emoji, actor)
	data, err := json.Marshal(nonNilReactions(next))
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions = $1 WHERE id = $2`, string(data), id); err != nil {
		return nil, fmt.Errorf("update reactions on %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reaction on %s: %w", id, err)
	}
	return next, nil
}

func (s *PostgresStore) LastReadAt(ctx context.Context, conversationID, identity string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_at FROM last_reads WHERE conversation_id = $1 AND identity = $2`,
		conversationID, identity,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last read %s: %w", conversationID, err)
	}
	return at.UTC(), nil
}

// MarkRead never moves the marker backwards.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, identity string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_reads (conversation_id, identity, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, identity)
		DO UPDATE SET last_read_at = GREATEST(last_reads.last_read_at, EXCLUDED.last_read_at)`,
		conversationID, identity, at,
	)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) LatestMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT max(created_at) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest message %s: %w", conversationID, err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time.UTC(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilReactions(r []Reaction) []Reaction {
	if r == nil {
		return []Reaction{}
	}
	return r
}

// ============================================================================
// PostgresFeed
// ============================================================================

type pgNotification struct {
	Type           FeedEventType `json:"type"`
	Table          string        `json:"table"`
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
}

// PostgresFeed is a ChangeFeed over LISTEN/NOTIFY. Each notification names
// a row which is read back through the store before delivery, so handlers
// see rows in commit order.
type PostgresFeed struct {
	store    *PostgresStore
	listener *pq.Listener
	feeds    *feedRouter
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgresFeed starts listening on FeedNotifyChannel.
func NewPostgresFeed(dsn string, store *PostgresStore, logger *slog.Logger) (*PostgresFeed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PostgresFeed{
		store:  store,
		feeds:  newFeedRouter(logger),
		logger: logger,
		done:   make(chan struct{}),
	}
	f.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, f.onListenerEvent)
	if err := f.listener.Listen(FeedNotifyChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", FeedNotifyChannel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.loop(ctx)
	return f, nil
}

func (f *PostgresFeed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		f.logger.Debug("feed listener connected")
	case pq.ListenerEventDisconnected:
		f.logger.Warn("feed listener disconnected", "err", err)
	case pq.ListenerEventReconnected:
		f.logger.Info("feed listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("feed listener reconnect failed", "err", err)
	}
}

// Subscribe registers handler for rows matching filter.
func (f *PostgresFeed) Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error) {
	s := f.feeds.add(filter, handler)
	return routerSubscription{router: f.feeds, id: s.id}, nil
}

func (f *PostgresFeed) loop(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect
			if n == nil {
				continue
			}
			f.deliver(ctx, n.Extra)
		case <-ticker.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn("feed listener ping failed", "err", err)
			}
		}
	}
}

func (f *PostgresFeed) deliver(ctx context.Context, extra string) {
	var n pgNotification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		f.logger.Debug("bad notification", "err", err)
		return
	}
	if !f.wanted(n) {
		return
	}
	m, err := f.store.Get(ctx, n.ID)
	if err != nil {
		f.logger.Warn("feed row unavailable", "message", n.ID, "err", err)
		return
	}
	ev := FeedEvent{Type: n.Type, Table: n.Table, Message: m}
	if n.Type == FeedUpdate {
		reactions := cloneReactions(m.Reactions)
		ev.Patch = MessagePatch{ID: m.ID, Reactions: &reactions}
	}

	f.feeds.mu.RLock()
	var handlers []func(FeedEvent)
	for _, s := range f.feeds.subs {
		if s.filter.matches(ev.Table, m.ConversationID) {
			handlers = append(handlers, s.handler)
		}
	}
	f.feeds.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("feed handler panicked", "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// wanted avoids reading rows back when nobody subscribes to them.
func (f *PostgresFeed) wanted(n pgNotification) bool {
	f.feeds.mu.RLock()
	defer f.feeds.mu.RUnlock()
	for _, s := range f.feeds.subs {
		if s.filter.matches(n.Table, n.ConversationID) {
			return true
		}
	}
	return false
}

// Close stops listening.
func (f *PostgresFeed) Close() error {
	f.cancel()
	err := f.listener.Close()
	<-f.done
	return err
}
