package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crewdeck/crewsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchNoInput     bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	watchCmd.Flags().BoolVar(&watchNoInput, "no-input", false, "Do not read messages to send from stdin")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live",
	Long: "Open a conversation and print messages, reactions, typing and presence as they happen.\n" +
		"Lines typed on stdin are sent to the conversation; '/reply <message-id> <text>' answers in a thread.\n" +
		"Messages arriving in other conversations ring the terminal bell.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackends(ctx, true)
		if err != nil {
			return err
		}
		defer b.close()

		out := &terminal{w: os.Stdout}
		b.opts.Notifier = out
		b.opts.Indicators = &crewsync.Indicators{
			BaseTitle: "crewsync " + conversationID,
			SetTitle:  out.setTitle,
		}

		s, c, err := openConversation(ctx, b, conversationID)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())
		s.SetActiveView(crewsync.MessagingView)
		s.SetFocused(true)

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, s.Metrics())
			defer srv.Shutdown(context.Background())
		}

		out.printf("Watching %s as %s. Ctrl-C to quit.\n", conversationID, displayName(b.ident))
		feed := newMessagePrinter(out)
		feed.update(c.Messages())
		c.Store.OnChange(feed.update)
		c.Writes.OnResult(func(r crewsync.SendResult) {
			if r.Err != nil {
				out.printf("! send failed: %v\n", r.Err)
			}
		})
		if c.Typing != nil {
			c.Typing.OnChange(func() { out.typing(c.Typing.Typers("")) })
		}
		if p := s.Presence(); p != nil {
			roster := newRoster(out, b.ident.ID)
			p.OnChange(roster.update)
		}
		if err := s.MarkRead(ctx, conversationID); err != nil {
			out.printf("! mark read: %v\n", err)
		}

		if !watchNoInput {
			go readInput(ctx, os.Stdin, c, out)
		}
		<-ctx.Done()

		markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.MarkRead(markCtx, conversationID)
		return nil
	},
}

func serveMetrics(addr string, m *crewsync.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}

func readInput(ctx context.Context, r io.Reader, c *crewsync.Conversation, out *terminal) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "/reply "); ok {
			parentID, text, _ := strings.Cut(rest, " ")
			if _, err := c.Reply(ctx, parentID, text); err != nil {
				out.printf("! reply failed: %v\n", err)
			}
			continue
		}
		if _, err := c.Send(ctx, crewsync.SendRequest{Text: line}); err != nil {
			out.printf("! %v\n", err)
		}
	}
}

// ============================================================================
// Terminal output
// ============================================================================

// terminal serializes writes from feed, channel and input goroutines. It is
// also the session's notification sink.
type terminal struct {
	mu         sync.Mutex
	w          io.Writer
	lastTyping string
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

func (t *terminal) setTitle(title string) {
	t.printf("\033]0;%s\007", title)
}

func (t *terminal) Permission() crewsync.Permission { return crewsync.PermissionGranted }

func (t *terminal) Show(ctx context.Context, n crewsync.Notification) error {
	t.printf("\a** %s: %s\n", n.Title, n.Body)
	return nil
}

func (t *terminal) typing(typers []crewsync.Typer) {
	names := make([]string, 0, len(typers))
	for _, ty := range typers {
		names = append(names, valueOrDefault(ty.Name, ty.Identity))
	}
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = names[0] + " is typing..."
	default:
		line = strings.Join(names, ", ") + " are typing..."
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if line == t.lastTyping {
		return
	}
	t.lastTyping = line
	if line != "" {
		fmt.Fprintf(t.w, "  %s\n", line)
	}
}

// messagePrinter prints each durable message once and a short line when
// its reactions or thread summary change afterwards.
type messagePrinter struct {
	out *terminal

	mu   sync.Mutex
	seen map[string]string
}

func newMessagePrinter(out *terminal) *messagePrinter {
	return &messagePrinter{out: out, seen: make(map[string]string)}
}

func (p *messagePrinter) update(msgs []crewsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		state := reactionSummary(m.Reactions) + "|" + replySummary(m)
		prev, ok := p.seen[m.ID]
		p.seen[m.ID] = state
		switch {
		case !ok:
			p.out.printf("%s\n", formatMessage(m))
		case prev != state:
			detail := reactionSummary(m.Reactions)
			if m.ReplyCount > 0 {
				detail = strings.TrimSpace(detail + "  " + replySummary(m))
			}
			p.out.printf("  ~ %s: %s\n", m.ID, valueOrDefault(detail, "no reactions"))
		}
	}
}

// roster reports identities coming online and going offline.
type roster struct {
	out  *terminal
	self string

	mu     sync.Mutex
	online map[string]bool
}

func newRoster(out *terminal, self string) *roster {
	return &roster{out: out, self: self, online: make(map[string]bool)}
}

func (r *roster) update(members map[string]crewsync.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := members[id]
		if id == r.self || rec.Online == r.online[id] {
			continue
		}
		r.online[id] = rec.Online
		state := "offline"
		if rec.Online {
			state = "online"
		}
		r.out.printf("  %s is %s\n", valueOrDefault(rec.Name, id), state)
	}
}
