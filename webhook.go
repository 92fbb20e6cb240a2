package crewsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSource is the source tag every accepted payload carries.
const WebhookSource = "crewsync"

// SignatureHeader carries the hex HMAC-SHA256 of the body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Crewsync-Signature"

const maxWebhookBody = 1 << 20

// WebhookPayload is one change row pushed by the record store.
type WebhookPayload struct {
	Source    string          `json:"source"`
	EventID   string          `json:"eventId"`
	Type      FeedEventType   `json:"type"`
	Table     string          `json:"table"`
	Timestamp int64           `json:"timestamp"`
	Record    json.RawMessage `json:"record"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 signature in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body. A missing event ID is
// filled in.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Type != FeedInsert && payload.Type != FeedUpdate {
		return nil, fmt.Errorf("unsupported webhook type: %q", payload.Type)
	}
	if payload.Table == "" || len(payload.Record) == 0 {
		return nil, fmt.Errorf("missing required fields in webhook payload (table, record)")
	}
	if payload.EventID == "" {
		payload.EventID = uuid.NewString()
	}

	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a ChangeFeed fed by signed HTTP pushes. Mount HTTPHandler
// where the record store posts its change rows.
type WebhookFeed struct {
	secret string
	feeds  *feedRouter
	logger *slog.Logger
}

// NewWebhookFeed creates a webhook-backed feed.
func NewWebhookFeed(secret string, logger *slog.Logger) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookFeed{
		secret: secret,
		feeds:  newFeedRouter(logger),
		logger: logger,
	}, nil
}

// Subscribe registers handler for pushed rows matching filter.
func (w *WebhookFeed) Subscribe(ctx context.Context, filter FeedFilter, handler func(FeedEvent)) (Subscription, error) {
	s := w.feeds.add(filter, handler)
	return routerSubscription{router: w.feeds, id: s.id}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one push (verify + parse + dispatch). Returns the
// status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ev, err := decodeFeedEvent(payload.Type, payload.Table, payload.Record)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.dispatch(ev)
	w.logger.Debug("webhook dispatched", "event", payload.EventID, "type", payload.Type, "message", ev.Message.ID)
	return http.StatusOK, map[string]any{"ok": true, "eventId": payload.EventID}
}

func (w *WebhookFeed) dispatch(ev FeedEvent) {
	w.feeds.mu.RLock()
	var handlers []func(FeedEvent)
	for _, s := range w.feeds.subs {
		if s.filter.matches(ev.Table, ev.Message.ConversationID) {
			handlers = append(handlers, s.handler)
		}
	}
	w.feeds.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("webhook handler panicked", "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := crewsync.NewWebhookFeed("secret", nil)
//	http.Handle("/hooks/messages", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
