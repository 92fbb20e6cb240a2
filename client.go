// Package crewsync keeps one client's view of a team conversation in sync
// with the shared record store: optimistic sends and reactions, a change
// feed reconciler, thread summaries, presence, typing and unread
// notifications.
//
// Example:
//
//	client := crewsync.NewClient(token, crewsync.WithBaseURL("https://crew.example.com"))
//	rt := crewsync.NewRealtimeClient(client.RealtimeURL(), token, nil)
//	_ = rt.Connect(ctx)
//
//	sess, _ := crewsync.NewSession(crewsync.Options{
//		Identity:  ident,
//		Records:   client,
//		Blobs:     client,
//		Preloader: client,
//		Feed:      rt,
//		Channels:  rt,
//	})
//	conv, _ := sess.Open(ctx, "general")
//	conv.Send(ctx, crewsync.SendRequest{Text: "hello"})
package crewsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8787"
	DefaultTimeout = 30 * time.Second
	maxUploadSize  = 25 * 1024 * 1024
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the record store and blob storage over HTTP. It
// implements RecordStore, BlobStore and Preloader.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	preloaded map[string]struct{}
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client authenticated with the session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		preloaded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// RealtimeURL returns the WebSocket endpoint for this API root.
func (c *Client) RealtimeURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime"
}

// EventsURL returns the server-sent events endpoint.
func (c *Client) EventsURL() string { return c.baseURL + "/events" }

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the envelope every API response uses.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) decode(v any) error {
	if r.Data == nil || v == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*apiResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseResult(resp.StatusCode, data)
}

func (c *Client) setHeaders(req *http.Request) {
	if tok := c.currentToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
}

func parseResult(status int, data []byte) (*apiResult, error) {
	res, err := decodeJSON[apiResult](data)
	if err != nil {
		if status >= 300 {
			return nil, &APIError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(data))}
		}
		return nil, err
	}
	if status >= 300 || !res.OK {
		apiErr := &APIError{Status: status, Code: "REQUEST_FAILED", Message: "request failed"}
		if res.Error != nil {
			apiErr.Code, apiErr.Message = res.Error.Code, res.Error.Message
		}
		return nil, apiErr
	}
	return res, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// RecordStore
// ============================================================================

func (c *Client) Insert(ctx context.Context, msg NewMessage) (Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/messages", msg, nil)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	var out Message
	if err := res.decode(&out); err != nil {
		return Message{}, fmt.Errorf("decode inserted message: %w", err)
	}
	return out, nil
}

func (c *Client) Query(ctx context.Context, q MessageQuery) ([]Message, error) {
	params := url.Values{"conversationId": {q.ConversationID}}
	switch {
	case q.ParentID != "":
		params.Set("parentId", q.ParentID)
	case q.TopLevelOnly:
		params.Set("topLevel", "true")
	}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/messages", nil, params)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var out []Message
	if err := res.decode(&out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (Message, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	var out Message
	if err := res.decode(&out); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, id string, patch MessagePatch) error {
	patch.ID = id
	if patch.Reactions != nil && *patch.Reactions == nil {
		// null would read as "unchanged"; an empty list clears
		empty := []Reaction{}
		patch.Reactions = &empty
	}
	if _, err := c.doRequest(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), patch, nil); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

type reactionToggle struct {
	Emoji string `json:"emoji"`
	Actor string `json:"actor"`
}

// ToggleReaction asks the server to flip actor's emoji. The server applies
// it against its own copy of the message and answers with the stored list.
func (c *Client) ToggleReaction(ctx context.Context, id, emoji, actor string) ([]Reaction, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/reactions",
		reactionToggle{Emoji: emoji, Actor: actor}, nil)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction on %s: %w", id, err)
	}
	var payload ReactionPayload
	if err := res.decode(&payload); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return payload.Normalize(), nil
}

type readMarker struct {
	Identity   string     `json:"identity"`
	LastReadAt *time.Time `json:"lastReadAt"`
}

func (c *Client) LastReadAt(ctx context.Context, conversationID, identity string) (time.Time, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/reads/"+url.PathEscape(conversationID),
		nil, url.Values{"identity": {identity}})
	if err != nil {
		return time.Time{}, fmt.Errorf("last read of %s: %w", conversationID, err)
	}
	var m readMarker
	if err := res.decode(&m); err != nil {
		return time.Time{}, fmt.Errorf("decode read marker: %w", err)
	}
	if m.LastReadAt == nil {
		return time.Time{}, nil
	}
	return *m.LastReadAt, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, identity string, at time.Time) error {
	body := readMarker{Identity: identity, LastReadAt: &at}
	if _, err := c.doRequest(ctx, http.MethodPut, "/api/reads/"+url.PathEscape(conversationID), body, nil); err != nil {
		return fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	return nil
}

func (c *Client) LatestMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/latest", nil, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest message of %s: %w", conversationID, err)
	}
	var out struct {
		LatestMessageAt *time.Time `json:"latestMessageAt"`
	}
	if err := res.decode(&out); err != nil {
		return time.Time{}, fmt.Errorf("decode latest message time: %w", err)
	}
	if out.LatestMessageAt == nil {
		return time.Time{}, nil
	}
	return *out.LatestMessageAt, nil
}

// ============================================================================
// BlobStore & Preloader
// ============================================================================

// Upload stores one attachment and returns its hosted URL.
func (c *Client) Upload(ctx context.Context, u Upload) (string, error) {
	if len(u.Data) > maxUploadSize {
		return "", fmt.Errorf("%s exceeds maximum size of 25 MB", u.FileName)
	}
	mimeType := u.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(u.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("mimeType", mimeType)
	part, err := w.CreateFormFile("file", u.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(u.Data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	res, err := parseResult(resp.StatusCode, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", u.FileName, err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := res.decode(&out); err != nil {
		return "", fmt.Errorf("decode upload: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload %s: empty url in response", u.FileName)
	}
	return out.URL, nil
}

// Preload fetches rawURL once so it is in the HTTP cache before display.
// URLs already fetched by this client return immediately.
func (c *Client) Preload(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	_, done := c.preloaded[rawURL]
	c.mu.Unlock()
	if done {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("preload %s: %w", rawURL, err)
	}
	if strings.HasPrefix(rawURL, c.baseURL) {
		c.setHeaders(req)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("preload %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("preload %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Code: "PRELOAD_FAILED", Message: rawURL}
	}

	c.mu.Lock()
	c.preloaded[rawURL] = struct{}{}
	c.mu.Unlock()
	return nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(t, ";"); idx > 0 {
		t = strings.TrimSpace(t[:idx])
	}
	return t
}
