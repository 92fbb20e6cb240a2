package crewsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake API server
// ============================================================================

const testToken = "test-session-token"

// fakeAPI serves the record store API over a MemoryStore.
type fakeAPI struct {
	*httptest.Server
	store *MemoryStore

	mu       sync.Mutex
	files    map[string][]byte
	fileHits map[string]int
	requests []*http.Request
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{store: NewMemoryStore(), files: make(map[string][]byte), fileHits: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var nm NewMessage
		if err := json.NewDecoder(r.Body).Decode(&nm); err != nil {
			apiFail(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		m, err := api.store.Insert(r.Context(), nm)
		if err != nil {
			apiFail(w, http.StatusInternalServerError, "INSERT_FAILED", err.Error())
			return
		}
		apiOK(w, m)
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		msgs, err := api.store.Query(r.Context(), MessageQuery{
			ConversationID: q.Get("conversationId"),
			ParentID:       q.Get("parentId"),
			TopLevelOnly:   q.Get("topLevel") == "true",
		})
		if err != nil {
			apiFail(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
			return
		}
		if msgs == nil {
			msgs = []Message{}
		}
		apiOK(w, msgs)
	})
	mux.HandleFunc("GET /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, err := api.store.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, ErrNotFound) {
			apiFail(w, http.StatusNotFound, "NOT_FOUND", "message not found")
			return
		}
		apiOK(w, m)
	})
	mux.HandleFunc("PATCH /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		patch, err := DecodePatch(body)
		if err != nil {
			apiFail(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		if err := api.store.Update(r.Context(), r.PathValue("id"), patch); err != nil {
			apiFail(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		apiOK(w, map[string]bool{"updated": true})
	})
	mux.HandleFunc("POST /api/messages/{id}/reactions", func(w http.ResponseWriter, r *http.Request) {
		var toggle reactionToggle
		if err := json.NewDecoder(r.Body).Decode(&toggle); err != nil || toggle.Emoji == "" || toggle.Actor == "" {
			apiFail(w, http.StatusBadRequest, "BAD_REQUEST", "emoji and actor required")
			return
		}
		reactions, err := api.store.ToggleReaction(r.Context(), r.PathValue("id"), toggle.Emoji, toggle.Actor)
		if err != nil {
			apiFail(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		if reactions == nil {
			reactions = []Reaction{}
		}
		apiOK(w, reactions)
	})
	mux.HandleFunc("GET /api/reads/{conv}", func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		at, _ := api.store.LastReadAt(r.Context(), r.PathValue("conv"), identity)
		marker := readMarker{Identity: identity}
		if !at.IsZero() {
			marker.LastReadAt = &at
		}
		apiOK(w, marker)
	})
	mux.HandleFunc("PUT /api/reads/{conv}", func(w http.ResponseWriter, r *http.Request) {
		var marker readMarker
		if err := json.NewDecoder(r.Body).Decode(&marker); err != nil || marker.LastReadAt == nil {
			apiFail(w, http.StatusBadRequest, "BAD_REQUEST", "lastReadAt required")
			return
		}
		_ = api.store.MarkRead(r.Context(), r.PathValue("conv"), marker.Identity, *marker.LastReadAt)
		apiOK(w, marker)
	})
	mux.HandleFunc("GET /api/conversations/{conv}/latest", func(w http.ResponseWriter, r *http.Request) {
		latest, _ := api.store.LatestMessageAt(r.Context(), r.PathValue("conv"))
		var out struct {
			LatestMessageAt *time.Time `json:"latestMessageAt"`
		}
		if !latest.IsZero() {
			out.LatestMessageAt = &latest
		}
		apiOK(w, out)
	})
	mux.HandleFunc("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			apiFail(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		api.mu.Lock()
		api.files[header.Filename] = data
		api.mu.Unlock()
		apiOK(w, map[string]string{"url": api.URL + "/files/" + header.Filename, "mimeType": r.FormValue("mimeType")})
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		data, ok := api.files[r.PathValue("name")]
		api.fileHits[r.PathValue("name")]++
		api.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.requests = append(api.requests, r)
		api.mu.Unlock()
		if !strings.HasPrefix(r.URL.Path, "/files/") && r.Header.Get("Authorization") != "Bearer "+testToken {
			apiFail(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) hits(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fileHits[name]
}

func (a *fakeAPI) lastRequest() *http.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func apiOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	writeJSON(w, http.StatusOK, apiResult{OK: true, Data: raw})
}

func apiFail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiResult{OK: false, Error: &APIError{Code: code, Message: message}})
}

// ============================================================================
// Tests
// ============================================================================

func TestClientMessages(t *testing.T) {
	api := newFakeAPI(t)
	client := NewClient(testToken, WithBaseURL(api.URL+"/"))
	ctx := context.Background()

	parent, err := client.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "alice", Text: "parent", PendingID: "temp-7"})
	require.NoError(t, err)
	assert.NotEmpty(t, parent.ID)
	assert.Equal(t, "temp-7", parent.PendingID)

	req := api.lastRequest()
	assert.Equal(t, "Bearer "+testToken, req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get("X-Request-Id"))

	r, err := client.Insert(ctx, NewMessage{ConversationID: "general", AuthorID: "bob", Text: "reply", ParentID: parent.ID})
	require.NoError(t, err)

	top, err := client.Query(ctx, MessageQuery{ConversationID: "general", TopLevelOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, ids(top))

	replies, err := client.Query(ctx, MessageQuery{ConversationID: "general", ParentID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, ids(replies))

	none, err := client.Query(ctx, MessageQuery{ConversationID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, none)

	reactions := []Reaction{{Emoji: "👍", Users: []string{"bob"}}}
	require.NoError(t, client.Update(ctx, parent.ID, MessagePatch{Reactions: &reactions}))
	got, err := client.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, reactions, got.Reactions)

	toggled, err := client.ToggleReaction(ctx, parent.ID, "👍", "alice")
	require.NoError(t, err)
	assert.Equal(t, []Reaction{{Emoji: "👍", Users: []string{"bob", "alice"}}}, toggled)
	toggled, err = client.ToggleReaction(ctx, parent.ID, "👍", "bob")
	require.NoError(t, err)
	assert.Equal(t, []Reaction{{Emoji: "👍", Users: []string{"alice"}}}, toggled)
	req = api.lastRequest()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/messages/"+parent.ID+"/reactions", req.URL.Path)

	_, err = client.ToggleReaction(ctx, "missing", "👍", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestClientReadMarkers(t *testing.T) {
	api := newFakeAPI(t)
	client := NewClient(testToken, WithBaseURL(api.URL))
	ctx := context.Background()

	read, err := client.LastReadAt(ctx, "general", "alice")
	require.NoError(t, err)
	assert.True(t, read.IsZero())

	latest, err := client.LatestMessageAt(ctx, "general")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	require.NoError(t, client.MarkRead(ctx, "general", "alice", at(10)))
	require.NoError(t, client.MarkRead(ctx, "general", "alice", at(5)))
	read, err = client.LastReadAt(ctx, "general", "alice")
	require.NoError(t, err)
	assert.True(t, read.Equal(at(10)))

	api.store.Put(msg("m1", "general", "bob", at(12), "new"))
	latest, err = client.LatestMessageAt(ctx, "general")
	require.NoError(t, err)
	assert.True(t, latest.Equal(at(12)))
}

func TestClientUploadAndPreload(t *testing.T) {
	api := newFakeAPI(t)
	client := NewClient(testToken, WithBaseURL(api.URL), WithTimeout(5*time.Second))
	ctx := context.Background()

	url, err := client.Upload(ctx, Upload{FileName: "cat.png", Data: []byte("png-bytes")})
	require.NoError(t, err)
	assert.Equal(t, api.URL+"/files/cat.png", url)

	require.NoError(t, client.Preload(ctx, url))
	require.NoError(t, client.Preload(ctx, url))
	assert.Equal(t, 1, api.hits("cat.png"))

	err = client.Preload(ctx, api.URL+"/files/missing.png")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = client.Upload(ctx, Upload{FileName: "huge.bin", Data: make([]byte, maxUploadSize+1)})
	require.Error(t, err)
}

func TestClientErrors(t *testing.T) {
	api := newFakeAPI(t)
	ctx := context.Background()

	t.Run("rejected token", func(t *testing.T) {
		client := NewClient("wrong", WithBaseURL(api.URL))
		_, err := client.Query(ctx, MessageQuery{ConversationID: "general"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "UNAUTHORIZED", apiErr.Code)

		client.SetToken(testToken)
		_, err = client.Query(ctx, MessageQuery{ConversationID: "general"})
		require.NoError(t, err)
	})

	t.Run("non-JSON error body", func(t *testing.T) {
		client := NewClient(testToken, WithBaseURL(api.URL))
		_, err := client.doRequest(ctx, http.MethodGet, "/broken", nil, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
		assert.Equal(t, "upstream unavailable", apiErr.Message)
	})

	t.Run("cancelled context", func(t *testing.T) {
		client := NewClient(testToken, WithBaseURL(api.URL))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.Get(cctx, "m1")
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestClientURLs(t *testing.T) {
	c := NewClient("", WithBaseURL("https://crew.example.com/"))
	assert.Equal(t, "https://crew.example.com", c.BaseURL())
	assert.Equal(t, "wss://crew.example.com/realtime", c.RealtimeURL())
	assert.Equal(t, "https://crew.example.com/events", c.EventsURL())

	assert.Equal(t, "ws://localhost:8787/realtime", NewClient("").RealtimeURL())
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"notes.md":    "text/markdown",
		"photo.WEBP":  "image/webp",
		"doc.pdf":     "application/pdf",
		"image.png":   "image/png",
		"README":      "application/octet-stream",
		"data.zzzzzz": "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, guessMimeType(name), name)
	}
}

func TestSessionOverHTTP(t *testing.T) {
	api := newFakeAPI(t)
	client := NewClient(testToken, WithBaseURL(api.URL))
	h := newHarness(t)

	s := h.session(alice, func(o *Options) {
		o.Records = client
		o.Blobs = client
		o.Preloader = client
		o.Feed = api.store
	})
	c := h.open(s, "general")
	results := collectResults(c)

	_, err := c.Send(context.Background(), SendRequest{
		Text:        "over the wire",
		Attachments: []Upload{{FileName: "diagram.png", Data: []byte("png")}},
	})
	require.NoError(t, err)
	res := waitResult(t, results)
	require.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == res.Message.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{api.URL + "/files/diagram.png"}, c.Messages()[0].Attachments)
	assert.Equal(t, 1, api.hits("diagram.png"))

	_, err = c.React(context.Background(), res.Message.ID, "🚀")
	require.NoError(t, err)
	stored, err := api.store.Get(context.Background(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, []Reaction{{Emoji: "🚀", Users: []string{"alice"}}}, stored.Reactions)
}
