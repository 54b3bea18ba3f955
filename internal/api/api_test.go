package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/transport"
)

type avatarFunc func(ctx context.Context, userID string) (string, error)

func (f avatarFunc) Resolve(ctx context.Context, userID string) (string, error) { return f(ctx, userID) }

func newServer(t *testing.T) (*httptest.Server, *call.Coordinator) {
	t.Helper()
	hub := transport.NewHub()
	sig := signaling.New(hub.Endpoint(), signaling.Options{SelfID: "A"})
	m := metrics.New()
	c := call.NewCoordinator(call.Options{Signaler: sig, DisplayName: "Alice", Metrics: m})

	avatars := avatarFunc(func(_ context.Context, id string) (string, error) {
		if id == "bob" {
			return "/avatars/bob.png", nil
		}
		return "", errors.New("unknown")
	})
	logs := NewLogBuffer(4)
	logs.ReadLines(strings.NewReader("one\n\ntwo\nthree\nfour\nfive\n"))
	srv := httptest.NewServer(NewHandler(Deps{Calls: c, Avatars: avatars, Metrics: m, Logs: logs}))
	t.Cleanup(func() {
		srv.Close()
		c.Close()
		_ = sig.Close()
	})
	return srv, c
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestStateIdle(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := get(t, srv, "/api/call/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st callState
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Nil(t, st.Session)
	assert.Nil(t, st.Invite)
	assert.False(t, st.PiPSupported)
}

func TestStartAndHangup(t *testing.T) {
	srv, c := newServer(t)

	resp, body := post(t, srv, "/api/call/start", `{"conversation_id":"c1","peer_id":"B","mode":"video"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var s call.Session
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	assert.Equal(t, "c1", s.ConversationID)
	assert.True(t, s.Outgoing)

	resp, _ = post(t, srv, "/api/call/start", `{"conversation_id":"c2","peer_id":"C","mode":"audio"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, body = post(t, srv, "/api/call/mute", ``)
	assert.JSONEq(t, `{"muted":true}`, body)
	_, body = post(t, srv, "/api/call/mute", `{"muted":false}`)
	assert.JSONEq(t, `{"muted":false}`, body)

	_, body = post(t, srv, "/api/call/hangup", ``)
	assert.JSONEq(t, `{"status":"hung_up"}`, body)
	_, ok := c.Machine().Session()
	assert.False(t, ok)

	_, body = post(t, srv, "/api/call/hangup", ``)
	assert.JSONEq(t, `{"status":"not_found"}`, body)

	_, body = get(t, srv, "/metrics")
	assert.Contains(t, body, "callcore_session_transitions_total")
}

func TestBadRequests(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := post(t, srv, "/api/call/start", `{"conversation_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/start", `{"conversation_id":"c1","peer_id":"B","mode":"fax"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/api/call/start")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/accept", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/mute", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body := post(t, srv, "/api/call/decline", ``)
	assert.JSONEq(t, `{"declined":false}`, body)

	_, body = post(t, srv, "/api/call/consume", `{"conversation_id":"c1"}`)
	assert.JSONEq(t, `{"status":"none"}`, body)
}

func TestLogs(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := get(t, srv, "/api/logs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	var entries []LogEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	msgs := make([]string, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Msg)
	}
	assert.Equal(t, []string{"two", "three", "four", "five"}, msgs, "oldest line dropped, blank skipped")
}

func TestFocus(t *testing.T) {
	srv, _ := newServer(t)
	_, body := post(t, srv, "/api/call/focus", `{"conversation_id":"c1"}`)
	assert.JSONEq(t, `{"viewing":"c1"}`, body)
}

func TestAvatarRoutes(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := get(t, srv, "/api/avatar/placeholder?name=Bob+Builder&seed=bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "BB")

	_, body = get(t, srv, "/api/avatar/bob")
	assert.JSONEq(t, `{"url":"/avatars/bob.png"}`, body)

	_, body = get(t, srv, "/api/avatar/nobody")
	assert.JSONEq(t, `{"url":""}`, body)
}

func TestEventsStream(t *testing.T) {
	srv, c := newServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); l != "" {
				return l
			}
		}
		return ""
	}

	assert.Equal(t, "event: state", next())
	assert.True(t, strings.HasPrefix(next(), "data: "))

	_, err = c.StartCall(context.Background(), "c1", "B", "audio")
	require.NoError(t, err)

	assert.Equal(t, "event: session", next())
	assert.Contains(t, next(), `"state":"connecting"`)
}

func TestReactionsOnEventStream(t *testing.T) {
	hub := transport.NewHub()
	self := signaling.New(hub.Endpoint(), signaling.Options{SelfID: "A"})
	peer := signaling.New(hub.Endpoint(), signaling.Options{SelfID: "B"})
	c := call.NewCoordinator(call.Options{Signaler: self})
	feed := NewReactionFeed()
	self.OnReaction(feed.Publish)

	srv := httptest.NewServer(NewHandler(Deps{Calls: c, Reactions: feed}))
	t.Cleanup(func() {
		srv.Close()
		c.Close()
		_ = self.Close()
		_ = peer.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, self.EnsureSubscribed(ctx, "c1", "B"))
	require.NoError(t, peer.EnsureSubscribed(ctx, "c1", "A"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); l != "" {
				return l
			}
		}
		return ""
	}
	require.Equal(t, "event: state", next())
	next()

	require.NoError(t, peer.SendReaction(ctx, "c1", "m1", "🎉"))

	assert.Equal(t, "event: reaction", next())
	assert.JSONEq(t, `{"conversationId":"c1","fromId":"B","messageId":"m1","emoji":"🎉"}`,
		strings.TrimPrefix(next(), "data: "))
}

func TestPlatformShell(t *testing.T) {
	srv, c := newServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/platform/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ready", "pipSupported": true}))
	require.Eventually(t, c.PiP().Ready, 2*time.Second, 5*time.Millisecond)

	_, body := post(t, srv, "/api/call/pip/enter", ``)
	assert.JSONEq(t, `{"ok":false}`, body, "no call to float")

	_, err = c.StartCall(context.Background(), "c1", "B", "video")
	require.NoError(t, err)

	_, body = post(t, srv, "/api/call/pip/enter", ``)
	assert.JSONEq(t, `{"ok":true}`, body)

	var cmd map[string]string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&cmd))
	assert.Equal(t, "enterPiP", cmd["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "pipAction", "action": "hangUp"}))
	require.Eventually(t, func() bool {
		_, ok := c.Machine().Session()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
