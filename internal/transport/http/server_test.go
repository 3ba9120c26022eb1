package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentloop/internal/adapter/llm/llmtest"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/history"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/media"
	"github.com/xiaot623/agentloop/internal/observability"
	"github.com/xiaot623/agentloop/internal/protocol"
	"github.com/xiaot623/agentloop/internal/repository"
	"github.com/xiaot623/agentloop/internal/service"
	v1 "github.com/xiaot623/agentloop/internal/transport/http/v1"
)

const testSecret = "test-secret"

type testServer struct {
	url   string
	store *repository.Store
	hub   *hub.Hub
}

func newTestServer(t *testing.T, secret string, steps ...llmtest.Step) *testServer {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	router := llmtest.NewRouter(llmtest.NewProvider(steps...))
	resolver := media.NewResolver(store, nil)
	loop := agent.NewLoop(agent.Deps{
		Messages: store,
		Sessions: store,
		Leases:   store,
		History:  history.New(store, resolver),
		Models:   router,
		Metrics:  metrics,
	}, agent.Config{LeaseTTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(nil)
	go h.Run(ctx)

	svc := service.New(store, router, loop, nil, resolver, h, nil)
	e := NewServer(svc, Options{
		JWTSecret: secret,
		Gatherer:  reg,
		Watch:     hub.NewServer(h, hub.DefaultWSConfig()),
		DB:        store,
	})
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{url: srv.URL, store: store, hub: h}
}

func bearer(t *testing.T, teamID, userID string) string {
	t.Helper()
	token, err := v1.SignToken(testSecret, teamID, userID, "member", time.Hour)
	require.NoError(t, err)
	return token
}

func TestAuthRequiresToken(t *testing.T) {
	ts := newTestServer(t, testSecret)

	resp, err := http.Get(ts.url + "/api/agent-v3/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.url+"/api/agent-v3/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, v1.Claims{
		TeamID: "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	req, _ = http.NewRequest(http.MethodGet, ts.url+"/api/agent-v3/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "expired")

	req, _ = http.NewRequest(http.MethodGet, ts.url+"/api/agent-v3/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, "t1", "u1"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestTokenScopesSessions(t *testing.T) {
	ts := newTestServer(t, testSecret)
	session := &domain.Session{TeamID: "t1", UserID: "u1", Title: "mine"}
	require.NoError(t, ts.store.CreateSession(context.Background(), session))

	for _, tc := range []struct {
		team, user string
		want       int
	}{
		{"t1", "u1", http.StatusOK},
		{"t1", "u2", http.StatusNotFound},
		{"t2", "u1", http.StatusNotFound},
	} {
		req, _ := http.NewRequest(http.MethodGet, ts.url+"/api/agent-v3/sessions/"+session.ID, nil)
		req.Header.Set("Authorization", "Bearer "+bearer(t, tc.team, tc.user))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, "%s/%s", tc.team, tc.user)
	}
}

func TestHeaderIdentityWithoutSecret(t *testing.T) {
	ts := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodPost, ts.url+"/api/agent-v3/sessions", strings.NewReader(`{"title":"dev"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(v1.HeaderTeamID, "t9")
	req.Header.Set(v1.HeaderUserID, "u9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessions, err := ts.store.ListSessions(context.Background(), "t9", "u9")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, testSecret)

	resp, err := http.Get(ts.url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agentloop_")
}

func TestCanvasDisabled(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Post(ts.url+"/api/canvas-agent/stream", "application/json",
		strings.NewReader(`{"boardId":"b1","message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestWatchMirrorsChatStream(t *testing.T) {
	ts := newTestServer(t, testSecret, llmtest.Step{Text: []string{"mirrored"}})
	session := &domain.Session{TeamID: "t1", UserID: "u1", ModelID: "scripted:test"}
	require.NoError(t, ts.store.CreateSession(context.Background(), session))
	token := bearer(t, "t1", "u1")

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/agent-v3/sessions/" + session.ID + "/watch?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return ts.hub.HasActiveConnections(session.ID) }, time.Second, 5*time.Millisecond)

	req, _ := http.NewRequest(http.MethodPost, ts.url+"/api/agent-v3/chat/stream",
		strings.NewReader(`{"sessionId":"`+session.ID+`","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := protocol.NewDecoder(resp.Body)
	var streamed []protocol.Type
	for {
		evt, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		streamed = append(streamed, evt.EventType())
	}
	require.NotEmpty(t, streamed)
	assert.Equal(t, protocol.TypeDone, streamed[len(streamed)-1])

	var mirrored []protocol.Type
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(mirrored) < len(streamed) {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		evt, err := protocol.NewDecoder(strings.NewReader(string(data))).Next()
		require.NoError(t, err)
		mirrored = append(mirrored, evt.EventType())
	}
	assert.Equal(t, streamed, mirrored)
}
