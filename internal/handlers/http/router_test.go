package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/repositories/memory"
	"livecast/internal/infrastructure/signal"
	"livecast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	server *httptest.Server
	relay  *signal.RelayServer
	tokens *services.TokenService
}

func newRelayFixture(t *testing.T, authRequired bool) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Auth.Required = authRequired

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	dir := memory.NewStreamDirectory(0)
	relay := signal.NewRelayServer(signal.RelayConfigFrom(cfg), dir, collector, nil)
	tokens := services.NewTokenService("secret", time.Hour)

	checker := monitoring.NewHealthChecker(nil)
	checker.AddDirectoryCheck(dir, time.Second)

	router := NewRouter(RouterDeps{
		Config:          cfg,
		Signal:          NewSignalHandler(relay),
		Streams:         NewStreamHandler(dir, 0),
		Health:          NewHealthHandler(checker, relay),
		Auth:            NewAuthHandler(tokens, relay, time.Hour),
		ParticipantAuth: middleware.ParticipantAuth(tokens, authRequired),
		Gatherer:        reg,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})
	return &relayFixture{server: srv, relay: relay, tokens: tokens}
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *relayFixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (f *relayFixture) issueToken(t *testing.T, id string) (int, IssueTokenResponse) {
	t.Helper()
	body, err := json.Marshal(IssueTokenRequest{ParticipantID: id})
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/api/v1/tokens", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out IssueTokenResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *relayFixture) connect(t *testing.T, token string) *signal.WebSocketTransport {
	t.Helper()
	tr := signal.NewWebSocketTransport(signal.ClientConfig{
		URL:             f.wsURL(),
		Token:           token,
		ConnectAttempts: 1,
		AttemptTimeout:  time.Second,
		RequestTimeout:  time.Second,
	}, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRouter_TokenConnectAndBrowse(t *testing.T) {
	f := newRelayFixture(t, true)

	code, issued := f.issueToken(t, "alice")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, domain.ParticipantID("alice"), issued.ParticipantID)
	assert.Equal(t, int64(3600), issued.ExpiresIn)

	tr := f.connect(t, issued.Token)
	require.Eventually(t, func() bool { return f.relay.IsConnected("alice") }, time.Second, 5*time.Millisecond)

	code, _ = f.issueToken(t, "alice")
	assert.Equal(t, http.StatusConflict, code)

	var created domain.StreamSession
	require.NoError(t, tr.Request(context.Background(), domain.EventCreateStream, domain.CreateStreamPayload{
		StreamID: "s1",
		UserID:   "alice",
		Title:    "hello",
		Category: "music",
	}, &created))
	assert.Equal(t, domain.ParticipantID("alice"), created.BroadcasterID)

	code, body := f.get(t, "/api/v1/streams")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Streams []domain.StreamSession `json:"streams"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "hello", list.Streams[0].Title)

	code, body = f.get(t, "/api/v1/streams/s1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"broadcasterId":"alice"`)

	code, body = f.get(t, "/api/v1/streams/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "NOT_FOUND")

	code, _ = f.get(t, "/api/v1/streams/bad%20id")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"connections":1`)

	code, body = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "livecast_relay_connections_active 1")
}

func TestRouter_RejectsAnonymousWhenAuthRequired(t *testing.T) {
	f := newRelayFixture(t, true)

	code, _ := f.get(t, "/ws?participant_id=bob")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.get(t, "/ws?token=forged")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRouter_AnonymousParticipant(t *testing.T) {
	f := newRelayFixture(t, false)

	tr := signal.NewWebSocketTransport(signal.ClientConfig{
		URL:             f.wsURL(),
		ParticipantID:   "bob",
		ConnectAttempts: 1,
		AttemptTimeout:  time.Second,
		RequestTimeout:  time.Second,
	}, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	var streams []domain.StreamSession
	require.NoError(t, tr.Request(context.Background(), domain.EventGetActiveStreams, nil, &streams))
	assert.Empty(t, streams)
	assert.True(t, f.relay.IsConnected("bob"))
}

func TestRouter_IssuesGeneratedIDs(t *testing.T) {
	f := newRelayFixture(t, true)

	resp, err := http.Post(f.server.URL+"/api/v1/tokens", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out IssueTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.ParticipantID)

	claims, err := f.tokens.Validate(out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.ParticipantID, claims.ParticipantID)
}
