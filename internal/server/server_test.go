package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wolfpack/internal/app"
	"wolfpack/internal/config"
	"wolfpack/internal/db"
	"wolfpack/internal/domain"
	"wolfpack/internal/migrate"
	"wolfpack/internal/repo"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
}

func newTestServer(t *testing.T, base *config.Config) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, Config{
		Runner:   app.Runner{Repo: r},
		Base:     base,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	httpSrv := &http.Server{Handler: srv}
	go httpSrv.Serve(ln)

	ts := &testServer{URL: "http://" + ln.Addr().String(), Repo: r, client: &http.Client{}}
	t.Cleanup(func() {
		httpSrv.Shutdown(context.Background())
		cancel()
		assert.NoError(t, srv.Wait())
		ts.client.CloseIdleConnections()
		conn.Close()
	})
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) login(t *testing.T, role string) map[string]string {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "tester", "role": role}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func (s *testServer) waitFinished(t *testing.T, id string, headers map[string]string) SessionDetailResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, data := s.do(t, http.MethodGet, "/v0/sessions/"+id, nil, headers)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var got SessionDetailResponse
		require.NoError(t, json.Unmarshal(data, &got))
		if got.Status != domain.SessionRunning {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s still running", id)
	return SessionDetailResponse{}
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := srv.do(t, http.MethodGet, "/v0/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), "unauthorized")

	res, _ = srv.do(t, http.MethodGet, "/v0/sessions", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = srv.do(t, http.MethodGet, "/v0/sessions", nil, map[string]string{"X-Api-Key": "wp_unknown"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMeReportsRole(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := srv.do(t, http.MethodGet, "/v0/me", nil, srv.login(t, domain.AccessModerator))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, WhoAmIResponse{ActorID: "tester", Role: domain.AccessModerator, Source: "jwt"}, me)
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	_, plain, err := srv.Repo.CreateAPIKey(context.Background(), "bot", "ci", domain.AccessSpectator)
	require.NoError(t, err)
	res, data := srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "bot", me.ActorID)
	assert.Equal(t, domain.AccessSpectator, me.Role)
}

func TestSpectatorCannotStartSession(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := srv.do(t, http.MethodPost, "/v0/sessions", map[string]any{}, srv.login(t, domain.AccessSpectator))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestCreateSessionRejectsBadSetup(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := srv.do(t, http.MethodPost, "/v0/sessions", map[string]any{
		"players":    []string{"A", "B", "C"},
		"werewolves": 3,
	}, srv.login(t, domain.AccessModerator))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Contains(t, string(data), "invalid_config")
}

func TestSessionRunsToCompletion(t *testing.T) {
	srv := newTestServer(t, nil)
	mod := srv.login(t, domain.AccessModerator)
	spec := srv.login(t, domain.AccessSpectator)

	res, data := srv.do(t, http.MethodPost, "/v0/sessions", map[string]any{"seed": 99}, mod)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var created SessionResponse
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, uint64(99), created.Seed)

	got := srv.waitFinished(t, created.ID, spec)
	assert.Equal(t, domain.SessionFinished, got.Status)
	assert.Len(t, got.Participants, len(config.Default().Session.Players))

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?limit=200", nil, spec)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var public paginatedEvents
	require.NoError(t, json.Unmarshal(data, &public))
	require.NotEmpty(t, public.Items)
	for _, evt := range public.Items {
		assert.Equal(t, "public", evt.Visibility, evt.Type)
	}

	res, _ = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?include_private=true", nil, spec)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?include_private=true&type=role.reveal", nil, mod)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reveals paginatedEvents
	require.NoError(t, json.Unmarshal(data, &reveals))
	assert.Len(t, reveals.Items, len(config.Default().Session.Players))

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/config", nil, spec)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cfg SessionConfigResponse
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, uint64(99), cfg.Seed)

	res, _ = srv.do(t, http.MethodPost, "/v0/sessions/"+created.ID+"/cancel", nil, mod)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/sessions?status=finished", nil, spec)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list paginatedSessions
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)
}

func TestEventPaging(t *testing.T) {
	srv := newTestServer(t, nil)
	mod := srv.login(t, domain.AccessModerator)
	res, data := srv.do(t, http.MethodPost, "/v0/sessions", map[string]any{"seed": 5}, mod)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var created SessionResponse
	require.NoError(t, json.Unmarshal(data, &created))
	srv.waitFinished(t, created.ID, mod)

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?limit=3", nil, mod)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var first paginatedEvents
	require.NoError(t, json.Unmarshal(data, &first))
	require.Len(t, first.Items, 3)
	require.NotEmpty(t, first.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?limit=3&cursor="+first.NextCursor, nil, mod)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var second paginatedEvents
	require.NoError(t, json.Unmarshal(data, &second))
	require.NotEmpty(t, second.Items)
	assert.Less(t, second.Items[0].ID, first.Items[2].ID)

	res, data = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?order=asc&limit=2", nil, mod)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tail paginatedEvents
	require.NoError(t, json.Unmarshal(data, &tail))
	require.Len(t, tail.Items, 2)
	assert.Equal(t, "session.start", tail.Items[0].Type)

	res, _ = srv.do(t, http.MethodGet, "/v0/sessions/"+created.ID+"/events?cursor=abc", nil, mod)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = srv.do(t, http.MethodGet, "/v0/sessions/missing/events", nil, mod)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hook.Close()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	d := newWebhookDispatcher(r, []config.WebhookConfig{{URL: hook.URL, Events: []string{"death"}, Secret: "s3"}}, zaptest.NewLogger(t))
	defer d.client.CloseIdleConnections()
	d.dispatchAll(ctx)

	require.NoError(t, r.InsertSession(ctx, domain.Session{ID: "s1", Status: domain.SessionRunning, Players: 3, CreatedAt: "2024-01-01T00:00:00Z"}, config.Default()))
	for _, row := range []struct{ typ, vis string }{{"death", "public"}, {"day.speech", "public"}, {"death", "private"}} {
		_, err := conn.Exec(`INSERT INTO events(session_id,ts,day,phase,type,visibility,participant,message,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
			"s1", "2024-01-01T00:00:00Z", 1, "day", row.typ, row.vis, "Ann", "Ann is found dead.", `{"cause":"werewolves"}`)
		require.NoError(t, err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "only public events of the subscribed type")
	assert.Equal(t, "death", received[0].Type)
	assert.Equal(t, "s1", received[0].SessionID)
	assert.JSONEq(t, `{"cause":"werewolves"}`, string(received[0].Payload))
	assert.Equal(t, "s3", headers[0].Get("X-Wolfpack-Secret"))
	assert.Equal(t, "death", headers[0].Get("X-Wolfpack-Event"))
}

func TestEnabledWebhooks(t *testing.T) {
	off := false
	hooks := enabledWebhooks([]config.WebhookConfig{{URL: "http://a"}, {URL: " "}, {URL: "http://b", Enabled: &off}})
	require.Len(t, hooks, 1)
	assert.Equal(t, "http://a", hooks[0].URL)
}
