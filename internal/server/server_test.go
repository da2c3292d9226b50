package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/pkg/agent"
	"github.com/luciuslab/concierge/pkg/authflow"
	"github.com/luciuslab/concierge/pkg/dispatch"
	"github.com/luciuslab/concierge/pkg/lifecycle"
	"github.com/luciuslab/concierge/pkg/mcpconn"
	"github.com/luciuslab/concierge/pkg/pool"
	"github.com/luciuslab/concierge/pkg/registry"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) Name() string { return "stub" }

func (c *stubConn) Info() (mcpconn.ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mcpconn.ServerInfo{}, false
	}
	return mcpconn.ServerInfo{Name: "stub", ConnectedAt: time.Now()}, true
}

func (c *stubConn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *stubConn) ListTools(ctx context.Context) ([]mcpconn.ToolDefinition, error) {
	return nil, nil
}

func (c *stubConn) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type stubConnector struct{}

func (c *stubConnector) Connect(ctx context.Context, sessionKey string) ([]pool.ToolConn, error) {
	return []pool.ToolConn{&stubConn{}}, nil
}

type stubProvider struct{}

func (p *stubProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	return &agent.LLMResponse{Content: "done"}, nil
}

func (p *stubProvider) Provider() string { return "stub" }

type stubFactory struct{}

func (f *stubFactory) NewProvider(profile agent.Profile) (agent.LLMProvider, error) {
	return &stubProvider{}, nil
}

type stubProcess struct {
	out io.Reader
}

func (p *stubProcess) Stdout() io.Reader       { return p.out }
func (p *stubProcess) Terminate(time.Duration) {}
func (p *stubProcess) Exited() bool            { return false }

type stubLauncher struct {
	output  string
	pending chan struct{}
}

func (l *stubLauncher) Launch(svc config.AuthServiceConfig, sessionKey string) (authflow.Process, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(l.output))
		<-l.pending
		_ = pw.Close()
	}()
	return &stubProcess{out: pr}, nil
}

type testStack struct {
	ts        *httptest.Server
	sessions  *registry.Registry
	ctrl      *lifecycle.Controller
	markerDir string
}

func newTestStack(t *testing.T, mutate ...func(*config.Config)) *testStack {
	t.Helper()

	markerDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AI.Profiles = []config.AIProfile{{ID: "main", Provider: "openai", APIKey: "sk-test"}}
	cfg.ToolServers = []config.ToolServerConfig{{Name: "stub", Command: "true"}}
	cfg.Auth.Services = []config.AuthServiceConfig{
		{Service: "gmail", Command: "true", MarkerDir: markerDir},
	}
	cfg.Auth.URLWindow = 100 * time.Millisecond
	cfg.Auth.PollInterval = 10 * time.Millisecond
	cfg.Auth.TotalTimeout = 5 * time.Second
	cfg.Pool.CheckoutWait = time.Second
	cfg.Dispatch.Workers = 2
	cfg.Dispatch.RequestTimeout = 2 * time.Second
	for _, m := range mutate {
		m(cfg)
	}

	launcher := &stubLauncher{
		output:  "Visit this URL:\nhttps://accounts.google.com/o/oauth2/v2/auth?client_id=abc\n",
		pending: make(chan struct{}),
	}
	t.Cleanup(func() { close(launcher.pending) })

	ctrl, err := lifecycle.New(cfg, lifecycle.Options{
		Connector:       &stubConnector{},
		Launcher:        launcher,
		ProviderFactory: &stubFactory{},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	d, err := dispatch.New(cfg.Dispatch, ctrl.Pool(), ctrl.Verifier(), ctrl.Runner(), ctrl.Executor())
	require.NoError(t, err)
	d.Start()

	sessions, err := registry.Open(filepath.Join(t.TempDir(), "sessions.db"), 0)
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Server:     cfg.Server,
		Auth:       cfg.Auth,
		Dispatcher: d,
		Controller: ctrl,
		Sessions:   sessions,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
		_ = ctrl.Shutdown(ctx)
		_ = sessions.Close()
	})

	return &testStack{ts: ts, sessions: sessions, ctrl: ctrl, markerDir: markerDir}
}

func postJSON(t *testing.T, url, body, cookie string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", identityCookie+"="+cookie)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &payload), "body: %s", data)
	}
	return resp, payload
}

func TestAgentEndpoint(t *testing.T) {
	stack := newTestStack(t)

	resp, payload := postJSON(t, stack.ts.URL+"/agent", `{"query":"hello"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", payload["response"])
	assert.NotEmpty(t, payload["request_id"])

	// First contact issues the identity cookie.
	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == identityCookie {
			cookie = c.Value
			assert.True(t, c.HttpOnly)
		}
	}
	require.NotEmpty(t, cookie)

	// Replaying the cookie reuses the session.
	resp, _ = postJSON(t, stack.ts.URL+"/agent", `{"query":"again"}`, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n, err := stack.sessions.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAgentEndpointValidation(t *testing.T) {
	stack := newTestStack(t)

	cases := []string{
		`{}`,
		`{"query":""}`,
		`{"query":"hi","extra":1}`,
		`not json`,
	}
	for _, body := range cases {
		resp, payload := postJSON(t, stack.ts.URL+"/agent", body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.Equal(t, "INVALID_INPUT", payload["code"], "body %q", body)
	}
}

func TestAgentEndpointAcceptsServiceHints(t *testing.T) {
	stack := newTestStack(t)

	sess, _, err := stack.sessions.EnsureSession(context.Background(), "user-1")
	require.NoError(t, err)

	markerPath := authflow.MarkerPath(stack.markerDir, sess.Key, "gmail")
	expiry := time.Now().Add(time.Hour).UnixMilli()
	content := `{"access_token":"at","refresh_token":"rt","expiry_date":` + jsonInt(expiry) + `}`
	require.NoError(t, os.WriteFile(markerPath, []byte(content), 0600))

	resp, payload := postJSON(t, stack.ts.URL+"/agent",
		`{"query":"list my mail","serviceHints":["gmail"]}`, "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", payload["response"])
}

func TestAgentEndpointHintWithoutAuthorization(t *testing.T) {
	stack := newTestStack(t)

	// No marker for gmail: the request is refused before dispatch so the
	// caller can prompt for consent.
	resp, payload := postJSON(t, stack.ts.URL+"/agent",
		`{"query":"list my mail","serviceHints":["gmail"]}`, "user-1")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH_REQUIRED", payload["code"])

	// Hints that are not authorization services pass through.
	resp, _ = postJSON(t, stack.ts.URL+"/agent",
		`{"query":"what time is it","serviceHints":["clock"]}`, "user-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentEndpointHintWithExpiredCredentials(t *testing.T) {
	stack := newTestStack(t)

	sess, _, err := stack.sessions.EnsureSession(context.Background(), "user-1")
	require.NoError(t, err)

	markerPath := authflow.MarkerPath(stack.markerDir, sess.Key, "gmail")
	expiry := time.Now().Add(-time.Hour).UnixMilli()
	content := `{"access_token":"at","expiry_date":` + jsonInt(expiry) + `}`
	require.NoError(t, os.WriteFile(markerPath, []byte(content), 0600))

	resp, payload := postJSON(t, stack.ts.URL+"/agent",
		`{"query":"list my mail","serviceHints":["gmail"]}`, "user-1")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH_REQUIRED", payload["code"])
}

func TestAgentEndpointMethodNotAllowed(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.ts.URL + "/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthStartReturnsURL(t *testing.T) {
	stack := newTestStack(t)

	resp, payload := postJSON(t, stack.ts.URL+"/auth/gmail", "", "user-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/v2/auth?client_id=abc", payload["url"])
	assert.Equal(t, float64(1), payload["generation"])
}

func TestAuthStartUnknownService(t *testing.T) {
	stack := newTestStack(t)

	resp, payload := postJSON(t, stack.ts.URL+"/auth/drive", "", "user-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", payload["code"])
}

func TestAuthStatusUnauthorized(t *testing.T) {
	stack := newTestStack(t)

	resp, payload := postJSON(t, stack.ts.URL+"/auth/gmail/status", "", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, payload["authorized"])
}

func TestAuthStatusWithValidMarker(t *testing.T) {
	stack := newTestStack(t)

	sess, _, err := stack.sessions.EnsureSession(context.Background(), "user-1")
	require.NoError(t, err)

	markerPath := authflow.MarkerPath(stack.markerDir, sess.Key, "gmail")
	expiry := time.Now().Add(time.Hour).UnixMilli()
	content := `{"access_token":"at","refresh_token":"rt","expiry_date":` +
		jsonInt(expiry) + `}`
	require.NoError(t, os.WriteFile(markerPath, []byte(content), 0600))

	resp, payload := postJSON(t, stack.ts.URL+"/auth/gmail/status", "", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, payload["authorized"])
	assert.NotEmpty(t, payload["expires_at"])
}

func TestAuthStatusWithExpiredMarker(t *testing.T) {
	stack := newTestStack(t)

	sess, _, err := stack.sessions.EnsureSession(context.Background(), "user-1")
	require.NoError(t, err)

	markerPath := authflow.MarkerPath(stack.markerDir, sess.Key, "gmail")
	expiry := time.Now().Add(-time.Hour).UnixMilli()
	content := `{"access_token":"at","expiry_date":` + jsonInt(expiry) + `}`
	require.NoError(t, os.WriteFile(markerPath, []byte(content), 0600))

	resp, payload := postJSON(t, stack.ts.URL+"/auth/gmail/status", "", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, payload["authorized"])
	assert.Equal(t, "credentials expired", payload["reason"])
}

func TestAuthStatusAfterFlowTimeout(t *testing.T) {
	stack := newTestStack(t, func(cfg *config.Config) {
		cfg.Auth.TotalTimeout = 150 * time.Millisecond
	})

	resp, _ := postJSON(t, stack.ts.URL+"/auth/gmail", "", "user-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Once the flow times out without a marker, status surfaces the
	// typed authorization error instead of a bare unauthorized payload.
	assert.Eventually(t, func() bool {
		resp, payload := postJSON(t, stack.ts.URL+"/auth/gmail/status", "", "user-1")
		return resp.StatusCode == http.StatusUnauthorized && payload["code"] == "AUTH_TIMEOUT"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestLogout(t *testing.T) {
	stack := newTestStack(t)

	resp, _ := postJSON(t, stack.ts.URL+"/agent", `{"query":"hello"}`, "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, stack.ctrl.Pool().TrackedSessions())

	resp, payload := postJSON(t, stack.ts.URL+"/logout", "", "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload["status"])

	// Cookie cleared, session gone.
	for _, c := range resp.Cookies() {
		if c.Name == identityCookie {
			assert.Less(t, c.MaxAge, 0)
		}
	}
	assert.Equal(t, 0, stack.ctrl.Pool().TrackedSessions())

	n, err := stack.sessions.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHealthz(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Contains(t, payload, "live_handles")
	assert.Contains(t, payload, "queue_depth")
}

func TestMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t)

	resp, err := http.Get(stack.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthorizationStream(t *testing.T) {
	stack := newTestStack(t)

	wsURL := "ws" + strings.TrimPrefix(stack.ts.URL, "http") + "/ws/authorizations"
	header := http.Header{}
	header.Set("Cookie", identityCookie+"=user-1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Kick off a flow after subscribing so its transitions stream out.
	go func() {
		req, _ := http.NewRequest(http.MethodPost, stack.ts.URL+"/auth/gmail", nil)
		req.Header.Set("Cookie", identityCookie+"=user-1")
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var tr authflow.Transition
	require.NoError(t, conn.ReadJSON(&tr))
	assert.Equal(t, "gmail", tr.Service)
	assert.NotEmpty(t, tr.State)
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
