package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/lexwire/internal/broadcast"
	"github.com/ent0n29/lexwire/internal/config"
	"github.com/ent0n29/lexwire/internal/conn"
	"github.com/ent0n29/lexwire/internal/observability"
	"github.com/ent0n29/lexwire/internal/pipeline"
	"github.com/ent0n29/lexwire/internal/policy"
	"github.com/ent0n29/lexwire/internal/session"
	"github.com/ent0n29/lexwire/internal/tasks"
)

// gate is a pipeline that blocks until released or cancelled.
type gate struct {
	once    sync.Once
	release chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) Invoke(ctx context.Context, cmd pipeline.Command) (pipeline.Result, error) {
	select {
	case <-ctx.Done():
		return pipeline.Result{}, pipeline.ErrCancelled
	case <-g.release:
		return pipeline.Result{Response: "done: " + cmd.Query, Agent: "gate"}, nil
	}
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Registry
	conns    *conn.Manager
	tasks    *tasks.Manager
}

func newTestEnv(t *testing.T, pipe pipeline.Pipeline, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	log := zerolog.Nop()
	metrics := observability.NewMetrics("test_httpapi")

	sessions := session.NewRegistry(cfg.SessionTTL)
	conns := conn.NewManager(conn.Config{
		MaxTotal:      cfg.MaxConnections,
		MaxPerSession: cfg.MaxConnectionsPerSession,
		QueueSize:     cfg.OutboundQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
	}, log, metrics)
	bcast := broadcast.New(sessions, conns, metrics, log)
	taskManager := tasks.NewManager(tasks.Config{
		TaskTimeout:  cfg.TaskTimeout,
		HistoryLimit: cfg.TaskHistoryLimit,
		Policy:       policy.New(policy.Config{UserQueryPreempts: cfg.UserQueryPreempts}),
	}, sessions, bcast, pipe, metrics, log)

	conns.SetDetachHook(func(sessionID, connID string, _ error) {
		_ = sessions.DetachConnection(sessionID, connID)
	})
	sessions.SetExpireHook(func(snap session.Snapshot) {
		taskManager.ForgetSession(snap.ID)
		conns.CloseSession(snap.ID)
		bcast.Forget(snap.ID)
	})

	srv := New(cfg, Deps{
		Sessions:    sessions,
		Conns:       conns,
		Broadcaster: bcast,
		Tasks:       taskManager,
		Metrics:     metrics,
		Log:         log,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = taskManager.Shutdown(ctx)
		conns.CloseAll()
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts, sessions: sessions, conns: conns, tasks: taskManager}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (e *testEnv) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func attached(e *testEnv, sessionID string, n int) func() bool {
	return func() bool {
		return len(e.sessions.Connections(sessionID)) == n
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)

	res, body := env.getJSON(t, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "in-memory", body["task_store_mode"])

	res, _ = env.getJSON(t, "/readyz")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	env.srv.Drain()
	res, body = env.getJSON(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "draining", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)

	res, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWebSocketQueryRoundTrip(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)
	ws := env.dial(t, "session_id=s1&tenant_id=acme&user_id=u1")

	hello := readFrame(t, ws)
	assert.Equal(t, "connection_ack", hello["type"])
	assert.Equal(t, "Connected successfully", hello["message"])
	assert.Equal(t, "s1", hello["session_id"])
	assert.NotContains(t, hello, "seq")
	require.Eventually(t, attached(env, "s1", 1), 2*time.Second, 5*time.Millisecond)

	sendJSON(t, ws, map[string]any{"type": "query", "query": "summarize the lease"})

	ack := readFrame(t, ws)
	assert.Equal(t, "ack", ack["type"])
	assert.EqualValues(t, 1, ack["seq"])
	assert.Equal(t, "Processing request: summarize the lease...", ack["message"])

	resp := readFrame(t, ws)
	assert.Equal(t, "response", resp["type"])
	assert.EqualValues(t, 2, resp["seq"])
	assert.Equal(t, "I heard you: summarize the lease", resp["response"])
	assert.Equal(t, ack["task_id"], resp["task_id"])
}

func TestWebSocketPingAndInvalidFrames(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)
	ws := env.dial(t, "session_id=s1")
	readFrame(t, ws)

	sendJSON(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, ws)["type"])

	sendJSON(t, ws, map[string]any{"query": "heartbeat"})
	assert.Equal(t, "pong", readFrame(t, ws)["type"])

	sendJSON(t, ws, map[string]any{"type": "teleport"})
	ev := readFrame(t, ws)
	assert.Equal(t, "error_event", ev["type"])
	assert.Equal(t, "invalid_client_message", ev["code"])

	sendJSON(t, ws, map[string]any{"type": "cancel"})
	ev = readFrame(t, ws)
	assert.Equal(t, "no_active_task", ev["code"])
}

func TestWebSocketPerSessionLimit(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), func(c *config.Config) {
		c.MaxConnectionsPerSession = 1
	})
	first := env.dial(t, "session_id=s1")
	readFrame(t, first)

	second := env.dial(t, "session_id=s1")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	other := env.dial(t, "session_id=s2")
	assert.Equal(t, "connection_ack", readFrame(t, other)["type"])
}

func TestFanOutToEveryConnection(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)
	a := env.dial(t, "session_id=s1")
	b := env.dial(t, "session_id=s1")
	readFrame(t, a)
	readFrame(t, b)
	require.Eventually(t, attached(env, "s1", 2), 2*time.Second, 5*time.Millisecond)

	sendJSON(t, a, map[string]any{"type": "query", "query": "hi"})
	for _, ws := range []*websocket.Conn{a, b} {
		assert.Equal(t, "ack", readFrame(t, ws)["type"])
		assert.Equal(t, "response", readFrame(t, ws)["type"])
	}
}

func TestToolNotifyCoexistsThenUrgentPreempts(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g, nil)
	defer g.open()
	ws := env.dial(t, "session_id=s1")
	readFrame(t, ws)
	require.Eventually(t, attached(env, "s1", 1), 2*time.Second, 5*time.Millisecond)

	sendJSON(t, ws, map[string]any{"type": "query", "query": "draft a reply"})
	first := readFrame(t, ws)
	require.Equal(t, "ack", first["type"])

	res, body := env.postJSON(t, "/v1/sessions/s1/notify", map[string]any{
		"message": "Document indexed",
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, string(policy.Coexist), body["decision"])
	assert.Nil(t, body["task"])

	notice := readFrame(t, ws)
	assert.Equal(t, "notice", notice["type"])
	assert.Equal(t, "Document indexed", notice["message"])

	res, body = env.postJSON(t, "/v1/sessions/s1/notify", map[string]any{
		"message":                   "Deadline changed",
		"cancel_pending_processing": true,
	})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, string(policy.Preempt), body["decision"])

	cancelled := readFrame(t, ws)
	assert.Equal(t, "processing_cancelled", cancelled["type"])
	assert.Equal(t, first["task_id"], cancelled["task_id"])
	second := readFrame(t, ws)
	assert.Equal(t, "ack", second["type"])
	assert.NotEqual(t, first["task_id"], second["task_id"])
	// processing_cancelled already retired the first ack.
	assert.NotContains(t, second, "replaces_seq")
}

func TestNotifyValidation(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)

	res, body := env.postJSON(t, "/v1/sessions/missing/notify", map[string]any{"message": "x"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "session_not_found", body["code"])

	env.sessions.CreateOrGet("s1", "", "u1")
	res, body = env.postJSON(t, "/v1/sessions/s1/notify", map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestCancelEndpoint(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g, nil)
	defer g.open()
	ws := env.dial(t, "session_id=s1")
	readFrame(t, ws)

	res, body := env.postJSON(t, "/v1/sessions/s1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "no_active_task", body["code"])

	sendJSON(t, ws, map[string]any{"type": "query", "query": "long job"})
	ack := readFrame(t, ws)

	res, body = env.postJSON(t, "/v1/sessions/s1/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ack["task_id"], body["id"])
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, tasks.ReasonAPI, body["reason"])

	cancelled := readFrame(t, ws)
	assert.Equal(t, "processing_cancelled", cancelled["type"])

	res, body = env.getJSON(t, "/v1/tasks/"+ack["task_id"].(string))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
}

func TestReconnectKeepsRunningTask(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g, nil)
	defer g.open()

	first := env.dial(t, "session_id=s1")
	readFrame(t, first)
	sendJSON(t, first, map[string]any{"type": "query", "query": "slow research"})
	ack := readFrame(t, first)
	require.NoError(t, first.Close())
	require.Eventually(t, attached(env, "s1", 0), 2*time.Second, 5*time.Millisecond)

	active, ok := env.sessions.ActiveTask("s1")
	require.True(t, ok)
	assert.Equal(t, ack["task_id"], active)

	second := env.dial(t, "session_id=s1")
	readFrame(t, second)
	require.Eventually(t, attached(env, "s1", 1), 2*time.Second, 5*time.Millisecond)

	g.open()
	resp := readFrame(t, second)
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, ack["task_id"], resp["task_id"])
	assert.Equal(t, "done: slow research", resp["response"])
}

func TestEndSessionClosesConnections(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g, nil)
	defer g.open()
	ws := env.dial(t, "session_id=s1")
	readFrame(t, ws)
	require.Eventually(t, attached(env, "s1", 1), 2*time.Second, 5*time.Millisecond)
	sendJSON(t, ws, map[string]any{"type": "query", "query": "work"})
	ack := readFrame(t, ws)

	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/sessions/s1", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// The socket is closed by the server; drain whatever made it out first.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	res, _ = env.getJSON(t, "/v1/sessions/s1")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Eventually(t, func() bool { return env.conns.Stats().Total == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = env.tasks.Get(ack["task_id"].(string))
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)
}

func TestSessionAndStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, pipeline.NewMockPipeline(0), nil)
	ws := env.dial(t, "session_id=s1&user_id=u1")
	readFrame(t, ws)
	sendJSON(t, ws, map[string]any{"type": "query", "query": "hello"})
	readFrame(t, ws)
	readFrame(t, ws)

	res, body := env.getJSON(t, "/v1/sessions/s1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "u1", body["user_id"])
	assert.EqualValues(t, 2, body["last_seq"])

	res, body = env.getJSON(t, "/v1/sessions/s1/tasks")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, body["tasks"], 1)

	res, _ = env.getJSON(t, "/v1/sessions/s1/tasks?limit=zero")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	require.Eventually(t, func() bool {
		return env.tasks.Stats().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
	res, body = env.getJSON(t, "/v1/stats")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 1, body["sessions"])
	taskStats := body["tasks"].(map[string]any)
	assert.EqualValues(t, 1, taskStats["completed"])
	assert.Contains(t, body, "latency")
}
