package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/ratelimit"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/security"
	"github.com/jkaninda/scriptbox/internal/storage/memory"
)

const testKey = "sk-test"

type stubDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *stubDispatcher) Enqueue(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

type testServer struct {
	base       string
	dispatcher *stubDispatcher
	metrics    *observability.MetricsCollector
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startServer(t *testing.T, limit ratelimit.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	validator := security.MustNewValidator(security.DefaultPolicy())
	dispatcher := &stubDispatcher{}
	metrics := observability.NewMetricsCollector()

	scriptSvc := scripts.NewService(store.Scripts(), observability.NewInstrumentedValidator(validator, metrics), logger)
	execSvc := execution.NewService(store.Scripts(), store.Executions(), dispatcher, nil, logger)

	addr := freeAddr(t)
	gw := NewGateway(Config{
		ListenAddr:      addr,
		APIKeys:         map[string]string{testKey: "alice"},
		MetricsRegistry: metrics.Registry,
		Metrics:         metrics,
		HealthChecker:   observability.NewHealthChecker(logger),
	}, scriptSvc, execSvc, ratelimit.NewLimiter(limit), logger)

	go func() { _ = gw.Start(context.Background()) }()
	t.Cleanup(func() { _ = gw.Stop() })

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return &testServer{base: base, dispatcher: dispatcher, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.base+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) createScript(t *testing.T, content string) string {
	t.Helper()
	body, _ := json.Marshal(ScriptRequest{Name: "adder", Content: content})
	code, out := s.do(t, http.MethodPost, "/v1/scripts", string(body))
	require.Equal(t, http.StatusCreated, code, out)
	return out["id"].(string)
}

// --- Auth ---

func TestAuth_RequiresBearerKey(t *testing.T) {
	s := startServer(t, ratelimit.Config{})

	resp, err := http.Get(s.base + "/v1/scripts")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, s.base+"/v1/scripts", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit_RejectsAfterBurst(t *testing.T) {
	s := startServer(t, ratelimit.Config{RequestsPerMinute: 1, BurstSize: 2})

	for range 2 {
		code, _ := s.do(t, http.MethodGet, "/v1/scripts", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := s.do(t, http.MethodGet, "/v1/scripts", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
}

// --- Scripts ---

func TestScripts_CreateGetListDelete(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	id := s.createScript(t, "function process(d) { return d.a + d.b; }")

	code, out := s.do(t, http.MethodGet, "/v1/scripts/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "adder", out["name"])

	code, out = s.do(t, http.MethodGet, "/v1/scripts?page=1&size=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["total"])
	assert.EqualValues(t, 5, out["size"])

	code, _ = s.do(t, http.MethodDelete, "/v1/scripts/"+id, "")
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, "/v1/scripts/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestScripts_ForbiddenContentCarriesVerdict(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	body, _ := json.Marshal(ScriptRequest{Name: "bad", Content: `eval("1+1")`})

	code, out := s.do(t, http.MethodPost, "/v1/scripts", string(body))
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "script validation failed")
	verdict, ok := out["verdict"].(map[string]any)
	require.True(t, ok, out)
	assert.Equal(t, false, verdict["accepted"])
	assert.NotEmpty(t, verdict["reason"])
}

func TestScripts_InvalidInput(t *testing.T) {
	s := startServer(t, ratelimit.Config{})

	code, _ := s.do(t, http.MethodPost, "/v1/scripts", `{"name":"","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/v1/scripts", `{"name":"a","content":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/v1/scripts/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestScripts_ValidateDryRun(t *testing.T) {
	s := startServer(t, ratelimit.Config{})

	code, out := s.do(t, http.MethodPost, "/v1/scripts/validate", `{"content":"require('fs')"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["accepted"])

	code, out = s.do(t, http.MethodPost, "/v1/scripts/validate", `{"content":"function run(d) { return d; }"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["accepted"])
}

// --- Executions ---

func TestExecutions_StartWithRawBody(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	id := s.createScript(t, "function process(d) { return d.a + d.b; }")

	code, out := s.do(t, http.MethodPost, "/v1/scripts/"+id+"/executions", `{"a":2,"b":3}`)
	require.Equal(t, http.StatusAccepted, code, out)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(3)}, out["input"])

	execID := out["id"].(string)
	code, out = s.do(t, http.MethodGet, "/v1/executions/"+execID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, out["script_id"])

	s.dispatcher.mu.Lock()
	assert.Len(t, s.dispatcher.ids, 1)
	s.dispatcher.mu.Unlock()
}

func TestExecutions_StartWithEnvelope(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	id := s.createScript(t, "function process(d) { return d; }")

	code, out := s.do(t, http.MethodPost, "/v1/executions", `{"script_id":"`+id+`","data":[1,2]}`)
	require.Equal(t, http.StatusAccepted, code, out)
	assert.Equal(t, []any{float64(1), float64(2)}, out["input"])

	code, _ = s.do(t, http.MethodPost, "/v1/executions", `{"script_id":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/v1/scripts/"+id+"/executions", `{"a":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecutions_DispatchFailureIs503(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	id := s.createScript(t, "function process(d) { return d; }")
	s.dispatcher.mu.Lock()
	s.dispatcher.err = errors.New("queue full")
	s.dispatcher.mu.Unlock()

	code, _ := s.do(t, http.MethodPost, "/v1/scripts/"+id+"/executions", `1`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestExecutions_ListByScript(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	id := s.createScript(t, "function process(d) { return d; }")
	for range 3 {
		code, _ := s.do(t, http.MethodPost, "/v1/scripts/"+id+"/executions", `null`)
		require.Equal(t, http.StatusAccepted, code)
	}

	req, _ := http.NewRequest(http.MethodGet, s.base+"/v1/scripts/"+id+"/executions?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []ExecutionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)

	code, _ := s.do(t, http.MethodGet, "/v1/scripts/"+uuid.NewString()+"/executions", "")
	assert.Equal(t, http.StatusNotFound, code)
}

// --- Probes ---

func TestProbes_ReadyAndMetrics(t *testing.T) {
	s := startServer(t, ratelimit.Config{})
	s.createScript(t, "function process(d) { return d; }")

	resp, err := http.Get(s.base + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.base + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(raw), "scriptbox_http_requests_total")
	assert.Contains(t, string(raw), `scriptbox_security_validations_total{result="accepted"`)
}
