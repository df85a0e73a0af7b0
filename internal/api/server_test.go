package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/auth"
	"github.com/JakeFAU/keypick-gateway/internal/backend"
	"github.com/JakeFAU/keypick-gateway/internal/clock"
	"github.com/JakeFAU/keypick-gateway/internal/config"
	"github.com/JakeFAU/keypick-gateway/internal/dispatcher"
	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	taskid "github.com/JakeFAU/keypick-gateway/internal/id/uuid"
	queueMemory "github.com/JakeFAU/keypick-gateway/internal/queue/memory"
	"github.com/JakeFAU/keypick-gateway/internal/respcache"
	"github.com/JakeFAU/keypick-gateway/internal/storage/memory"
	"github.com/JakeFAU/keypick-gateway/internal/store"
	"github.com/JakeFAU/keypick-gateway/internal/worker"
)

const testKey = "secret"

var now = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

// fakeBackend records what reached the upstream.
type fakeBackend struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	srv      *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, r.Clone(context.Background()))
		fb.bodies = append(fb.bodies, string(body))
		fb.mu.Unlock()

		w.Header().Set("Access-Control-Allow-Origin", "https://backend.example")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/crawl/platforms":
			_, _ = w.Write([]byte(`{"platforms":["xhs","weibo"]}`))
		case r.URL.Path == "/api/crawl/execute":
			_, _ = w.Write([]byte(`{"items":[{"title":"latte"}]}`))
		case strings.HasPrefix(r.URL.Path, "/api/crawl/status/"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"task not found"}`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintf(w, `{"method":%q,"path":%q}`, r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) last() (*http.Request, string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := len(fb.requests)
	if n == 0 {
		return nil, ""
	}
	return fb.requests[n-1], fb.bodies[n-1]
}

func (fb *fakeBackend) count(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, r := range fb.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

type stubArchive struct {
	mu    sync.Mutex
	tasks map[string]gateway.Task
}

func (a *stubArchive) SaveTask(_ context.Context, task gateway.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[task.ID] = task
	return nil
}

func (a *stubArchive) GetTask(_ context.Context, id string) (gateway.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[id]
	if !ok {
		return gateway.Task{}, gateway.ErrNotFound
	}
	return task, nil
}

type harness struct {
	server  *Server
	backend *fakeBackend
	client  *backend.Client
	kv      *memory.KVStore
	tasks   *store.TaskRepo
	queue   *queueMemory.Queue
	cache   *respcache.Cache
	archive *stubArchive
	clock   *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fb := newFakeBackend(t)
	cfg := config.Config{
		Server:  config.ServerConfig{Region: "iad", RegionHeader: "X-Edge-Region", CORSOrigin: "*"},
		Service: config.ServiceConfig{Name: "keypick-gateway", Version: "1.2.3", Commit: "abc123"},
	}
	clk := clock.NewManual(now)
	kv := memory.NewKVStore(clk)
	tasks := store.NewTaskRepo(kv, 24*time.Hour)
	q := queueMemory.NewQueue(queueMemory.Options{Capacity: 16, RetryDelay: time.Millisecond}, nil)
	t.Cleanup(func() { _ = q.Close() })

	client, err := backend.New(backend.Config{BaseURL: fb.srv.URL, ServiceKey: "internal"}, fb.srv.Client())
	require.NoError(t, err)

	guard := auth.New(auth.Config{APIKeys: []string{testKey}, ClientIPHeader: "CF-Connecting-IP"}, kv, nil)
	cache := respcache.New(kv, client, time.Hour, nil)
	archive := &stubArchive{tasks: map[string]gateway.Task{}}
	logger := zap.NewNop()
	proxy := client.Proxy(backend.ProxyOptions{
		ClientIP: guard.ClientIP,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			httpx.WriteError(w, logger, gateway.ErrUpstream(http.StatusBadGateway, "backend unavailable", err))
		},
	})

	server := NewServer(Deps{
		Guard:      guard,
		Cache:      cache,
		Dispatcher: dispatcher.New(tasks, q, taskid.New(), clk, dispatcher.Config{}, nil),
		Tasks:      tasks,
		Archive:    archive,
		Proxy:      proxy,
		Clock:      clk,
	}, cfg, logger)

	return &harness{
		server: server, backend: fb, client: client, kv: kv, tasks: tasks,
		queue: q, cache: cache, archive: archive, clock: clk,
	}
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) authed(method, path, body string) *httptest.ResponseRecorder {
	return h.do(method, path, body, "X-API-Key", testKey, "Content-Type", "application/json")
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorBody {
	t.Helper()
	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization, X-API-Key", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/", "/health"} {
		rec := h.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assertCORS(t, rec)
		assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))
		assert.JSONEq(t, `{"status":"healthy","service":"keypick-gateway","version":"1.2.3",
			"timestamp":"2025-03-04T05:06:07Z","region":"iad"}`, rec.Body.String())
	}

	rec := h.do(http.MethodGet, "/health", "", "X-Edge-Region", "fra")
	assert.Contains(t, rec.Body.String(), `"region":"fra"`)
}

func TestPreflightShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/api/crawl", "/api/anything/else", "/nope"} {
		rec := h.do(http.MethodOptions, path, "")
		require.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Empty(t, rec.Body.String())
		assertCORS(t, rec)
	}
	req, _ := h.backend.last()
	assert.Nil(t, req, "preflight must not reach the backend")
}

func TestVersionNeedsNoAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"name":"keypick-gateway","version":"1.2.3","commit":"abc123","api_prefix":"/api"}`, rec.Body.String())
}

func TestAuthRequiredOnAPIRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/crawl/platforms"},
		{http.MethodPost, "/api/crawl"},
		{http.MethodGet, "/api/crawl/status/" + "00000000-0000-4000-8000-000000000000"},
		{http.MethodDelete, "/api/crawl/task/abc"},
	}
	for _, tc := range cases {
		rec := h.do(tc.method, tc.path, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assertCORS(t, rec)
		assert.Equal(t, gateway.KindAuthentication, decodeError(t, rec).Error)
	}

	rec := h.do(http.MethodGet, "/api/crawl/platforms", "", "X-API-Key", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, gateway.KindAuthorization, decodeError(t, rec).Error)

	req, _ := h.backend.last()
	assert.Nil(t, req)
}

func TestPlatformsCached(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.authed(http.MethodGet, "/api/crawl/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assertCORS(t, rec)
	h.cache.Flush()

	rec = h.authed(http.MethodGet, "/api/crawl/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"platforms":["xhs","weibo"]}`, rec.Body.String())
	assert.Equal(t, 1, h.backend.count("/api/crawl/platforms"))
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/api/crawl", "/api/crawl/"} {
		rec := h.authed(http.MethodPost, path, `{"platform":"xhs","keywords":["coffee"]}`)
		require.Equal(t, http.StatusAccepted, rec.Code, path)
		assertCORS(t, rec)

		var resp dispatcher.CreateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.True(t, taskid.Valid(resp.TaskID))
		assert.Equal(t, gateway.TaskStatusPending, resp.Status)
		assert.Equal(t, "/api/crawl/status/"+resp.TaskID, resp.StatusURL)

		task, err := h.tasks.GetTask(context.Background(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, 10, task.MaxResults)
	}
	assert.Equal(t, 2, h.queue.Len())
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.authed(http.MethodPost, "/api/crawl", `{"platform":"xhs"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, gateway.KindValidation, body.Error)
	assert.Equal(t, 0, h.queue.Len())
}

func TestTaskStatusFromStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := "6f1d2c3b-4a59-4e6f-8a7b-9c0d1e2f3a4b"
	require.NoError(t, h.tasks.PutTask(context.Background(), gateway.Task{
		ID: id, Status: gateway.TaskStatusPending, Platform: "xhs", Keywords: []string{"coffee"},
		MaxResults: 10, CreatedAt: now,
	}))

	rec := h.authed(http.MethodGet, "/api/crawl/status/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, max-age=5", rec.Header().Get("Cache-Control"))
	var task gateway.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, gateway.TaskStatusPending, task.Status)
	assert.Zero(t, h.backend.count("/api/crawl/status/"+id))
}

func TestTaskStatusFromArchive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := "7a1d2c3b-4a59-4e6f-8a7b-9c0d1e2f3a4b"
	done := now.Add(time.Minute)
	require.NoError(t, h.archive.SaveTask(context.Background(), gateway.Task{
		ID: id, Status: gateway.TaskStatusCompleted, Platform: "xhs", Keywords: []string{"tea"},
		CreatedAt: now, CompletedAt: &done, Result: json.RawMessage(`{"ok":true}`),
	}))

	rec := h.authed(http.MethodGet, "/api/crawl/status/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, max-age=5", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestTaskStatusFallsBackToBackend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, id := range []string{"8b1d2c3b-4a59-4e6f-8a7b-9c0d1e2f3a4b", "legacy-42"} {
		rec := h.authed(http.MethodGet, "/api/crawl/status/"+id, "")
		require.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.JSONEq(t, `{"detail":"task not found"}`, rec.Body.String())
		assertCORS(t, rec)
		assert.Equal(t, 1, h.backend.count("/api/crawl/status/"+id))
	}
}

func TestProxyForwardsUnmatchedAPIRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodDelete, "/api/crawl/task/abc?force=1", "",
		"X-API-Key", testKey, "CF-Connecting-IP", "203.0.113.9", "X-Custom", "kept")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"method":"DELETE","path":"/api/crawl/task/abc"}`, rec.Body.String())
	assertCORS(t, rec)

	req, _ := h.backend.last()
	require.NotNil(t, req)
	assert.Equal(t, "force=1", req.URL.RawQuery)
	assert.Equal(t, "internal", req.Header.Get("X-Service-Key"))
	assert.Equal(t, "203.0.113.9", req.Header.Get("X-Real-IP"))
	assert.Equal(t, "kept", req.Header.Get("X-Custom"))
	assert.NotEmpty(t, req.Header.Get("X-Forwarded-For"))
}

func TestProxyHandlesOtherMethodsOnKnownPaths(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.authed(http.MethodPut, "/api/crawl/platforms", `{"x":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"method":"PUT","path":"/api/crawl/platforms"}`, rec.Body.String())
	_, body := h.backend.last()
	assert.Equal(t, `{"x":1}`, body)
}

func TestProxyUpstreamDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.backend.srv.Close()

	rec := h.authed(http.MethodGet, "/api/crawl/history", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, gateway.KindUpstream, decodeError(t, rec).Error)
	assertCORS(t, rec)
}

func TestUnknownRouteOutsideAPI(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/favicon.ico", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, gateway.KindNotFound, decodeError(t, rec).Error)
	assertCORS(t, rec)
}

func TestCreateThenPollUntilCompleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.authed(http.MethodPost, "/api/crawl", `{"platform":"xhs","keywords":["coffee"],"max_results":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created dispatcher.CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	w := worker.New(h.tasks, h.archive, h.client, nil, h.clock, worker.Config{MaxAttempts: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, h.queue) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		rec := h.authed(http.MethodGet, created.StatusURL, "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"completed"`)
	}, 2*time.Second, 10*time.Millisecond)

	_, body := h.backend.last()
	assert.JSONEq(t, fmt.Sprintf(`{"task_id":%q,"platform":"xhs","keywords":["coffee"],"max_results":5}`, created.TaskID), body)
	require.Eventually(t, func() bool {
		_, err := h.archive.GetTask(context.Background(), created.TaskID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/health", "", "X-Request-ID", "edge-123")
	assert.Equal(t, "edge-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareRendersInternalError(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/crawl", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, gateway.KindInternal, body.Error)
	assert.Equal(t, "internal server error", body.Message)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
