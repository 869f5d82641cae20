package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-session-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-session-coordinator/internal/config"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv/memory"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
	blobmemory "github.com/JakeFAU/crawl-session-coordinator/internal/storage/memory"
)

type testEnv struct {
	server  *Server
	store   *memory.Store
	manager *session.Manager
	blobs   *blobmemory.BlobStore
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSec: 5},
		Session: config.SessionConfig{MaxCreateAttempts: 3, ListLimitDefault: 10},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	store := memory.New()
	clk := system.NewManual(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	mgr := session.NewManager(store, nil, clk, session.ManagerConfig{}, nil)
	blobs := blobmemory.NewBlobStore()
	arch, err := archive.New(mgr, blobs, nil, archive.Options{Clock: clk})
	require.NoError(t, err)
	return testEnv{
		server:  NewServer(mgr, arch, cfg, zap.NewNop()),
		store:   store,
		manager: mgr,
		blobs:   blobs,
	}
}

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/sessions", `{"hint_id":"h1","url":"http://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
	return resp["id"]
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	env.store.SetUnavailable(true)
	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.createSession(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawlsession_sessions_created_total")
}

func TestCreateGetAndListSessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "h1", got.Meta.HintID)
	assert.Equal(t, session.SchemaVersion, got.Meta.Version)
	assert.True(t, got.Alive)

	env.createSession(t)
	rec = env.do(t, http.MethodGet, "/v1/sessions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["sessions"], 1)

	rec = env.do(t, http.MethodGet, "/v1/sessions", "")
	assert.Len(t, decode(t, rec)["sessions"], 2)

	rec = env.do(t, http.MethodGet, "/v1/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{invalid"},
		{"missing url", `{"hint_id":"h1"}`},
		{"unknown field", `{"url":"http://x","extra":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetSessionErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := env.store.HSet(context.Background(), session.MetaKey("old"), session.FieldVersion, "1")
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/v1/sessions/old", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "schema mismatch")

	env.store.SetUnavailable(true)
	rec = env.do(t, http.MethodGet, "/v1/sessions/missing", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), kv.ErrUnavailable.Error(), "server errors hide detail")
}

func TestURLRegistrationAndClaims(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/urls", `{"url":"http://example.com/a"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/urls", `{"url":"http://example.com/a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["created"])

	rec = env.do(t, http.MethodPost, base+"/claims", `{"url":"http://example.com/a","worker_id":"w1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/claims", `{"url":"http://example.com/a","worker_id":"w1"}`)
	require.Equal(t, http.StatusOK, rec.Code, "reclaiming your own url is fine")
	rec = env.do(t, http.MethodPost, base+"/claims", `{"url":"http://example.com/a","worker_id":"w2"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/claims", `{"url":"http://example.com/zzz","worker_id":"w2"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/claims", `{"url":"http://example.com/a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/content", `{"url":"http://example.com/a","worker_id":"w1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, base+"/urls?url=http://example.com/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, true, got["registered"])
	assert.Equal(t, "w1", got["worker_id"])
	assert.Equal(t, true, got["has_content"])

	rec = env.do(t, http.MethodGet, base, "")
	var desc sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.EqualValues(t, 1, desc.Meta.TotalTasks)
	assert.EqualValues(t, 1, desc.URLCount)
	assert.EqualValues(t, 1, desc.ContentCount)
}

func TestConcurrentClaimsOverHTTP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/v1/sessions/" + id
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, base+"/urls", `{"url":"u"}`).Code)

	const workers = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.do(t, http.MethodPost, base+"/claims", fmt.Sprintf(`{"url":"u","worker_id":"w%d"}`, i))
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, codes[http.StatusOK])
	assert.Equal(t, workers-1, codes[http.StatusConflict])
}

func TestCountersTagsAndHeartbeats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/counters/complete_tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["value"])
	rec = env.do(t, http.MethodPost, base+"/counters/complete_tasks", "")
	assert.EqualValues(t, 2, decode(t, rec)["value"])

	rec = env.do(t, http.MethodPost, base+"/counters/total_tasks", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "total_tasks is not a broadcasting counter")

	rec = env.do(t, http.MethodPost, base+"/tags/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/tags/price?keepout=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.EqualValues(t, 1, got["usage"])
	assert.EqualValues(t, 1, got["keepout"])
	rec = env.do(t, http.MethodPost, base+"/tags/price?keepout=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/heartbeats/w1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	hb, err := env.manager.Session(id).Heartbeat(context.Background(), "w1")
	require.NoError(t, err)
	assert.NotZero(t, hb)
}

func TestStatusAndPostponedFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/status", `{"status":"STOPPED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STOPPED", decode(t, rec)["status"])
	rec = env.do(t, http.MethodPost, base+"/status", `{"status":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "NORMAL", decode(t, rec)["status"])
	rec = env.do(t, http.MethodPost, base+"/status", `{"status":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "STOPPED", decode(t, rec)["status"])
	rec = env.do(t, http.MethodPost, base+"/status", `{"status":"PAUSED"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/status", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/postpone", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/postponed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{id}, decode(t, rec)["sessions"])

	rec = env.do(t, http.MethodPost, "/v1/postponed/"+id+"/pop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var popped sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &popped))
	assert.Equal(t, id, popped.ID)
	assert.False(t, popped.Alive)
	require.NotNil(t, popped.Meta.TotalPostponed)
	assert.EqualValues(t, 1, *popped.Meta.TotalPostponed)

	rec = env.do(t, http.MethodPost, "/v1/postponed/"+id+"/pop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/postponed/ghost", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/postponed/ghost/pop", "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRemoveSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodDelete, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code, "remove is idempotent")
	rec = env.do(t, http.MethodGet, "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/archive", "")
	require.Equal(t, http.StatusConflict, rec.Code, "running sessions need force")

	rec = env.do(t, http.MethodPost, base+"/archive?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, id, got["id"])
	assert.Equal(t, true, got["removed"])
	assert.Equal(t, "memory://sessions/"+id+".json", got["blob_uri"])
	assert.Len(t, env.blobs.Paths(), 1)

	rec = env.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveDisabled(t *testing.T) {
	t.Parallel()

	mgr := session.NewManager(memory.New(), nil, nil, session.ManagerConfig{}, nil)
	srv := NewServer(mgr, nil, testConfig(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/x/archive", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	})

	rec := env.do(t, http.MethodGet, "/v1/sessions", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sessions?api_key=secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "probes skip auth")
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{session.ErrNotPostponed, http.StatusNotFound},
		{session.ErrURLNotRegistered, http.StatusNotFound},
		{fmt.Errorf("%w: owned by w1", session.ErrAlreadyClaimed), http.StatusConflict},
		{archive.ErrStillRunning, http.StatusConflict},
		{session.ErrUnknownCounter, http.StatusBadRequest},
		{fmt.Errorf("hget: %w", kv.ErrUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

// silentStore applies every write but fails every publish.
type silentStore struct {
	kv.Store
}

func (silentStore) Publish(context.Context, string, string) error {
	return fmt.Errorf("publish: %w", kv.ErrUnavailable)
}

func TestBroadcastFailureStillAnswersOK(t *testing.T) {
	t.Parallel()

	mgr := session.NewManager(silentStore{Store: memory.New()}, nil, nil, session.ManagerConfig{}, nil)
	env := testEnv{server: NewServer(mgr, nil, testConfig(), zap.NewNop()), manager: mgr}
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	rec := env.do(t, http.MethodPost, base+"/counters/complete_tasks", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.EqualValues(t, 1, got["value"])
	assert.Equal(t, false, got["broadcast"])

	rec = env.do(t, http.MethodPost, base+"/status", `{"status":"STOPPED"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode(t, rec)
	assert.Equal(t, "STOPPED", got["status"])
	assert.Equal(t, false, got["broadcast"])
}
