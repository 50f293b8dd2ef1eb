package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/dedup"
	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/pause"
	"github.com/relaydesk/aicore/pkg/queue"
	"github.com/relaydesk/aicore/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakePool struct{ health *queue.PoolHealth }

func (f *fakePool) Health() *queue.PoolHealth { return f.health }

type apiFixture struct {
	router   *gin.Engine
	store    *store.Memory
	queue    *queue.TriggerQueue
	registry *dedup.Registry
	pause    *pause.Switch
	db       *fakePinger
	pool     *fakePool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mem := store.NewMemory()
	kvStore := kv.NewMemoryStore()
	triggerQueue := queue.NewTriggerQueue(kvStore)
	registry := dedup.NewRegistry(kvStore, nil, time.Hour)
	pauseSwitch := pause.NewSwitch(kvStore, mem, mem)
	db := &fakePinger{}
	pool := &fakePool{health: &queue.PoolHealth{IsHealthy: true, PodID: "pod-test", TotalWorkers: 4}}

	mem.AddConversation(&models.Conversation{
		ID:             "c1",
		OrganizationID: "org-1",
		WebsiteID:      "site-1",
		VisitorID:      "v1",
		Status:         models.ConversationStatusOpen,
	})

	srv := NewServer(config.Default().Server,
		queue.NewProducer(kvStore, triggerQueue, registry), pauseSwitch, db, pool)
	return &apiFixture{
		router:   srv.Router(),
		store:    mem,
		queue:    triggerQueue,
		registry: registry,
		pause:    pauseSwitch,
		db:       db,
		pool:     pool,
	}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func triggerBody(messageID string, at time.Time) string {
	return fmt.Sprintf(`{
		"conversation_id": "c1",
		"agent_id": "agent-1",
		"message_id": %q,
		"created_at": %q,
		"sender_type": "visitor",
		"visibility": "public"
	}`, messageID, at.Format(time.RFC3339Nano))
}

func TestCreateTrigger(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/triggers", triggerBody("m1", time.Now()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	n, err := f.queue.Len(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	state, err := f.registry.Get(context.Background(), "c1", models.DirectionInbound)
	require.NoError(t, err)
	assert.Equal(t, "m1", state.AnchorMessageID)
}

func TestCreateTriggerValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/triggers", `{"conversation_id": "c1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := strings.Replace(triggerBody("m1", time.Now()), `"visitor"`, `"robot"`, 1)
	rec = f.do(http.MethodPost, "/api/v1/triggers", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sender_type")
}

func TestPauseAndResume(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	paused, err := f.pause.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.True(t, paused)

	rec = f.do(http.MethodPost, "/api/v1/conversations/c1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	paused, err = f.pause.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestPauseWithDeadline(t *testing.T) {
	f := newAPIFixture(t)
	until := time.Now().Add(time.Hour).UTC()

	body := fmt.Sprintf(`{"until": %q}`, until.Format(time.RFC3339Nano))
	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/pause", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	conv, err := f.store.GetConversationByID(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, conv.AiPausedUntil)
	assert.WithinDuration(t, until, *conv.AiPausedUntil, time.Second)
}

func TestPauseUnknownConversation(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/conversations/ghost/pause", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSupersede(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/api/v1/triggers", triggerBody("m1", time.Now()))
	require.Equal(t, http.StatusAccepted, rec.Code)
	before, err := f.registry.Get(ctx, "c1", models.DirectionInbound)
	require.NoError(t, err)

	rec = f.do(http.MethodPost, "/api/v1/conversations/c1/supersede", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	after, err := f.registry.Get(ctx, "c1", models.DirectionInbound)
	require.NoError(t, err)
	assert.NotEqual(t, before.RunID, after.RunID)
}

func TestSupersedeInvalidDirection(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/conversations/c1/supersede", `{"direction": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.Equal(t, healthStatusHealthy, resp.Checks["database"].Status)
	assert.Equal(t, healthStatusHealthy, resp.Checks["worker_pool"].Status)
}

func TestHealthDatabaseDown(t *testing.T) {
	f := newAPIFixture(t)
	f.db.err = errors.New("connection refused")

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["database"].Message, "connection refused")
}

func TestHealthPoolDegraded(t *testing.T) {
	f := newAPIFixture(t)
	f.pool.health.IsHealthy = false

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, "degraded pool does not fail the liveness probe")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusDegraded, resp.Status)
}

func TestSystemHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/system/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health queue.PoolHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "pod-test", health.PodID)
	assert.Equal(t, 4, health.TotalWorkers)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSecurityHeaders(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
