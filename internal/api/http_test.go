package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/engine"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/node"
	"github.com/0xneox/swarmuii/internal/registry"
	"github.com/0xneox/swarmuii/internal/session"
	"github.com/0xneox/swarmuii/internal/uptime"
	"github.com/0xneox/swarmuii/internal/warmup"
)

type stubLedger struct{}

func (stubLedger) StartSession(context.Context, string, bool) (ledger.Session, error) {
	return ledger.Session{SessionToken: "tok-api"}, nil
}
func (stubLedger) StopSession(context.Context, string, string) error { return nil }
func (stubLedger) SyncUptime(context.Context, string, int64) error   { return nil }
func (stubLedger) GetUptime(context.Context, string) (int64, error)  { return 0, nil }

func (stubLedger) CompleteTask(context.Context, string, models.TaskType, int64) (ledger.CompleteTaskResult, error) {
	return ledger.CompleteTaskResult{}, nil
}

func newTestHandler(t *testing.T, shared registry.Store) http.Handler {
	t.Helper()
	log := zap.NewNop()
	limits := config.DefaultLimits()
	limits.WarmupDelay = 5 * time.Millisecond

	var ldg stubLedger
	sessions := session.NewManager(shared, log)
	state := node.LoadState(registry.NewMemory(), log)
	eng := engine.New(engine.NewStore(), ldg, state.Get, limits, log)
	warm := warmup.New(eng, limits, log)
	tracker := uptime.NewTracker(ldg, limits, log)
	coord := node.NewCoordinator("dev-api", "basic", limits,
		sessions, ldg, tracker, warm, eng, state, log)

	t.Cleanup(func() { coord.StopDevice(context.Background()) })
	return NewHTTPHandler(coord, log)
}

func doReq(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartRequiresRegistration(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	rec := doReq(h, http.MethodPost, "/start", "{}")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestRegisterStartStopFlow(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	rec := doReq(h, http.MethodPost, "/register",
		`{"node_id":"node-api","hardware_tier":"wasm","name":"bench-box","gpu":"integrated","memory_gb":32}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	device := decode(t, rec)["device"].(map[string]interface{})
	assert.Equal(t, "bench-box", device["name"])
	assert.EqualValues(t, 32, device["memory_gb"])

	rec = doReq(h, http.MethodPost, "/start", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	state := status["state"].(map[string]interface{})
	assert.Equal(t, "active", state["status"])

	rec = doReq(h, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode(t, rec)
	assert.NotEmpty(t, snap["tasks"], "warmup seed visible in task list")

	rec = doReq(h, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(h, http.MethodGet, "/status", "")
	status = decode(t, rec)
	state = status["state"].(map[string]interface{})
	assert.Equal(t, "registered", state["status"])
}

func TestStartConflictSignalsTakeoverChoice(t *testing.T) {
	shared := registry.NewMemory()
	h := newTestHandler(t, shared)

	rec := doReq(h, http.MethodPost, "/register",
		`{"node_id":"node-api","hardware_tier":"cpu"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Another process holds a fresh session record for the device.
	other := session.NewManager(shared, zap.NewNop())
	require.NoError(t, other.Register("dev-api", "their-token", time.Now()))

	rec = doReq(h, http.MethodPost, "/start", "{}")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["conflict"])

	// The UI confirmed; force takes the device over.
	rec = doReq(h, http.MethodPost, "/start", `{"force":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartWhileActiveIsConflict(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	doReq(h, http.MethodPost, "/register", `{"node_id":"n","hardware_tier":"cpu"}`)
	require.Equal(t, http.StatusOK, doReq(h, http.MethodPost, "/start", "{}").Code)

	rec := doReq(h, http.MethodPost, "/start", "{}")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Nil(t, decode(t, rec)["conflict"], "no takeover prompt for own session")
}

func TestGenerateRefusedWhileInactive(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	doReq(h, http.MethodPost, "/register", `{"node_id":"n","hardware_tier":"cpu"}`)
	rec := doReq(h, http.MethodPost, "/tasks/generate", `{"count":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimEmptyIsZero(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	rec := doReq(h, http.MethodPost, "/rewards/claim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 0, body["claimed_amount"])
	assert.EqualValues(t, 0, body["claimed_tasks"])
}

func TestStatusUsesSnakeCaseSecondFields(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	doReq(h, http.MethodPost, "/register", `{"node_id":"n","hardware_tier":"cpu"}`)
	rec := doReq(h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	up := decode(t, rec)["uptime"].(map[string]interface{})
	assert.Contains(t, up, "is_valid")
	assert.Contains(t, up, "remaining_seconds")
	assert.Contains(t, up, "max_uptime_seconds")
	// basic plan allowance, in whole seconds rather than duration nanos
	assert.EqualValues(t, 10*60*60, up["max_uptime_seconds"])
}

func TestAutoGenerateToggle(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	rec := doReq(h, http.MethodPost, "/tasks/auto", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["auto_generate"])

	rec = doReq(h, http.MethodPost, "/tasks/auto", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["auto_generate"])
}

func TestRegisterRejectsUnknownTier(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	rec := doReq(h, http.MethodPost, "/register",
		`{"node_id":"n","hardware_tier":"quantum"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodGuards(t *testing.T) {
	h := newTestHandler(t, registry.NewMemory())

	assert.Equal(t, http.StatusMethodNotAllowed, doReq(h, http.MethodPost, "/status", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doReq(h, http.MethodGet, "/start", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, doReq(h, http.MethodGet, "/stop", "").Code)
}
