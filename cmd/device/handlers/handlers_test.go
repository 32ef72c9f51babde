// Package handlers tests for the localhost REST surface.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/siteproof/core/internal/conflict"
	"github.com/siteproof/core/internal/db"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/outbox"
	"github.com/siteproof/core/internal/status"
)

type fakeTrigger struct {
	count int
}

func (f *fakeTrigger) SyncNow() { f.count++ }

type testEnv struct {
	mux     *http.ServeMux
	store   *outbox.Store
	manager *conflict.Manager
	trigger *fakeTrigger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.Open(t.TempDir(), "device.db")
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.NewMigrator(database.DB).Up(db.DeviceMigrations()); err != nil {
		t.Fatalf("migrate device db: %v", err)
	}

	store := outbox.NewStore(database.DB, outbox.DefaultConfig())
	manager := conflict.NewManager(database.DB, store)
	reporter := status.NewReporter(store, manager)
	trigger := &fakeTrigger{}

	syncHandler := NewSyncHandler(store, reporter, trigger)
	conflictHandler := NewConflictHandler(manager, trigger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /outbox", syncHandler.Enqueue)
	mux.HandleFunc("GET /sync/status", syncHandler.Status)
	mux.HandleFunc("POST /sync/now", syncHandler.SyncNow)
	mux.HandleFunc("POST /sync/retry-dead", syncHandler.RetryDead)
	mux.HandleFunc("GET /sync/queue", syncHandler.Queue)
	mux.HandleFunc("GET /conflicts", conflictHandler.List)
	mux.HandleFunc("POST /conflicts/{id}/resolve", conflictHandler.Resolve)
	mux.HandleFunc("GET /api/health", syncHandler.Health)

	return &testEnv{mux: mux, store: store, manager: manager, trigger: trigger}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/outbox", map[string]interface{}{
		"entity":    "tasks",
		"entity_id": "t1",
		"type":      "UPDATE",
		"payload":   map[string]interface{}{"title": "A"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		OperationID string `json:"operation_id"`
	}
	decode(t, rec, &body)
	if body.OperationID == "" {
		t.Fatal("no operation_id in response")
	}

	env, err := e.store.Get(body.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if env.Status != models.StatusPending {
		t.Errorf("status = %s, want PENDING", env.Status)
	}
}

func TestEnqueueEndpointValidation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/outbox", map[string]interface{}{
		"entity": "tasks", "entity_id": "t1", "type": "UPSERT",
		"payload": map[string]interface{}{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/outbox", map[string]interface{}{
		"entity": "tasks", "entity_id": "t1", "type": "CREATE",
		"payload": map[string]interface{}{"title": "A"},
	})

	rec := e.do(t, http.MethodGet, "/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	var snap status.Snapshot
	decode(t, rec, &snap)
	if snap.Phase != status.PhaseIdle {
		t.Errorf("phase = %s, want idle", snap.Phase)
	}
	if snap.QueueDepth != 1 {
		t.Errorf("queue_depth = %d, want 1", snap.QueueDepth)
	}
}

func TestStatusEndpointProjectScope(t *testing.T) {
	e := newTestEnv(t)
	e.store.Enqueue("tasks", "t1", models.OpUpdate, json.RawMessage(`{"project_id":"p1"}`))
	e.store.Enqueue("tasks", "t2", models.OpUpdate, json.RawMessage(`{"project_id":"p2"}`))

	rec := e.do(t, http.MethodGet, "/sync/status?project_id=p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		ProjectID         string `json:"project_id"`
		ProjectQueueDepth int    `json:"project_queue_depth"`
	}
	decode(t, rec, &body)
	if body.ProjectID != "p1" || body.ProjectQueueDepth != 1 {
		t.Errorf("scoped status = %+v, want 1 envelope in p1", body)
	}
}

func TestSyncNowEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/sync/now", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", rec.Code)
	}
	if e.trigger.count != 1 {
		t.Errorf("trigger count = %d, want 1", e.trigger.count)
	}
}

func TestRetryDeadEndpoint(t *testing.T) {
	e := newTestEnv(t)

	id, _ := e.store.Enqueue("tasks", "t1", models.OpUpdate, json.RawMessage(`{"title":"A"}`))
	if err := e.store.MarkInflight([]string{id}); err != nil {
		t.Fatalf("inflight: %v", err)
	}
	if err := e.store.MarkDead(id, "gave up"); err != nil {
		t.Fatalf("dead: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/sync/retry-dead", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Requeued int `json:"requeued"`
	}
	decode(t, rec, &body)
	if body.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", body.Requeued)
	}
	if e.trigger.count != 1 {
		t.Errorf("requeue did not trigger a cycle")
	}

	env, _ := e.store.Get(id)
	if env.Status != models.StatusPending {
		t.Errorf("status = %s, want PENDING", env.Status)
	}
	if env.RetryCount != 0 {
		t.Errorf("retry_count = %d, want reset to 0", env.RetryCount)
	}
}

func TestQueueEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.store.Enqueue("tasks", "t1", models.OpUpdate, json.RawMessage(`{"title":"A"}`))
	deadID, _ := e.store.Enqueue("tasks", "t2", models.OpUpdate, json.RawMessage(`{"title":"B"}`))
	e.store.MarkInflight([]string{deadID})
	e.store.MarkDead(deadID, "gave up")

	rec := e.do(t, http.MethodGet, "/sync/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Envelopes []models.Envelope `json:"envelopes"`
		Count     int               `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 1 {
		t.Errorf("live queue count = %d, want 1", body.Count)
	}

	rec = e.do(t, http.MethodGet, "/sync/queue?status=DEAD", nil)
	decode(t, rec, &body)
	if body.Count != 1 || body.Envelopes[0].OperationID != deadID {
		t.Errorf("dead view = %+v, want the dead envelope", body)
	}

	rec = e.do(t, http.MethodGet, "/sync/queue?status=LIMBO", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400 for unknown status", rec.Code)
	}
}

func openConflict(t *testing.T, e *testEnv) *models.Conflict {
	t.Helper()
	id, _ := e.store.Enqueue("tasks", "t1", models.OpUpdate,
		json.RawMessage(`{"title":"local","base_version":1,"project_id":"p1"}`))
	env, _ := e.store.Get(id)
	c, err := e.manager.Open(env, 4, 0)
	if err != nil {
		t.Fatalf("open conflict: %v", err)
	}
	return c
}

func TestConflictsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	openConflict(t, e)

	rec := e.do(t, http.MethodGet, "/conflicts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Conflicts []models.Conflict `json:"conflicts"`
		Count     int               `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}

	rec = e.do(t, http.MethodGet, "/conflicts?project_id=p2", nil)
	decode(t, rec, &body)
	if body.Count != 0 {
		t.Errorf("scoped count = %d, want 0", body.Count)
	}
}

func TestResolveEndpoint(t *testing.T) {
	e := newTestEnv(t)
	c := openConflict(t, e)

	rec := e.do(t, http.MethodPost, "/conflicts/"+string(c.ID)+"/resolve",
		map[string]string{"choice": "keep_local"})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		NewOperationID string `json:"new_operation_id"`
	}
	decode(t, rec, &body)
	if body.NewOperationID == "" {
		t.Fatal("keep_local produced no resubmission")
	}
	if e.trigger.count != 1 {
		t.Errorf("resubmission did not trigger a cycle")
	}

	// Second resolve of the same conflict is rejected.
	rec = e.do(t, http.MethodPost, "/conflicts/"+string(c.ID)+"/resolve",
		map[string]string{"choice": "discard"})
	if rec.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rec.Code)
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	e := newTestEnv(t)
	c := openConflict(t, e)

	rec := e.do(t, http.MethodPost, "/conflicts/missing-id/resolve",
		map[string]string{"choice": "discard"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/conflicts/"+string(c.ID)+"/resolve",
		map[string]string{"choice": "coin_flip"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}
