// Package outbox tests for the durable queue and its transition table.
package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/siteproof/core/internal/db"
	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/uuid"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()

	database, err := db.Open(t.TempDir(), "device.db")
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := db.NewMigrator(database.DB).Up(db.DeviceMigrations()); err != nil {
		t.Fatalf("migrate device db: %v", err)
	}

	return NewStore(database.DB, cfg)
}

func enqueueOne(t *testing.T, s *Store, entityID string) string {
	t.Helper()
	id, err := s.Enqueue("tasks", entityID, models.OpUpdate, json.RawMessage(`{"title":"A","org_id":"org-1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

// TestEnqueue verifies a new envelope lands PENDING with a fresh id.
func TestEnqueue(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	id := enqueueOne(t, s, "t1")
	if !uuid.IsValid(id) {
		t.Fatalf("operation id is not a UUID v4: %s", id)
	}

	env, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if env.Status != models.StatusPending {
		t.Errorf("status = %s, want PENDING", env.Status)
	}
	if env.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", env.RetryCount)
	}
	if env.Entity != "tasks" || env.EntityID != "t1" {
		t.Errorf("unexpected entity binding: %s/%s", env.Entity, env.EntityID)
	}
}

// TestEnqueueExtractsProjectScope verifies the structured scoping column.
func TestEnqueueExtractsProjectScope(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	id, err := s.Enqueue("documents", "d1", models.OpCreate,
		json.RawMessage(`{"name":"plan.pdf","project_id":"p42","org_id":"org-1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if env.ProjectID != "p42" {
		t.Errorf("project_id = %q, want p42", env.ProjectID)
	}

	count, err := s.CountPendingByProject("p42")
	if err != nil {
		t.Fatalf("count by project: %v", err)
	}
	if count != 1 {
		t.Errorf("scoped count = %d, want 1", count)
	}

	// An envelope without project_id stays out of every scoped count.
	enqueueOne(t, s, "t9")
	count, err = s.CountPendingByProject("p42")
	if err != nil {
		t.Fatalf("count by project: %v", err)
	}
	if count != 1 {
		t.Errorf("scoped count after unscoped enqueue = %d, want 1", count)
	}
}

// TestEnqueueValidation verifies bad input is rejected before storage.
func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	payload := json.RawMessage(`{"x":1}`)

	cases := []struct {
		name     string
		entity   string
		entityID string
		op       models.OpType
		payload  json.RawMessage
	}{
		{"missing entity", "", "t1", models.OpCreate, payload},
		{"missing entity id", "tasks", "", models.OpCreate, payload},
		{"bad op type", "tasks", "t1", models.OpType("UPSERT"), payload},
		{"empty payload", "tasks", "t1", models.OpCreate, nil},
		{"invalid json", "tasks", "t1", models.OpCreate, json.RawMessage(`{`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Enqueue(tc.entity, tc.entityID, tc.op, tc.payload); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestListPendingOrder verifies oldest-first ordering across enqueues.
func TestListPendingOrder(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	first := enqueueOne(t, s, "t1")
	second := enqueueOne(t, s, "t1")
	third := enqueueOne(t, s, "t2")

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending length = %d, want 3", len(pending))
	}
	if pending[0].OperationID != first || pending[1].OperationID != second || pending[2].OperationID != third {
		t.Error("pending batch not in enqueue order")
	}
}

// TestListPendingBackoffGate verifies FAILED envelopes wait out their backoff.
func TestListPendingBackoffGate(t *testing.T) {
	s := newTestStore(t, Config{MaxAttempts: 5, BackoffBase: 10 * time.Second, BackoffCeiling: time.Minute})

	id := enqueueOne(t, s, "t1")
	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if _, err := s.MarkFailed(id, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty batch during backoff, got %d", len(pending))
	}

	// Advance the clock past the first backoff window.
	s.now = func() time.Time { return time.Now().Add(11 * time.Second) }

	pending, err = s.ListPending(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected envelope after backoff, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", pending[0].RetryCount)
	}
}

// TestMarkInflightClaims verifies a claimed batch cannot be claimed twice.
func TestMarkInflightClaims(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := enqueueOne(t, s, "t1")

	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}

	err := s.MarkInflight([]string{id})
	if !errors.Is(err, errors.ErrTransition) {
		t.Errorf("expected INVALID_TRANSITION on double claim, got %v", err)
	}

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Error("claimed envelope still listed as pending")
	}
}

// TestMarkDone verifies the success transition and its guard.
func TestMarkDone(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	id := enqueueOne(t, s, "t1")

	// DONE straight from PENDING violates the transition table.
	if err := s.MarkDone(id); !errors.Is(err, errors.ErrTransition) {
		t.Errorf("expected INVALID_TRANSITION from PENDING, got %v", err)
	}

	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDone(id); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	env, _ := s.Get(id)
	if env.Status != models.StatusDone {
		t.Errorf("status = %s, want DONE", env.Status)
	}
	if env.LastError != "" {
		t.Errorf("last_error not cleared: %q", env.LastError)
	}

	// DONE is terminal.
	if err := s.MarkDead(id, "too late"); !errors.Is(err, errors.ErrTransition) {
		t.Errorf("expected INVALID_TRANSITION out of DONE, got %v", err)
	}
}

// TestBoundedRetry verifies an always-failing envelope goes DEAD after
// exactly MaxAttempts failures and not before.
func TestBoundedRetry(t *testing.T) {
	maxAttempts := 3
	s := newTestStore(t, Config{MaxAttempts: maxAttempts, BackoffBase: time.Millisecond, BackoffCeiling: time.Millisecond})
	id := enqueueOne(t, s, "t1")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Backoff is a millisecond; make eligibility deterministic.
		s.now = func() time.Time { return time.Now().Add(time.Second) }

		if err := s.MarkInflight([]string{id}); err != nil {
			t.Fatalf("attempt %d: mark inflight: %v", attempt, err)
		}

		status, err := s.MarkFailed(id, "timeout")
		if err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}

		want := models.StatusFailed
		if attempt == maxAttempts {
			want = models.StatusDead
		}
		if status != want {
			t.Fatalf("attempt %d: status = %s, want %s", attempt, status, want)
		}
	}

	env, _ := s.Get(id)
	if env.RetryCount != maxAttempts {
		t.Errorf("retry_count = %d, want %d", env.RetryCount, maxAttempts)
	}

	// DEAD envelopes never reappear in drain batches.
	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Error("dead envelope listed as pending")
	}
}

// TestBackoffDelay verifies the exponential curve and its ceiling.
func TestBackoffDelay(t *testing.T) {
	s := newTestStore(t, Config{MaxAttempts: 10, BackoffBase: 2 * time.Second, BackoffCeiling: 30 * time.Second})

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{9, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := s.backoffDelay(tt.retryCount); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

// TestReclaimInflight verifies crash recovery: envelopes stuck INFLIGHT are
// swept back into the retry path with the lost attempt counted.
func TestReclaimInflight(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	id := enqueueOne(t, s, "t1")
	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}

	// Simulated crash: no outcome ever recorded. Next cycle reclaims.
	reclaimed, err := s.ReclaimInflight()
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	env, _ := s.Get(id)
	if env.Status != models.StatusFailed {
		t.Errorf("status = %s, want FAILED", env.Status)
	}
	if env.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", env.RetryCount)
	}

	// Nothing inflight, nothing to reclaim.
	reclaimed, err = s.ReclaimInflight()
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("second reclaim = %d, want 0", reclaimed)
	}
}

// TestRetryDead verifies explicit dead-letter replay.
func TestRetryDead(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	id := enqueueOne(t, s, "t1")
	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDead(id, "validation_failed"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	moved, err := s.RetryDead(true)
	if err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	env, _ := s.Get(id)
	if env.Status != models.StatusPending {
		t.Errorf("status = %s, want PENDING", env.Status)
	}
	if env.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after reset", env.RetryCount)
	}
	if env.LastError != "" {
		t.Errorf("last_error not cleared: %q", env.LastError)
	}
}

// TestRetryDeadPreservesCount verifies the preserve-retry-count variant.
func TestRetryDeadPreservesCount(t *testing.T) {
	s := newTestStore(t, Config{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCeiling: time.Millisecond})

	id := enqueueOne(t, s, "t1")
	for i := 0; i < 2; i++ {
		s.now = func() time.Time { return time.Now().Add(time.Second) }
		if err := s.MarkInflight([]string{id}); err != nil {
			t.Fatalf("mark inflight: %v", err)
		}
		if _, err := s.MarkFailed(id, "timeout"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	if _, err := s.RetryDead(false); err != nil {
		t.Fatalf("retry dead: %v", err)
	}

	env, _ := s.Get(id)
	if env.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2 preserved", env.RetryCount)
	}
}

// TestRetryDeadSkipsOpenConflicts verifies conflicted envelopes stay put
// until their conflict is resolved.
func TestRetryDeadSkipsOpenConflicts(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	id := enqueueOne(t, s, "t1")
	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDead(id, "version_conflict"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO conflicts (id, operation_id, entity, entity_id, local_payload, status, created_at)
		VALUES (?, ?, 'tasks', 't1', '{}', 'OPEN', ?)`,
		uuid.New(), id, time.Now().Unix())
	if err != nil {
		t.Fatalf("insert conflict: %v", err)
	}

	moved, err := s.RetryDead(true)
	if err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0 while conflict is open", moved)
	}
}

// TestCountByStatus verifies the aggregate that backs the status snapshot.
func TestCountByStatus(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	a := enqueueOne(t, s, "t1")
	b := enqueueOne(t, s, "t2")
	enqueueOne(t, s, "t3")

	if err := s.MarkInflight([]string{a, b}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDone(a); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.MarkDead(b, "unauthorized"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	counts, err := s.CountByStatus()
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}

	if counts[models.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", counts[models.StatusPending])
	}
	if counts[models.StatusDone] != 1 {
		t.Errorf("done = %d, want 1", counts[models.StatusDone])
	}
	if counts[models.StatusDead] != 1 {
		t.Errorf("dead = %d, want 1", counts[models.StatusDead])
	}
}

// TestOnChangeHook verifies transitions fire the registered hook.
func TestOnChangeHook(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	fired := 0
	s.SetOnChange(func() { fired++ })

	id := enqueueOne(t, s, "t1")
	if err := s.MarkInflight([]string{id}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDone(id); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	if fired != 3 {
		t.Errorf("hook fired %d times, want 3", fired)
	}
}

// TestPurgeDone verifies retention GC touches only confirmed envelopes.
func TestPurgeDone(t *testing.T) {
	s := newTestStore(t, DefaultConfig())

	done := enqueueOne(t, s, "t1")
	dead := enqueueOne(t, s, "t2")
	if err := s.MarkInflight([]string{done, dead}); err != nil {
		t.Fatalf("mark inflight: %v", err)
	}
	if err := s.MarkDone(done); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.MarkDead(dead, "unauthorized"); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	// Window in the future relative to updated_at: DONE is eligible.
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	purged, err := s.PurgeDone(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	if _, err := s.Get(done); !errors.Is(err, errors.ErrNotFound) {
		t.Error("confirmed envelope survived purge")
	}
	if _, err := s.Get(dead); err != nil {
		t.Errorf("dead letter should survive purge: %v", err)
	}
}
