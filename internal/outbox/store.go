// Package outbox provides the durable local queue of not-yet-confirmed
// mutations. The store is the only writer of envelope status and retry
// counts; every transition goes through one of the Mark methods, each of
// which guards the transition table in SQL so a stale caller cannot move
// an envelope backwards.
package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/uuid"
)

// Config controls retry exhaustion and backoff spacing.
type Config struct {
	MaxAttempts    int           // failed attempts before an envelope goes DEAD
	BackoffBase    time.Duration // delay after the first failure
	BackoffCeiling time.Duration // upper bound on the per-envelope delay
}

// DefaultConfig returns the default outbox configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		BackoffCeiling: 5 * time.Minute,
	}
}

// Store manages envelope persistence and lifecycle transitions.
type Store struct {
	db       *sql.DB
	cfg      Config
	now      func() time.Time
	onChange func()
}

// NewStore creates a Store over an opened device database.
func NewStore(database *sql.DB, cfg Config) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCeiling < cfg.BackoffBase {
		cfg.BackoffCeiling = DefaultConfig().BackoffCeiling
	}
	return &Store{
		db:  database,
		cfg: cfg,
		now: time.Now,
	}
}

// SetOnChange registers a hook invoked after every successful transition.
// The status reporter uses it to recompute its snapshot.
func (s *Store) SetOnChange(fn func()) {
	s.onChange = fn
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// payloadScope is the structured scoping field lifted out of the payload at
// enqueue time, so pending counts can filter on an indexed column instead of
// pattern-matching serialized JSON.
type payloadScope struct {
	ProjectID string `json:"project_id"`
}

// Enqueue appends a new envelope with status PENDING and returns its
// operation id. It never touches the network; the only failure mode is
// local storage, which is fatal to the caller's mutation and surfaced
// as a STORAGE_ERROR.
func (s *Store) Enqueue(entity, entityID string, opType models.OpType, payload json.RawMessage) (string, error) {
	if entity == "" || entityID == "" {
		return "", errors.New(errors.ErrInvalid, "entity and entity_id are required")
	}
	if !opType.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown op type %q", opType))
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return "", errors.New(errors.ErrInvalid, "payload must be a JSON object")
	}

	var scope payloadScope
	// Scoping is best-effort: a payload without project_id stays unscoped.
	_ = json.Unmarshal(payload, &scope)

	id := uuid.New()
	now := s.now().Unix()

	_, err := s.db.Exec(`
		INSERT INTO outbox (operation_id, entity, entity_id, project_id, op_type, payload, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, entity, entityID, scope.ProjectID, string(opType), string(payload), string(models.StatusPending), now, now)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"operation_id": id,
		"entity":       entity,
		"entity_id":    entityID,
		"op_type":      string(opType),
	})

	s.notify()
	return id, nil
}

const envelopeColumns = "operation_id, entity, entity_id, project_id, op_type, payload, status, retry_count, last_error, next_attempt_at, created_at, updated_at"

func scanEnvelope(row interface{ Scan(...interface{}) error }) (*models.Envelope, error) {
	var e models.Envelope
	var payload string
	err := row.Scan(&e.OperationID, &e.Entity, &e.EntityID, &e.ProjectID, &e.Type,
		&payload, &e.Status, &e.RetryCount, &e.LastError, &e.NextAttemptAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// Get returns a single envelope by operation id.
func (s *Store) Get(operationID string) (*models.Envelope, error) {
	row := s.db.QueryRow("SELECT "+envelopeColumns+" FROM outbox WHERE operation_id = ?", operationID)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("operation %s not found", operationID))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load envelope", err)
	}
	return e, nil
}

// ListPending returns envelopes eligible for the next drain cycle: PENDING
// ones plus FAILED ones whose backoff window has passed, oldest first so a
// hot queue cannot starve early envelopes.
func (s *Store) ListPending(limit int) ([]*models.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+envelopeColumns+` FROM outbox
		WHERE status = ? OR (status = ? AND next_attempt_at <= ?)
		ORDER BY seq ASC
		LIMIT ?`,
		string(models.StatusPending), string(models.StatusFailed), s.now().Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list pending envelopes", err)
	}
	defer rows.Close()

	return collectEnvelopes(rows)
}

// ListByStatus returns envelopes in a given status, oldest first.
func (s *Store) ListByStatus(status models.EnvelopeStatus, limit int) ([]*models.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT "+envelopeColumns+" FROM outbox WHERE status = ? ORDER BY seq ASC LIMIT ?",
		string(status), limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list envelopes", err)
	}
	defer rows.Close()

	return collectEnvelopes(rows)
}

func collectEnvelopes(rows *sql.Rows) ([]*models.Envelope, error) {
	var envelopes []*models.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan envelope", err)
		}
		envelopes = append(envelopes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to iterate envelopes", err)
	}
	return envelopes, nil
}

// MarkInflight claims a batch for an active drain cycle so a concurrent
// trigger cannot re-drain the same rows. Every id must currently be
// PENDING or FAILED.
func (s *Store) MarkInflight(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, string(models.StatusInflight), s.now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(models.StatusPending), string(models.StatusFailed))

	res, err := s.db.Exec(
		"UPDATE outbox SET status = ?, updated_at = ? WHERE operation_id IN ("+placeholders+") AND status IN (?, ?)",
		args...)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark batch inflight", err)
	}

	affected, _ := res.RowsAffected()
	if int(affected) != len(ids) {
		return errors.New(errors.ErrTransition,
			fmt.Sprintf("claimed %d of %d envelopes: batch state changed underneath the cycle", affected, len(ids)))
	}

	s.notify()
	return nil
}

// MarkDone records a confirmed remote effect. DONE is terminal.
func (s *Store) MarkDone(operationID string) error {
	res, err := s.db.Exec(
		"UPDATE outbox SET status = ?, last_error = '', next_attempt_at = 0, updated_at = ? WHERE operation_id = ? AND status = ?",
		string(models.StatusDone), s.now().Unix(), operationID, string(models.StatusInflight))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark envelope done", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.New(errors.ErrTransition, fmt.Sprintf("operation %s is not inflight", operationID))
	}

	s.notify()
	return nil
}

// MarkFailed records a retryable failure: retry_count is incremented and
// the next attempt is pushed out by the per-envelope exponential backoff.
// When the incremented count reaches MaxAttempts the envelope goes DEAD
// instead. Returns the resulting status so the cycle can count dead letters.
func (s *Store) MarkFailed(operationID, reason string) (models.EnvelopeStatus, error) {
	return s.failOne(operationID, reason, string(models.StatusInflight))
}

func (s *Store) failOne(operationID, reason string, fromStatuses ...string) (models.EnvelopeStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to begin transition", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStatuses)), ",")
	args := []interface{}{operationID}
	for _, st := range fromStatuses {
		args = append(args, st)
	}

	var retryCount int
	err = tx.QueryRow(
		"SELECT retry_count FROM outbox WHERE operation_id = ? AND status IN ("+placeholders+")",
		args...).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return "", errors.New(errors.ErrTransition, fmt.Sprintf("operation %s is not in a failable state", operationID))
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to read retry count", err)
	}

	retryCount++
	now := s.now()

	next := models.StatusFailed
	nextAttemptAt := now.Add(s.backoffDelay(retryCount)).Unix()
	if retryCount >= s.cfg.MaxAttempts {
		next = models.StatusDead
		nextAttemptAt = 0
	}

	_, err = tx.Exec(
		"UPDATE outbox SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE operation_id = ?",
		string(next), retryCount, reason, nextAttemptAt, now.Unix(), operationID)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to record failure", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to commit transition", err)
	}

	s.notify()
	return next, nil
}

// backoffDelay derives the retry spacing purely from the retry count:
// base * 2^(n-1), capped at the configured ceiling.
func (s *Store) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := s.cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCeiling {
			return s.cfg.BackoffCeiling
		}
	}
	if delay > s.cfg.BackoffCeiling {
		delay = s.cfg.BackoffCeiling
	}
	return delay
}

// MarkDead moves an envelope straight to the dead-letter state. Used for
// terminal rejections and version conflicts, which must never be blind-retried.
func (s *Store) MarkDead(operationID, reason string) error {
	res, err := s.db.Exec(
		"UPDATE outbox SET status = ?, last_error = ?, next_attempt_at = 0, updated_at = ? WHERE operation_id = ? AND status IN (?, ?)",
		string(models.StatusDead), reason, s.now().Unix(), operationID,
		string(models.StatusInflight), string(models.StatusFailed))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark envelope dead", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.New(errors.ErrTransition, fmt.Sprintf("operation %s cannot move to DEAD", operationID))
	}

	logging.Warn("Envelope dead-lettered", map[string]interface{}{
		"operation_id": operationID,
		"reason":       reason,
	})

	s.notify()
	return nil
}

// ReclaimInflight sweeps envelopes left INFLIGHT by an interrupted cycle
// (app killed, cycle cancelled) back into the retry path. Each reclaimed
// envelope counts the lost attempt against its retry budget. Called at
// drain-cycle startup.
func (s *Store) ReclaimInflight() (int, error) {
	rows, err := s.db.Query(
		"SELECT operation_id FROM outbox WHERE status = ? ORDER BY seq ASC",
		string(models.StatusInflight))
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to list inflight envelopes", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(errors.ErrStorage, "failed to scan inflight id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to iterate inflight ids", err)
	}

	reclaimed := 0
	for _, id := range ids {
		if _, err := s.failOne(id, "reclaimed: no response recorded before shutdown", string(models.StatusInflight)); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	if reclaimed > 0 {
		logging.Info("Reclaimed interrupted envelopes", map[string]interface{}{"count": reclaimed})
	}
	return reclaimed, nil
}

// RetryDead moves dead-lettered envelopes back to PENDING. This is an
// explicit operator action, never automatic. Envelopes whose rejection
// opened a still-OPEN conflict are skipped: their fix is a resolution,
// not a resubmission of the same payload.
func (s *Store) RetryDead(resetRetryCount bool) (int, error) {
	retrySQL := "retry_count"
	if resetRetryCount {
		retrySQL = "0"
	}

	res, err := s.db.Exec(`
		UPDATE outbox
		SET status = ?, retry_count = `+retrySQL+`, last_error = '', next_attempt_at = 0, updated_at = ?
		WHERE status = ?
		  AND operation_id NOT IN (SELECT operation_id FROM conflicts WHERE status = 'OPEN')`,
		string(models.StatusPending), s.now().Unix(), string(models.StatusDead))
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to retry dead letters", err)
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		logging.Info("Dead letters requeued", map[string]interface{}{
			"count":       affected,
			"reset_retry": resetRetryCount,
		})
		s.notify()
	}
	return int(affected), nil
}

// CountByStatus returns envelope counts per status. Backed by
// idx_outbox_status, cheap enough for every UI render.
func (s *Store) CountByStatus() (map[models.EnvelopeStatus]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM outbox GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count envelopes", err)
	}
	defer rows.Close()

	counts := make(map[models.EnvelopeStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan counts", err)
		}
		counts[models.EnvelopeStatus(status)] = count
	}
	return counts, rows.Err()
}

// CountPendingByProject returns the not-yet-confirmed count for one project
// scope. An empty projectID counts envelopes enqueued without a scope.
func (s *Store) CountPendingByProject(projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE project_id = ? AND status IN (?, ?)",
		projectID, string(models.StatusPending), string(models.StatusFailed)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count project scope", err)
	}
	return count, nil
}

// PurgeDone deletes DONE envelopes older than the retention window. DEAD
// envelopes are never purged here; they leave only through RetryDead or
// conflict resolution.
func (s *Store) PurgeDone(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	res, err := s.db.Exec(
		"DELETE FROM outbox WHERE status = ? AND updated_at < ?",
		string(models.StatusDone), cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge confirmed envelopes", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
