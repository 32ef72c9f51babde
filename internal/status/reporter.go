// Package status projects engine runtime state and outbox counts into a
// single snapshot for the device UI, and fans out change notifications to
// subscribers. Queue depth and dead-letter count are always recomputed from
// the store, never cached, so a snapshot cannot drift from the database.
package status

import (
	"sync"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/models"
)

// Phase is the engine's runtime phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseOffline Phase = "offline"
	PhaseError   Phase = "error"
)

// Result summarizes one completed sync cycle.
type Result struct {
	Pushed int `json:"pushed"`
	Failed int `json:"failed"`
	Dead   int `json:"dead"`
}

// Snapshot is the full status view at one moment.
type Snapshot struct {
	Phase           Phase  `json:"phase"`
	QueueDepth      int    `json:"queue_depth"`
	DeadLetterCount int    `json:"dead_letter_count"`
	OpenConflicts   int    `json:"open_conflicts"`
	LastError       string `json:"last_error,omitempty"`
	LastSyncedAt    int64  `json:"last_synced_at,omitempty"`
	LastResult      Result `json:"last_result"`
}

// Counter exposes the outbox counts the snapshot is built from.
type Counter interface {
	CountByStatus() (map[models.EnvelopeStatus]int, error)
}

// ConflictCounter exposes the open-conflict count.
type ConflictCounter interface {
	CountOpen() (int, error)
}

// Reporter produces snapshots and notifies subscribers of state changes.
type Reporter struct {
	counter   Counter
	conflicts ConflictCounter

	mu           sync.RWMutex
	phase        Phase
	lastError    string
	lastSyncedAt int64
	lastResult   Result
	subs         map[chan struct{}]struct{}
}

// NewReporter creates a Reporter over the given count sources.
func NewReporter(counter Counter, conflicts ConflictCounter) *Reporter {
	return &Reporter{
		counter:   counter,
		conflicts: conflicts,
		phase:     PhaseIdle,
		subs:      make(map[chan struct{}]struct{}),
	}
}

// Snapshot recomputes the status view from the store and runtime state.
func (r *Reporter) Snapshot() (*Snapshot, error) {
	counts, err := r.counter.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count outbox", err)
	}
	open, err := r.conflicts.CountOpen()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count conflicts", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Snapshot{
		Phase:           r.phase,
		QueueDepth:      counts[models.StatusPending] + counts[models.StatusFailed],
		DeadLetterCount: counts[models.StatusDead],
		OpenConflicts:   open,
		LastError:       r.lastError,
		LastSyncedAt:    r.lastSyncedAt,
		LastResult:      r.lastResult,
	}, nil
}

// Phase returns the current runtime phase.
func (r *Reporter) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// SetPhase records a phase transition and notifies subscribers.
func (r *Reporter) SetPhase(p Phase) {
	r.mu.Lock()
	changed := r.phase != p
	r.phase = p
	r.mu.Unlock()
	if changed {
		r.Notify()
	}
}

// RecordCycle records the outcome of a completed sync cycle. A non-empty
// errMsg marks the cycle failed; syncedAt is ignored unless the cycle
// succeeded.
func (r *Reporter) RecordCycle(result Result, errMsg string, syncedAt int64) {
	r.mu.Lock()
	r.lastResult = result
	r.lastError = errMsg
	if errMsg == "" {
		r.lastSyncedAt = syncedAt
	}
	r.mu.Unlock()
	r.Notify()
}

// Subscribe registers a change-notification channel. The channel carries
// coalesced wakeups, not snapshots: subscribers call Snapshot after a
// wakeup to read current state.
func (r *Reporter) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (r *Reporter) Unsubscribe(ch chan struct{}) {
	r.mu.Lock()
	delete(r.subs, ch)
	r.mu.Unlock()
}

// Notify wakes all subscribers without blocking. A subscriber that has not
// drained its previous wakeup is not sent another.
func (r *Reporter) Notify() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
