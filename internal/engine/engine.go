// Package engine drives sync cycles: it drains the outbox against the
// remote apply endpoint, routes outcomes back into envelope transitions,
// and reports phase changes to the status reporter. One logical engine
// runs per device; concurrent triggers collapse into the in-progress
// cycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/siteproof/core/internal/conflict"
	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/models"
	"github.com/siteproof/core/internal/outbox"
	"github.com/siteproof/core/internal/remote"
	"github.com/siteproof/core/internal/status"
)

// Broadcaster pushes engine events to connected UI clients. The websocket
// hub implements it; a nil broadcaster is valid and drops events.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Engine owns one device's sync runtime.
type Engine struct {
	store     *outbox.Store
	client    remote.Applier
	conflicts *conflict.Manager
	reporter  *status.Reporter
	cfg       Config
	orgID     string
	broadcast Broadcaster

	mu      sync.Mutex
	running bool
}

// New creates an Engine. orgID scopes every outgoing operation to the
// device's organization.
func New(store *outbox.Store, client remote.Applier, conflicts *conflict.Manager, reporter *status.Reporter, cfg Config, orgID string) *Engine {
	return &Engine{
		store:     store,
		client:    client,
		conflicts: conflicts,
		reporter:  reporter,
		cfg:       cfg,
		orgID:     orgID,
	}
}

// SetBroadcaster attaches an event sink for cycle and phase events.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcast = b
}

func (e *Engine) emit(event string, data interface{}) {
	if e.broadcast != nil {
		e.broadcast.Broadcast(event, data)
	}
}

// groupedBatch partitions a batch by entity_id, preserving creation order
// both across groups (by first appearance) and within each group.
type groupedBatch struct {
	order  []string
	groups map[string][]*models.Envelope
}

func groupByEntity(batch []*models.Envelope) *groupedBatch {
	g := &groupedBatch{groups: make(map[string][]*models.Envelope)}
	for _, env := range batch {
		key := env.Entity + "/" + env.EntityID
		if _, seen := g.groups[key]; !seen {
			g.order = append(g.order, key)
		}
		g.groups[key] = append(g.groups[key], env)
	}
	return g
}

// cycleState accumulates outcomes across workers.
type cycleState struct {
	mu          sync.Mutex
	result      status.Result
	aborted     bool
	abortReason error
}

func (c *cycleState) abort(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aborted {
		c.aborted = true
		c.abortReason = reason
	}
}

func (c *cycleState) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *cycleState) count(fn func(*status.Result)) {
	c.mu.Lock()
	fn(&c.result)
	c.mu.Unlock()
}

// RunCycle executes one sync cycle. It returns ErrSyncInProgress when a
// cycle is already running and ErrSyncOffline when the connectivity probe
// fails; both leave the queue untouched.
func (e *Engine) RunCycle(ctx context.Context) (status.Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return status.Result{}, errors.New(errors.ErrSyncInProgress, "sync cycle already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.setPhase(status.PhaseSyncing)

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err := e.client.Ping(probeCtx)
	cancel()
	if err != nil {
		e.setPhase(status.PhaseOffline)
		logging.Info("Sync skipped: apply endpoint unreachable", map[string]interface{}{
			"error": err.Error(),
		})
		return status.Result{}, errors.Wrap(errors.ErrSyncOffline, "connectivity probe failed", err)
	}

	if reclaimed, err := e.store.ReclaimInflight(); err != nil {
		e.setPhase(status.PhaseError)
		return status.Result{}, err
	} else if reclaimed > 0 {
		logging.Warn("Reclaimed stranded in-flight envelopes", map[string]interface{}{
			"count": reclaimed,
		})
	}

	batch, err := e.store.ListPending(e.cfg.BatchSize)
	if err != nil {
		e.setPhase(status.PhaseError)
		return status.Result{}, err
	}
	if len(batch) == 0 {
		e.setPhase(status.PhaseIdle)
		result := status.Result{}
		e.reporter.RecordCycle(result, "", time.Now().Unix())
		return result, nil
	}

	ids := make([]string, len(batch))
	for i, env := range batch {
		ids[i] = env.OperationID
	}
	if err := e.store.MarkInflight(ids); err != nil {
		e.setPhase(status.PhaseError)
		return status.Result{}, err
	}

	state := &cycleState{}
	e.dispatch(ctx, groupByEntity(batch), state)

	result := state.result
	switch {
	case state.abortReason != nil:
		e.setPhase(status.PhaseError)
		msg := state.abortReason.Error()
		e.reporter.RecordCycle(result, msg, 0)
		e.emit("sync.cycle_completed", result)
		return result, errors.Wrap(errors.ErrSyncFailed, "sync cycle aborted", state.abortReason)
	case ctx.Err() != nil:
		e.setPhase(status.PhaseIdle)
		e.reporter.RecordCycle(result, "cycle cancelled", 0)
		e.emit("sync.cycle_completed", result)
		return result, ctx.Err()
	case result.Failed > 0 || result.Dead > 0:
		// The cycle ran to completion but left envelopes behind, so the
		// queue is not clean. Surface that as an error phase until a
		// later cycle drains everything.
		e.setPhase(status.PhaseError)
		msg := fmt.Sprintf("cycle left %d failed and %d dead envelopes", result.Failed, result.Dead)
		e.reporter.RecordCycle(result, msg, 0)
	default:
		e.setPhase(status.PhaseIdle)
		e.reporter.RecordCycle(result, "", time.Now().Unix())
	}

	logging.Info("Sync cycle completed", map[string]interface{}{
		"pushed": result.Pushed,
		"failed": result.Failed,
		"dead":   result.Dead,
	})
	e.emit("sync.cycle_completed", result)
	return result, nil
}

// dispatch fans entity groups out over a bounded worker pool. Envelopes
// within a group run sequentially oldest first; groups run concurrently.
func (e *Engine) dispatch(ctx context.Context, batch *groupedBatch, state *cycleState) {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(batch.order) {
		workers = len(batch.order)
	}

	jobs := make(chan []*models.Envelope)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for group := range jobs {
				e.processGroup(ctx, group, state)
			}
		}()
	}

	for _, key := range batch.order {
		jobs <- batch.groups[key]
	}
	close(jobs)
	wg.Wait()
}

// processGroup applies a single entity's envelopes in creation order.
// Cancellation and cycle abort are checked between envelopes, never in the
// middle of one; untouched envelopes stay INFLIGHT for reclaim.
func (e *Engine) processGroup(ctx context.Context, group []*models.Envelope, state *cycleState) {
	for _, env := range group {
		if ctx.Err() != nil || state.isAborted() {
			return
		}
		e.processEnvelope(ctx, env, state)
	}
}

func (e *Engine) processEnvelope(ctx context.Context, env *models.Envelope, state *cycleState) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.client.Apply(reqCtx, remote.Request{
		OperationID: env.OperationID,
		OrgID:       e.orgID,
		Entity:      env.Entity,
		EntityID:    env.EntityID,
		Type:        env.Type,
		Payload:     env.Payload,
	})
	if err != nil {
		if remote.IsUnreachable(err) {
			// Connection-level collapse: nothing later in the batch can
			// succeed either. The untouched envelopes stay INFLIGHT and
			// are reclaimed next cycle.
			state.abort(err)
			return
		}
		e.markFailed(env, err.Error(), state)
		return
	}

	switch resp.Status {
	case remote.StatusOK, remote.StatusDuplicate:
		if err := e.store.MarkDone(env.OperationID); err != nil {
			logging.Error("Failed to complete envelope", err, map[string]interface{}{
				"operation_id": env.OperationID,
			})
			return
		}
		state.count(func(r *status.Result) { r.Pushed++ })

	case remote.StatusRejected:
		e.routeRejection(env, resp, state)
	}
}

// routeRejection applies the rejection routing table: conflicts open a
// conflict record and dead-letter, terminal reasons dead-letter directly,
// everything else counts as a transient failure.
func (e *Engine) routeRejection(env *models.Envelope, resp *remote.Response, state *cycleState) {
	switch remote.ClassifyReason(resp.Reason) {
	case remote.ClassConflict:
		if _, err := e.conflicts.Open(env, resp.ServerVersion, resp.ServerUpdatedAt); err != nil {
			logging.Error("Failed to record conflict", err, map[string]interface{}{
				"operation_id": env.OperationID,
			})
		}
		if err := e.store.MarkDead(env.OperationID, resp.Reason); err != nil {
			logging.Error("Failed to dead-letter envelope", err, map[string]interface{}{
				"operation_id": env.OperationID,
			})
			return
		}
		state.count(func(r *status.Result) { r.Dead++ })

	case remote.ClassTerminal:
		if err := e.store.MarkDead(env.OperationID, resp.Reason); err != nil {
			logging.Error("Failed to dead-letter envelope", err, map[string]interface{}{
				"operation_id": env.OperationID,
			})
			return
		}
		state.count(func(r *status.Result) { r.Dead++ })

	default:
		e.markFailed(env, fmt.Sprintf("rejected: %s", resp.Reason), state)
	}
}

func (e *Engine) markFailed(env *models.Envelope, reason string, state *cycleState) {
	result, err := e.store.MarkFailed(env.OperationID, reason)
	if err != nil {
		logging.Error("Failed to record envelope failure", err, map[string]interface{}{
			"operation_id": env.OperationID,
		})
		return
	}
	if result == models.StatusDead {
		state.count(func(r *status.Result) { r.Dead++ })
	} else {
		state.count(func(r *status.Result) { r.Failed++ })
	}
}

func (e *Engine) setPhase(p status.Phase) {
	if e.reporter.Phase() != p {
		e.reporter.SetPhase(p)
		e.emit("sync.status_changed", map[string]interface{}{"phase": string(p)})
	}
}
