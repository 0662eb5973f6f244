// Package orchestrator implements BackendOrchestrator: the single
// cooperative reactor that drives every request through the pool's FSM,
// bounded by one global proving semaphore, per spec.md §4.6.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/backends"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
)

// internalSignalRetryInterval is how often the reactor retries a blocked
// internal-channel send, and how long a WorkInProgress request waits
// before its next poll.
const internalSignalRetryInterval = 3 * time.Second

// GuestInputProducer resolves a SingleProof/BatchProof request entity into
// the GuestInput(s) a ProverBackend needs. Concrete wiring (one
// preflight.Preflight per L2 network) lives outside this package; the
// orchestrator only depends on this narrow interface so it stays testable
// without a live chain.
type GuestInputProducer interface {
	Produce(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) ([]*guestinput.GuestInput, error)
}

// ActionKind tags an external request to the orchestrator.
type ActionKind int

const (
	ActionProve ActionKind = iota
	ActionCancel
)

// Action is an external request dispatched to the reactor: prove (register
// or no-op if already underway/done) or cancel.
type Action struct {
	Kind   ActionKind
	Key    pool.RequestKey
	Entity pool.RequestEntity
}

type actionRequest struct {
	action Action
	respCh chan actionResponse
}

type actionResponse struct {
	status pool.StatusWithContext
	err    error
}

// BackendOrchestrator is the reactor: one goroutine (Run) owns the pool
// and every backend, processing external actions and internal FSM-advance
// signals off of one select loop, so no two goroutines ever race on the
// same request's lifecycle.
type BackendOrchestrator struct {
	pool           pool.Pool
	backendsByType map[pool.ProofType]backends.ProverBackend
	inputs         GuestInputProducer
	sem            *semaphore.Weighted
	log            log.Logger

	actionCh   chan actionRequest
	internalCh chan pool.RequestKey
	pauseCh    chan struct{}
}

// New wires a BackendOrchestrator. maxProvingConcurrency bounds how many
// proving jobs (single, batch, or aggregation) may run at once across every
// backend, per spec.md §4.6's max_proving_concurrency.
func New(p pool.Pool, backendsByType map[pool.ProofType]backends.ProverBackend, inputs GuestInputProducer, maxProvingConcurrency int) *BackendOrchestrator {
	return &BackendOrchestrator{
		pool: p, backendsByType: backendsByType, inputs: inputs,
		sem:        semaphore.NewWeighted(int64(maxProvingConcurrency)),
		log:        log.Root().New("component", "orchestrator"),
		actionCh:   make(chan actionRequest),
		internalCh: make(chan pool.RequestKey, 1024),
		pauseCh:    make(chan struct{}, 1),
	}
}

// Run drives the reactor until ctx is cancelled. Callers typically run this
// in its own goroutine and interact via Prove/Cancel/Pause.
func (o *BackendOrchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.log.Info("Orchestrator exiting", "reason", ctx.Err())
			return

		case req := <-o.actionCh:
			status, err := o.handleExternalAction(ctx, req.action)
			// Signal the internal channel regardless of outcome: fault
			// tolerance ensures the request is still advanced even if
			// something unexpected happened handling the action itself.
			o.signalInternal(req.action.Key)
			req.respCh <- actionResponse{status: status, err: err}

		case key := <-o.internalCh:
			o.handleInternalSignal(ctx, key)

		case <-o.pauseCh:
			o.log.Info("Orchestrator received pause signal")
		}
	}
}

// Prove registers a new request, or returns the existing status if one is
// already registered, in progress, or succeeded. A cancelled or failed
// request re-registers.
func (o *BackendOrchestrator) Prove(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) (pool.StatusWithContext, error) {
	return o.dispatch(ctx, Action{Kind: ActionProve, Key: key, Entity: entity})
}

// Cancel cancels a Registered or WorkInProgress request. Terminal requests
// return their existing status unchanged.
func (o *BackendOrchestrator) Cancel(ctx context.Context, key pool.RequestKey) (pool.StatusWithContext, error) {
	return o.dispatch(ctx, Action{Kind: ActionCancel, Key: key})
}

// Pause sends a pause signal to the reactor, which logs it; in-flight
// proofs are not drained and the reactor keeps serving actions and
// internal signals. Best-effort: a pause already pending is not queued
// twice.
func (o *BackendOrchestrator) Pause() {
	select {
	case o.pauseCh <- struct{}{}:
	default:
	}
}

func (o *BackendOrchestrator) dispatch(ctx context.Context, action Action) (pool.StatusWithContext, error) {
	respCh := make(chan actionResponse, 1)
	select {
	case o.actionCh <- actionRequest{action: action, respCh: respCh}:
	case <-ctx.Done():
		return pool.StatusWithContext{}, ctx.Err()
	}
	select {
	case resp := <-respCh:
		return resp.status, resp.err
	case <-ctx.Done():
		return pool.StatusWithContext{}, ctx.Err()
	}
}

func (o *BackendOrchestrator) handleExternalAction(ctx context.Context, action Action) (pool.StatusWithContext, error) {
	switch action.Kind {
	case ActionProve:
		entry, err := o.pool.Get(action.Key)
		switch {
		case errors.Is(err, pool.ErrKeyNotFound):
			o.log.Debug("Orchestrator registering new request", "key", action.Key)
			return o.register(action.Key, action.Entity)
		case err != nil:
			return pool.StatusWithContext{}, err
		}
		switch entry.Status.Status.State {
		case pool.Registered, pool.WorkInProgress, pool.Success:
			return entry.Status, nil
		case pool.Cancelled, pool.Failed:
			o.log.Warn("Orchestrator re-registering previously terminal request", "key", action.Key, "state", entry.Status.Status.State)
			return o.register(action.Key, action.Entity)
		}
		return entry.Status, nil

	case ActionCancel:
		entry, err := o.pool.Get(action.Key)
		if errors.Is(err, pool.ErrKeyNotFound) {
			return pool.StatusWithContext{}, fmt.Errorf("orchestrator: cannot cancel %s: %w", action.Key, pool.ErrKeyNotFound)
		}
		if err != nil {
			return pool.StatusWithContext{}, err
		}
		switch entry.Status.Status.State {
		case pool.Registered, pool.WorkInProgress:
			return o.cancel(ctx, action.Key, entry.Status)
		default:
			return entry.Status, nil
		}
	}
	return pool.StatusWithContext{}, fmt.Errorf("orchestrator: unknown action kind %d", action.Kind)
}

func (o *BackendOrchestrator) register(key pool.RequestKey, entity pool.RequestEntity) (pool.StatusWithContext, error) {
	if err := o.pool.Add(key, entity, pool.Status{State: pool.Registered}); err != nil {
		return pool.StatusWithContext{}, err
	}
	return o.currentStatus(key)
}

// cancel implements spec.md §4.6's cancellation semantics: a Registered
// request is simply marked Cancelled; a WorkInProgress request's backend is
// asked to cancel first, and a "no data" response from a backend that
// never actually started the job is tolerated rather than surfaced.
func (o *BackendOrchestrator) cancel(ctx context.Context, key pool.RequestKey, old pool.StatusWithContext) (pool.StatusWithContext, error) {
	if old.Status.State == pool.Registered {
		return o.updateStatus(key, pool.Status{State: pool.Cancelled})
	}

	if backend, ok := o.backendsByType[key.ProofType]; ok {
		if err := backend.Cancel(ctx, key); err != nil && !isNoDataError(err) {
			o.log.Error("Orchestrator failed to cancel backend job", "key", key, "error", err)
			return pool.StatusWithContext{}, fmt.Errorf("orchestrator: cancel backend job for %s: %w", key, err)
		}
	}
	return o.updateStatus(key, pool.Status{State: pool.Cancelled})
}

// isNoDataError matches the upstream driver's tolerance for "No data for
// query" responses when cancelling a job that never actually started on
// the backend side — neither success nor failure, just nothing to cancel.
func isNoDataError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no data")
}

func (o *BackendOrchestrator) handleInternalSignal(ctx context.Context, key pool.RequestKey) {
	entry, err := o.pool.Get(key)
	if errors.Is(err, pool.ErrKeyNotFound) {
		o.log.Warn("Orchestrator internal signal for unknown key, skipping", "key", key)
		return
	}
	if err != nil {
		o.log.Warn("Orchestrator failed to read status for internal signal, retrying", "key", key, "error", err)
		o.signalInternalAfter(key, internalSignalRetryInterval)
		return
	}

	switch entry.Status.Status.State {
	case pool.Registered:
		switch key.Kind {
		case pool.KindSingleProof, pool.KindBatchProof:
			o.proveSingle(ctx, key, entry.Entity)
		case pool.KindAggregation, pool.KindShastaAggregation:
			o.proveAggregation(ctx, key, entry.Entity)
		default:
			o.log.Warn("Orchestrator internal signal for a non-provable request kind, skipping", "key", key, "kind", key.Kind)
			return
		}
		o.signalInternal(key)

	case pool.WorkInProgress:
		o.signalInternalAfter(key, internalSignalRetryInterval)

	case pool.Success, pool.Failed, pool.Cancelled:
		// terminal, nothing further to do
	}
}

// signalInternal keeps retrying delivery into internalCh until it
// succeeds, matching the upstream reactor's "ensure" semantics: a request
// key must never silently fail to advance because the channel was briefly
// full.
func (o *BackendOrchestrator) signalInternal(key pool.RequestKey) {
	go func() {
		for {
			select {
			case o.internalCh <- key:
				return
			case <-time.After(internalSignalRetryInterval):
				o.log.Warn("Orchestrator retrying internal signal delivery", "key", key)
			}
		}
	}()
}

func (o *BackendOrchestrator) signalInternalAfter(key pool.RequestKey, after time.Duration) {
	go func() {
		time.Sleep(after)
		o.signalInternal(key)
	}()
}

func (o *BackendOrchestrator) updateStatus(key pool.RequestKey, status pool.Status) (pool.StatusWithContext, error) {
	if err := o.pool.UpdateStatus(key, status); err != nil {
		return pool.StatusWithContext{}, err
	}
	return o.currentStatus(key)
}

func (o *BackendOrchestrator) currentStatus(key pool.RequestKey) (pool.StatusWithContext, error) {
	entry, err := o.pool.Get(key)
	if err != nil {
		return pool.StatusWithContext{}, err
	}
	return entry.Status, nil
}
