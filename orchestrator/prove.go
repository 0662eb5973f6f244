package orchestrator

import (
	"context"
	"fmt"

	"github.com/taikoxyz/raiko-go/backends"
	"github.com/taikoxyz/raiko-go/pool"
)

// proveSingle advances a Registered SingleProof/BatchProof request: it
// marks the request WorkInProgress, then launches the actual proving work
// in its own goroutine under the proving semaphore. It blocks only until
// that goroutine has actually acquired its semaphore permit (the
// semaphore_acquired handshake) — not until proving finishes — so the
// reactor is never stalled waiting on a single job.
func (o *BackendOrchestrator) proveSingle(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) {
	if _, err := o.updateStatus(key, pool.Status{State: pool.WorkInProgress}); err != nil {
		o.log.Error("Orchestrator failed to mark request work-in-progress", "key", key, "error", err)
		return
	}

	semaphoreAcquired := make(chan struct{})
	go func() {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.log.Error("Orchestrator failed to acquire proving semaphore", "key", key, "error", err)
			close(semaphoreAcquired)
			return
		}
		close(semaphoreAcquired)
		defer o.sem.Release(1)

		status := o.doProveSingle(ctx, key, entity)
		if _, err := o.updateStatus(key, status); err != nil {
			o.log.Error("Orchestrator failed to record single-proof result", "key", key, "status", status.State, "error", err)
		}
	}()
	<-semaphoreAcquired
}

func (o *BackendOrchestrator) doProveSingle(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) pool.Status {
	o.log.Info("Generating proof", "key", key)

	inputs, err := o.inputs.Produce(ctx, key, entity)
	if err != nil {
		return pool.Status{State: pool.Failed, Reason: fmt.Sprintf("failed to produce guest input: %v", err)}
	}

	backend, ok := o.backendsByType[key.ProofType]
	if !ok {
		return pool.Status{State: pool.Failed, Reason: fmt.Sprintf("no backend wired for proof type %q", key.ProofType)}
	}

	result, err := backend.BatchRun(ctx, backends.BatchRunRequest{
		Key: key, Inputs: inputs, ProverArgs: entity.ProverArgs, Graffiti: entity.Graffiti,
	})
	if err != nil {
		return pool.Status{State: pool.Failed, Reason: fmt.Sprintf("failed to generate proof: %v", err)}
	}

	proof := result.Proof
	if result.CarryData != nil {
		proof.ExtraData = result.CarryData
	}
	return pool.Status{State: pool.Success, Proof: &proof}
}

// proveAggregation mirrors proveSingle for Aggregation/ShastaAggregation
// requests, which combine already-produced per-block proofs rather than
// generating GuestInput themselves.
func (o *BackendOrchestrator) proveAggregation(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) {
	if _, err := o.updateStatus(key, pool.Status{State: pool.WorkInProgress}); err != nil {
		o.log.Error("Orchestrator failed to mark request work-in-progress", "key", key, "error", err)
		return
	}

	semaphoreAcquired := make(chan struct{})
	go func() {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.log.Error("Orchestrator failed to acquire proving semaphore", "key", key, "error", err)
			close(semaphoreAcquired)
			return
		}
		close(semaphoreAcquired)
		defer o.sem.Release(1)

		status := o.doProveAggregation(ctx, key, entity)
		if _, err := o.updateStatus(key, status); err != nil {
			o.log.Error("Orchestrator failed to record aggregation result", "key", key, "status", status.State, "error", err)
		}
	}()
	<-semaphoreAcquired
}

func (o *BackendOrchestrator) doProveAggregation(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) pool.Status {
	o.log.Info("Generating aggregate proof", "key", key)

	backend, ok := o.backendsByType[key.ProofType]
	if !ok {
		return pool.Status{State: pool.Failed, Reason: fmt.Sprintf("no backend wired for proof type %q", key.ProofType)}
	}

	var result backends.BatchRunResult
	var err error
	if key.Kind == pool.KindShastaAggregation {
		result, err = backend.ShastaAggregate(ctx, backends.ShastaAggregateRequest{
			Key: key, Proofs: entity.Proofs, Carry: entity.CarryData,
		})
	} else {
		result, err = backend.Aggregate(ctx, backends.AggregateRequest{Key: key, Proofs: entity.Proofs})
	}
	if err != nil {
		return pool.Status{State: pool.Failed, Reason: fmt.Sprintf("failed to generate aggregation proof: %v", err)}
	}

	proof := result.Proof
	if result.CarryData != nil {
		proof.ExtraData = result.CarryData
	}
	return pool.Status{State: pool.Success, Proof: &proof}
}
