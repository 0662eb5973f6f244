package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/raiko-go/backends"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
	"github.com/taikoxyz/raiko-go/protocol"
)

// fakeInputs produces one empty GuestInput per call and counts invocations.
type fakeInputs struct {
	calls int32
}

func (f *fakeInputs) Produce(ctx context.Context, key pool.RequestKey, entity pool.RequestEntity) ([]*guestinput.GuestInput, error) {
	atomic.AddInt32(&f.calls, 1)
	return []*guestinput.GuestInput{{}}, nil
}

// blockingBackend counts concurrently in-flight BatchRun calls and blocks
// until release is closed, so tests can assert at-most-one-in-flight under
// a semaphore of capacity 1.
type blockingBackend struct {
	proofType pool.ProofType

	mu        sync.Mutex
	inFlight  int
	maxSeen   int
	submitted int32

	release chan struct{}
}

func newBlockingBackend(pt pool.ProofType) *blockingBackend {
	return &blockingBackend{proofType: pt, release: make(chan struct{})}
}

func (b *blockingBackend) ProofType() pool.ProofType { return b.proofType }

func (b *blockingBackend) BatchRun(ctx context.Context, req backends.BatchRunRequest) (backends.BatchRunResult, error) {
	atomic.AddInt32(&b.submitted, 1)
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > b.maxSeen {
		b.maxSeen = b.inFlight
	}
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.inFlight--
	b.mu.Unlock()
	return backends.BatchRunResult{Proof: pool.Proof{Proof: []byte("proof")}}, nil
}

func (b *blockingBackend) Aggregate(ctx context.Context, req backends.AggregateRequest) (backends.BatchRunResult, error) {
	return backends.BatchRunResult{}, errors.New("not used in this test")
}

func (b *blockingBackend) ShastaAggregate(ctx context.Context, req backends.ShastaAggregateRequest) (backends.BatchRunResult, error) {
	if !protocol.ValidateShastaProofCarryDataVec(req.Carry) {
		return backends.BatchRunResult{}, errors.New("invalid shasta proof carry data")
	}
	return backends.BatchRunResult{Proof: pool.Proof{Proof: []byte("agg-proof")}}, nil
}

func (b *blockingBackend) Cancel(ctx context.Context, key pool.RequestKey) error { return nil }

// refusingCancelBackend returns a distinctive error from Cancel so tests can
// confirm the orchestrator actually invokes it during WorkInProgress
// cancellation.
type refusingCancelBackend struct {
	*blockingBackend
	cancelCalls int32
	cancelErr   error
}

func (b *refusingCancelBackend) Cancel(ctx context.Context, key pool.RequestKey) error {
	atomic.AddInt32(&b.cancelCalls, 1)
	return b.cancelErr
}

func waitForState(t *testing.T, p pool.Pool, key pool.RequestKey, want pool.State, timeout time.Duration) pool.StatusWithContext {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entry, err := p.Get(key)
		if err == nil && entry.Status.Status.State == want {
			return entry.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for key %s to reach state %s", key, want)
	return pool.StatusWithContext{}
}

func TestOrchestratorProveDedupsConcurrentIdenticalKey(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := newBlockingBackend(pool.ProofTypeRisc0)
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeRisc0: backend}, inputs, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	key := pool.SingleProofKey(1, 100, common.Hash{0x01}, pool.ProofTypeRisc0, common.Address{}, "img")

	var wg sync.WaitGroup
	results := make([]pool.StatusWithContext, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.Prove(ctx, key, pool.RequestEntity{})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Prove[%d]: %v", i, err)
		}
	}

	// Let the backend's single in-flight job settle.
	close(backend.release)
	status := waitForState(t, p, key, pool.Success, time.Second)

	if atomic.LoadInt32(&backend.submitted) != 1 {
		t.Fatalf("expected exactly one backend submission for a duplicate key, got %d", backend.submitted)
	}
	if string(status.Status.Proof.Proof) != "proof" {
		t.Fatalf("unexpected final proof: %q", status.Status.Proof.Proof)
	}
}

func TestOrchestratorSemaphoreLimitsInFlightProving(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := newBlockingBackend(pool.ProofTypeRisc0)
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeRisc0: backend}, inputs, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	keyA := pool.SingleProofKey(1, 100, common.Hash{0xaa}, pool.ProofTypeRisc0, common.Address{}, "img")
	keyB := pool.SingleProofKey(1, 101, common.Hash{0xbb}, pool.ProofTypeRisc0, common.Address{}, "img")

	if _, err := o.Prove(ctx, keyA, pool.RequestEntity{}); err != nil {
		t.Fatalf("Prove A: %v", err)
	}
	if _, err := o.Prove(ctx, keyB, pool.RequestEntity{}); err != nil {
		t.Fatalf("Prove B: %v", err)
	}

	// Give both internal signals a moment to try to start proving; with a
	// semaphore of capacity 1, at most one should ever be in flight.
	time.Sleep(100 * time.Millisecond)

	backend.mu.Lock()
	maxSeen := backend.maxSeen
	backend.mu.Unlock()
	if maxSeen > 1 {
		t.Fatalf("expected at most one in-flight proving job, saw %d concurrently", maxSeen)
	}

	close(backend.release)
	waitForState(t, p, keyA, pool.Success, time.Second)
	waitForState(t, p, keyB, pool.Success, time.Second)
}

func TestOrchestratorCancelFromRegisteredSkipsBackend(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := &refusingCancelBackend{blockingBackend: newBlockingBackend(pool.ProofTypeSGX), cancelErr: errors.New("should not be called")}
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeSGX: backend}, inputs, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := pool.SingleProofKey(1, 200, common.Hash{0x02}, pool.ProofTypeSGX, common.Address{}, "img")
	// Seed the pool directly (bypassing Prove, which would also enqueue an
	// internal signal racing this test's own Cancel) so the request is
	// deterministically Registered, never WorkInProgress, when cancelled.
	if err := p.Add(key, pool.RequestEntity{}, pool.Status{State: pool.Registered}); err != nil {
		t.Fatalf("seed Add: %v", err)
	}
	go o.Run(ctx)

	status, err := o.Cancel(ctx, key)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status.Status.State != pool.Cancelled {
		t.Fatalf("expected Cancelled, got %s", status.Status.State)
	}
	if atomic.LoadInt32(&backend.cancelCalls) != 0 {
		t.Fatalf("expected no backend.Cancel call when cancelling from Registered, got %d", backend.cancelCalls)
	}
}

func TestOrchestratorCancelDuringWorkInProgressCallsBackend(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := &refusingCancelBackend{blockingBackend: newBlockingBackend(pool.ProofTypeSGX)}
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeSGX: backend}, inputs, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	key := pool.SingleProofKey(1, 300, common.Hash{0x03}, pool.ProofTypeSGX, common.Address{}, "img")
	if _, err := o.Prove(ctx, key, pool.RequestEntity{}); err != nil {
		t.Fatalf("Prove: %v", err)
	}

	// Wait for the job to actually reach WorkInProgress before cancelling.
	waitForState(t, p, key, pool.WorkInProgress, time.Second)

	status, err := o.Cancel(ctx, key)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status.Status.State != pool.Cancelled {
		t.Fatalf("expected Cancelled, got %s", status.Status.State)
	}
	if atomic.LoadInt32(&backend.cancelCalls) != 1 {
		t.Fatalf("expected exactly one backend.Cancel call, got %d", backend.cancelCalls)
	}

	close(backend.release)
}

func TestOrchestratorCancelToleratesNoDataError(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := &refusingCancelBackend{blockingBackend: newBlockingBackend(pool.ProofTypeSGX), cancelErr: errors.New("No data for query")}
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeSGX: backend}, inputs, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	key := pool.SingleProofKey(1, 400, common.Hash{0x04}, pool.ProofTypeSGX, common.Address{}, "img")
	if _, err := o.Prove(ctx, key, pool.RequestEntity{}); err != nil {
		t.Fatalf("Prove: %v", err)
	}
	waitForState(t, p, key, pool.WorkInProgress, time.Second)

	status, err := o.Cancel(ctx, key)
	if err != nil {
		t.Fatalf("expected no-data backend error to be tolerated, got: %v", err)
	}
	if status.Status.State != pool.Cancelled {
		t.Fatalf("expected Cancelled, got %s", status.Status.State)
	}

	close(backend.release)
}

func TestOrchestratorShastaAggregateRejectsBrokenCarryChain(t *testing.T) {
	p := pool.NewMemoryPool()
	backend := newBlockingBackend(pool.ProofTypeRisc0)
	inputs := &fakeInputs{}
	o := New(p, map[pool.ProofType]backends.ProverBackend{pool.ProofTypeRisc0: backend}, inputs, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	key := pool.ShastaAggregationKey(pool.ProofTypeRisc0, []uint64{1, 2}, "img")
	entity := pool.RequestEntity{
		Proofs: []pool.Proof{{Proof: []byte("p1")}, {Proof: []byte("p2")}},
		CarryData: []pool.ProofCarryData{
			{ProposalID: 1, ProposalHash: [32]byte{0x01}},
			{ProposalID: 2, ParentProposalHash: [32]byte{0x02}}, // does not link to proposal 1's hash
		},
	}
	if _, err := o.Prove(ctx, key, entity); err != nil {
		t.Fatalf("Prove: %v", err)
	}

	status := waitForState(t, p, key, pool.Failed, time.Second)
	if status.Status.Reason == "" {
		t.Fatalf("expected a human-readable failure reason")
	}
}
