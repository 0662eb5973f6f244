package pool

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryPoolAddRejectsDuplicateKey(t *testing.T) {
	p := NewMemoryPool()
	key := GuestInputKey(1, 100, common.Hash{0x01})

	if err := p.Add(key, RequestEntity{}, Status{State: Registered}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := p.Add(key, RequestEntity{}, Status{State: Registered}); err != ErrKeyExists {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}

func TestMemoryPoolGetMissingKey(t *testing.T) {
	p := NewMemoryPool()
	if _, err := p.Get(GuestInputKey(1, 1, common.Hash{})); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryPoolUpdateStatusAllowsRewriteAfterSuccess(t *testing.T) {
	p := NewMemoryPool()
	key := SingleProofKey(1, 100, common.Hash{0x02}, ProofTypeRisc0, common.Address{0x03}, "img")

	if err := p.Add(key, RequestEntity{}, Status{State: Registered}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.UpdateStatus(key, Status{State: WorkInProgress}); err != nil {
		t.Fatalf("UpdateStatus WIP: %v", err)
	}
	if err := p.UpdateStatus(key, Status{State: Success, Proof: &Proof{Proof: []byte("p")}}); err != nil {
		t.Fatalf("UpdateStatus Success: %v", err)
	}

	entry, err := p.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status.Status.State != Success {
		t.Fatalf("expected Success, got %v", entry.Status.Status.State)
	}

	// Re-submission after Success is the caller's responsibility to make a
	// no-op (spec.md testable property #10); the pool itself still allows
	// the explicit write — dedup lives in the orchestrator, which checks
	// Get before calling UpdateStatus/Add. Re-entry from Cancelled/Failed
	// is allowed at the pool layer.
	if err := p.UpdateStatus(key, Status{State: Registered}); err != nil {
		t.Fatalf("expected re-entry to be allowed at pool layer: %v", err)
	}
}

func TestMemoryPoolDeleteExpired(t *testing.T) {
	p := NewMemoryPool()
	key := GuestInputKey(1, 1, common.Hash{0x04})
	if err := p.Add(key, RequestEntity{}, Status{State: Success}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	n, err := p.DeleteExpired(time.Hour)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing expired yet, got %d", n)
	}

	n, err = p.DeleteExpired(-time.Second) // everything is "older" than now+1s
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if _, err := p.Get(key); err != ErrKeyNotFound {
		t.Fatalf("expected key pruned, got %v", err)
	}
}

func TestRequestKeyStringDeterministic(t *testing.T) {
	k1 := AggregationKey(ProofTypeSP1, []uint64{3, 1, 2}, "image")
	k2 := AggregationKey(ProofTypeSP1, []uint64{1, 2, 3}, "image")
	if k1.String() != k2.String() {
		t.Fatalf("aggregation keys built from differently-ordered block lists must collide: %q vs %q", k1.String(), k2.String())
	}

	k3 := AggregationKey(ProofTypeSP1, []uint64{1, 2, 4}, "image")
	if k1.String() == k3.String() {
		t.Fatalf("distinct block lists must not collide")
	}
}
