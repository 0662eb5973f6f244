// Package protocol implements ProtocolInstance: per-fork public-input
// hashing, EIP-4844 blob-data verification, and Shasta aggregation-chain
// validation (spec.md §4.5).
package protocol

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"

	"github.com/taikoxyz/raiko-go/errs"
)

// BlobVerificationMode selects how verify_blob checks a blob against its
// on-chain commitment.
type BlobVerificationMode int

const (
	// KzgVersionedHash recomputes the KZG commitment from blob bytes and
	// requires its versioned hash to equal the L1-observed one.
	KzgVersionedHash BlobVerificationMode = iota
	// ProofOfEquivalence derives a Fiat-Shamir challenge point from
	// (blob, versioned_hash) and verifies the supplied KZG opening proof
	// at that point, additionally anchoring the versioned hash to the
	// commitment.
	ProofOfEquivalence
)

// VerifyBlob implements spec.md §4.5's verify_blob. KzgVersionedHash
// recomputes the commitment from the blob itself and ignores the supplied
// commitment and proof; ProofOfEquivalence requires both, anchors
// commitment to expectedVersionedHash and checks proof at the challenge
// point.
func VerifyBlob(mode BlobVerificationMode, blob *kzg4844.Blob, expectedVersionedHash common.Hash, commitment *kzg4844.Commitment, proof *kzg4844.Proof) error {
	switch mode {
	case KzgVersionedHash:
		computed, err := kzg4844.BlobToCommitment(blob)
		if err != nil {
			return fmt.Errorf("%w: compute kzg commitment: %v", errs.ErrPreflightFailure, err)
		}
		vh := kzg4844.CalcBlobHashV1(sha256.New(), &computed)
		if vh != expectedVersionedHash {
			return fmt.Errorf("%w: versioned hash mismatch: computed %s, expected %s", errs.ErrPreflightFailure, vh, expectedVersionedHash)
		}
		return nil

	case ProofOfEquivalence:
		if commitment == nil || proof == nil {
			return fmt.Errorf("%w: proof-of-equivalence mode requires commitment and proof", errs.ErrPreflightFailure)
		}
		// Anchor: the commitment must itself hash to the expected
		// versioned hash before the opening proof is even worth checking.
		vh := kzg4844.CalcBlobHashV1(sha256.New(), commitment)
		if vh != expectedVersionedHash {
			return fmt.Errorf("%w: commitment does not anchor to expected versioned hash", errs.ErrPreflightFailure)
		}

		point := fiatShamirChallengePoint(blob, expectedVersionedHash)
		gotProof, claimedValue, err := kzg4844.ComputeProof(blob, point)
		if err != nil {
			return fmt.Errorf("%w: compute kzg opening proof: %v", errs.ErrPreflightFailure, err)
		}
		if gotProof != *proof {
			return fmt.Errorf("%w: supplied opening proof does not match recomputed proof at challenge point", errs.ErrPreflightFailure)
		}
		if err := kzg4844.VerifyProof(*commitment, point, claimedValue, gotProof); err != nil {
			return fmt.Errorf("%w: kzg opening proof verification failed: %v", errs.ErrPreflightFailure, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown blob verification mode %d", errs.ErrPreflightFailure, mode)
	}
}

// fiatShamirChallengePoint derives the evaluation point (x) from
// (blob, versioned_hash) per the protocol's Fiat-Shamir transcript: a
// domain-separated SHA-256 hash of the blob bytes and versioned hash,
// reduced modulo the BLS12-381 scalar field order.
func fiatShamirChallengePoint(blob *kzg4844.Blob, versionedHash common.Hash) kzg4844.Point {
	h := sha256.New()
	h.Write([]byte("RAIKO_POE_CHALLENGE"))
	h.Write(blob[:])
	h.Write(versionedHash[:])
	digest := h.Sum(nil)

	// BLS12-381 scalar field order r.
	r, _ := new(big.Int).SetString("73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)
	x := new(big.Int).Mod(new(big.Int).SetBytes(digest), r)

	var point kzg4844.Point
	x.FillBytes(point[:])
	return point
}

// BatchBlobVerification validates blob usage across an entire batch per
// spec.md §4.5: one-to-one correspondence between blob hashes, blob bytes,
// commitments, and (in PoE mode) proofs, failing closed on any length
// mismatch.
func BatchBlobVerification(mode BlobVerificationMode, versionedHashes []common.Hash, blobs []*kzg4844.Blob, commitments []*kzg4844.Commitment, proofs []*kzg4844.Proof) error {
	n := len(versionedHashes)
	if len(blobs) != n || len(commitments) != n {
		return fmt.Errorf("%w: batch blob data length mismatch: hashes=%d blobs=%d commitments=%d", errs.ErrPreflightFailure, n, len(blobs), len(commitments))
	}
	if mode == ProofOfEquivalence && len(proofs) != n {
		return fmt.Errorf("%w: batch blob proof length mismatch: hashes=%d proofs=%d", errs.ErrPreflightFailure, n, len(proofs))
	}

	for i := 0; i < n; i++ {
		var proof *kzg4844.Proof
		if mode == ProofOfEquivalence {
			proof = proofs[i]
		}
		if err := VerifyBlob(mode, blobs[i], versionedHashes[i], commitments[i], proof); err != nil {
			return fmt.Errorf("batch blob %d: %w", i, err)
		}
	}
	return nil
}
