// Package errs defines the error taxonomy shared by every component of the
// proving pipeline, so that the orchestrator can classify a failure into the
// right terminal status without string-matching error messages.
package errs

import "errors"

// Sentinel errors classifying a failure by how the orchestrator should react
// to it. Components wrap these with fmt.Errorf("...: %w", ErrX) so callers
// can errors.Is against the category while still keeping a human-readable
// message.
var (
	// ErrPreflightFailure covers missing data, malformed anchor transactions,
	// blob-not-found, and KZG verification failures during preflight. Not
	// retried automatically: the block may genuinely be un-provable.
	ErrPreflightFailure = errors.New("preflight failure")

	// ErrConversionFailure covers deterministic decode/coercion failures
	// (integer width, header coercion, tx envelope).
	ErrConversionFailure = errors.New("conversion failure")

	// ErrExecutionMismatch means the recomputed state root disagrees with
	// the header. Indicates a bug or an L1/L2 consistency breach and must
	// be surfaced loudly rather than swallowed.
	ErrExecutionMismatch = errors.New("execution state root mismatch")

	// ErrProviderTransient covers network blips talking to RPC/HTTP
	// providers. Retried with bounded backoff at the transport layer.
	ErrProviderTransient = errors.New("transient provider error")

	// ErrBackendTimeout means a proving job exceeded max_proof_timeout.
	ErrBackendTimeout = errors.New("timed out")

	// ErrCancellationRequested means an explicit cancel arrived during
	// WorkInProgress.
	ErrCancellationRequested = errors.New("cancellation requested")

	// ErrAuth means the remote agent rejected the request with 401/403.
	// Never retried.
	ErrAuth = errors.New("agent API key rejected")
)

// ProviderFailure wraps a transport-layer failure with enough context to
// diagnose it without leaking the retry policy into the caller.
type ProviderFailure struct {
	Context string
	Err     error
}

func (e *ProviderFailure) Error() string {
	return "provider failure (" + e.Context + "): " + e.Err.Error()
}

func (e *ProviderFailure) Unwrap() error { return e.Err }

// NewProviderFailure builds a ProviderFailure, classified as transient so
// the transport-layer retry policy picks it up automatically.
func NewProviderFailure(context string, err error) error {
	return &ProviderFailure{Context: context, Err: err}
}

// Is allows errors.Is(providerFailure, ErrProviderTransient) to succeed for
// every ProviderFailure, since by construction they are all transient.
func (e *ProviderFailure) Is(target error) bool {
	return target == ErrProviderTransient
}
