package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
	"github.com/taikoxyz/raiko-go/protocol"
)

// boundlessMaxConcurrent bounds outstanding HTTP requests to the Boundless
// agent that brokers on-chain proof-market bidding on this backend's
// behalf.
const boundlessMaxConcurrent = 4

// boundlessProofTimeout is long relative to the other backends: a market
// job waits on an open bidding round before a prover even starts work.
const boundlessProofTimeout = time.Hour

// BoundlessBackend submits jobs to the Boundless on-chain proof market via
// an agent that handles bidding, image hosting, and order tracking; this
// backend never signs or sends its own chain transactions, matching
// how the upstream Boundless driver layers are split (spec.md §5).
type BoundlessBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sem        *semaphore.Weighted
	cache      *ProofCache
	log        log.Logger
}

// NewBoundlessBackend wires a Boundless-market backend. cache stores
// settled receipts keyed by image_id and keccak(input) so a re-requested
// job that already cleared a market round never re-bids.
func NewBoundlessBackend(baseURL, apiKey string, httpClient *http.Client, cache *ProofCache) *BoundlessBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: boundlessProofTimeout}
	}
	return &BoundlessBackend{
		baseURL: baseURL, apiKey: apiKey, httpClient: httpClient,
		sem: semaphore.NewWeighted(boundlessMaxConcurrent), cache: cache,
		log: log.Root().New("component", "boundless-backend"),
	}
}

func (b *BoundlessBackend) ProofType() pool.ProofType { return pool.ProofTypeBoundless }

func (b *BoundlessBackend) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("backends: marshal boundless request for %s: %w", path, err)
		}
		bodyReader = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("backends: build boundless request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("x-api-key", b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return errs.NewProviderFailure(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: boundless agent rejected API key at %s: %s", errs.ErrAuth, path, body)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errs.NewProviderFailure(path, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("backends: decode boundless response from %s: %w", path, err)
		}
	}
	return nil
}

// boundlessOfferSpec mirrors the per-proof-type timeout/price schedule the
// upstream Boundless agent's offer-builder uses: both timeouts and the bid
// price scale linearly with the guest's estimated mega-cycle count rather
// than being flat per job.
type boundlessOfferSpec struct {
	LockTimeoutMsPerMcycle uint32
	TimeoutMsPerMcycle     uint32
	MaxPricePerMcycle      float64 // ether
	MinPricePerMcycle      float64 // ether
}

var defaultBoundlessOffer = boundlessOfferSpec{
	LockTimeoutMsPerMcycle: 1000, TimeoutMsPerMcycle: 3000,
	MaxPricePerMcycle: 0.00001, MinPricePerMcycle: 0.000003,
}

type estimateResponse struct {
	MCyclesCount uint64 `json:"mcycles_count"`
}

// estimateCycles dry-runs the guest program against input on the agent
// side to learn its expected mega-cycle count ahead of bidding. The
// orchestrator never executes guest ELFs itself, so the dry run happens
// where the ELF already lives.
func (b *BoundlessBackend) estimateCycles(ctx context.Context, imageID string, input []byte) (uint64, error) {
	req := struct {
		ImageID string `json:"image_id"`
		Input   []byte `json:"input"`
	}{imageID, input}
	var resp estimateResponse
	if err := b.doJSON(ctx, http.MethodPost, "/market/estimate", req, &resp); err != nil {
		return 0, fmt.Errorf("backends: dry-run cycle estimate: %w", err)
	}
	return resp.MCyclesCount, nil
}

// buildOffer turns a cycle estimate into the on-chain offer parameters
// embedded in the submit dialog.
func buildOffer(mcycles uint64, spec boundlessOfferSpec) map[string]interface{} {
	return map[string]interface{}{
		"mcycles_count":   mcycles,
		"max_price_wei":   weiPerMcycle(spec.MaxPricePerMcycle, mcycles),
		"min_price_wei":   weiPerMcycle(spec.MinPricePerMcycle, mcycles),
		"lock_timeout_ms": spec.LockTimeoutMsPerMcycle * uint32(mcycles),
		"timeout_ms":      spec.TimeoutMsPerMcycle * uint32(mcycles),
	}
}

func weiPerMcycle(etherPerMcycle float64, mcycles uint64) string {
	wei := new(big.Float).Mul(big.NewFloat(etherPerMcycle*1e18), big.NewFloat(float64(mcycles)))
	out, _ := wei.Int(nil)
	return out.String()
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

// verifyCachedProof asks the agent to replay the on-chain Groth16
// verifier call against a cached proof before it's reused, so a cache hit
// never skips the check a freshly settled proof would get.
func (b *BoundlessBackend) verifyCachedProof(ctx context.Context, imageID string) func([]byte) error {
	return func(proof []byte) error {
		req := struct {
			ImageID string `json:"image_id"`
			Proof   []byte `json:"proof"`
		}{imageID, proof}
		var resp verifyResponse
		if err := b.doJSON(ctx, http.MethodPost, "/market/verify", req, &resp); err != nil {
			return fmt.Errorf("backends: simulate on-chain verification of cached proof: %w", err)
		}
		if !resp.Valid {
			return fmt.Errorf("%w: cached proof failed on-chain verification simulation: %s", errs.ErrPreflightFailure, resp.Error)
		}
		return nil
	}
}

type boundlessSubmitResponse struct {
	RequestID       string `json:"request_id"`
	MarketRequestID string `json:"market_request_id,omitempty"`
}

type boundlessPollResponse struct {
	Status          string `json:"status"`
	Proof           []byte `json:"proof"`
	Error           string `json:"error"`
	MarketRequestID string `json:"market_request_id,omitempty"`
}

// submitAndAwaitMarket submits a bidding round to the agent and waits for a
// winning prover to settle it, favoring the disk cache (keyed by imageID
// and keccak(input)) over paying for a new market round. buildSubmitReq is
// only invoked on a cache miss, so a dry-run cycle estimate (the cost of
// which this whole cache exists to avoid paying twice) never runs on a hit.
func (b *BoundlessBackend) submitAndAwaitMarket(ctx context.Context, submitPath, imageID string, input []byte, buildSubmitReq func() (interface{}, error), verify func([]byte) error) ([]byte, error) {
	if cached, ok, err := b.cache.Load(imageID, input, verify); err != nil {
		return nil, err
	} else if ok {
		b.log.Info("Reusing cached boundless receipt", "imageID", imageID)
		return cached, nil
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("backends: acquire boundless concurrency slot: %w", err)
	}
	defer b.sem.Release(1)

	submitReq, err := buildSubmitReq()
	if err != nil {
		return nil, err
	}

	var sub boundlessSubmitResponse
	if err := b.doJSON(ctx, http.MethodPost, submitPath, submitReq, &sub); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, boundlessProofTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 15 * time.Second
	policy.MaxInterval = time.Minute

	var result []byte
	logged := false
	op := func() error {
		var poll boundlessPollResponse
		pollPath := fmt.Sprintf("%s/%s", submitPath, sub.RequestID)
		if err := b.doJSON(pollCtx, http.MethodGet, pollPath, nil, &poll); err != nil {
			if errors.Is(err, errs.ErrAuth) {
				return backoff.Permanent(err)
			}
			return err
		}
		if poll.MarketRequestID != "" && !logged {
			b.log.Info("Boundless market order placed", "orderID", poll.MarketRequestID)
			logged = true
		}
		switch poll.Status {
		case "done":
			result = poll.Proof
			return nil
		case "failed":
			return backoff.Permanent(fmt.Errorf("%w: %s", errs.ErrPreflightFailure, poll.Error))
		default:
			return fmt.Errorf("%w: boundless order for %s still %s", errs.ErrBackendTimeout, sub.RequestID, poll.Status)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, pollCtx)); err != nil {
		return nil, err
	}

	if err := b.cache.Store(imageID, input, result); err != nil {
		b.log.Warn("Failed to cache boundless receipt", "imageID", imageID, "error", err)
	}
	return result, nil
}

func (b *BoundlessBackend) BatchRun(ctx context.Context, req BatchRunRequest) (BatchRunResult, error) {
	imageID := req.ProverArgs["image_id"]
	wireInputs, err := guestinput.EncodeInputs(req.Inputs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("%w: encode guest inputs: %v", errs.ErrPreflightFailure, err)
	}
	input, err := json.Marshal(wireInputs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("backends: marshal boundless batch input: %w", err)
	}
	buildSubmitReq := func() (interface{}, error) {
		mcycles, err := b.estimateCycles(ctx, imageID, input)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"block_numbers": blockNumbersOf(req),
			"inputs":        wireInputs,
			"prover_args":   req.ProverArgs,
			"graffiti":      req.Graffiti,
			"offer":         buildOffer(mcycles, defaultBoundlessOffer),
		}, nil
	}
	proof, err := b.submitAndAwaitMarket(ctx, "/market/batch", imageID, input, buildSubmitReq, b.verifyCachedProof(ctx, imageID))
	if err != nil {
		return BatchRunResult{}, err
	}
	result := pool.Proof{Proof: proof}
	if hash, ok := publicInputHashFor(req.Key, req.Inputs, req.ProverArgs, req.Graffiti); ok {
		result.Input = hash
	}
	return BatchRunResult{Proof: result}, nil
}

func (b *BoundlessBackend) Aggregate(ctx context.Context, req AggregateRequest) (BatchRunResult, error) {
	imageID := req.Key.ImageID
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	input, err := json.Marshal(proofs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("backends: marshal boundless aggregate input: %w", err)
	}
	buildSubmitReq := func() (interface{}, error) {
		mcycles, err := b.estimateCycles(ctx, imageID, input)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"proofs": proofs, "offer": buildOffer(mcycles, defaultBoundlessOffer)}, nil
	}
	proof, err := b.submitAndAwaitMarket(ctx, "/market/aggregate", imageID, input, buildSubmitReq, b.verifyCachedProof(ctx, imageID))
	if err != nil {
		return BatchRunResult{}, err
	}
	return BatchRunResult{Proof: pool.Proof{Proof: proof}}, nil
}

func (b *BoundlessBackend) ShastaAggregate(ctx context.Context, req ShastaAggregateRequest) (BatchRunResult, error) {
	if !protocol.ValidateShastaProofCarryDataVec(req.Carry) {
		return BatchRunResult{}, fmt.Errorf("%w: broken proof-carry-data chain", errs.ErrPreflightFailure)
	}
	imageID := req.Key.ImageID
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	input, err := json.Marshal(proofs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("backends: marshal boundless shasta-aggregate input: %w", err)
	}
	buildSubmitReq := func() (interface{}, error) {
		mcycles, err := b.estimateCycles(ctx, imageID, input)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"proofs": proofs, "offer": buildOffer(mcycles, defaultBoundlessOffer)}, nil
	}
	proof, err := b.submitAndAwaitMarket(ctx, "/market/shasta_aggregate", imageID, input, buildSubmitReq, b.verifyCachedProof(ctx, imageID))
	if err != nil {
		return BatchRunResult{}, err
	}
	return BatchRunResult{Proof: pool.Proof{Proof: proof}}, nil
}

// Cancel withdraws a not-yet-won market bid. Once a prover has won the
// bidding round the agent itself rejects the cancel and that error is
// returned unmodified, matching the upstream Boundless driver's "cancel
// only before lock-in" contract.
func (b *BoundlessBackend) Cancel(ctx context.Context, key pool.RequestKey) error {
	return b.doJSON(ctx, http.MethodPost, "/market/"+key.String()+"/cancel", nil, nil)
}
