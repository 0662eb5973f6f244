package backends

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
	"github.com/taikoxyz/raiko-go/protocol"
)

// remoteAgentMaxConcurrent bounds the number of in-flight jobs this
// backend instance will have outstanding against one remote agent at a
// time, per spec.md §5.
const remoteAgentMaxConcurrent = 4

// RemoteAgentBackend talks to a RISC0/Zisk/Brevis-style remote proving
// agent over the three-step HTTP dialog: upload image, submit job, poll
// until done.
type RemoteAgentBackend struct {
	proofType      pool.ProofType
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	sem            *semaphore.Weighted
	uploadedImages sync.Map // imageID -> checksum
	log            log.Logger
}

// NewRemoteAgentBackend wires a remote-agent backend for the given proof
// type (risc0/zisk/brevis).
func NewRemoteAgentBackend(proofType pool.ProofType, baseURL, apiKey string, httpClient *http.Client) *RemoteAgentBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteAgentBackend{
		proofType: proofType, baseURL: baseURL, apiKey: apiKey, httpClient: httpClient,
		sem: semaphore.NewWeighted(remoteAgentMaxConcurrent),
		log: log.Root().New("component", "remote-agent-backend", "proofType", string(proofType)),
	}
}

func (b *RemoteAgentBackend) ProofType() pool.ProofType { return b.proofType }

type requestIDKey struct{}

// withRequestID attaches a per-dialog correlation ID that doJSON forwards
// as a header, so the agent's own logs for a submit and every poll against
// it can be joined without relying on its job_id alone.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (b *RemoteAgentBackend) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("backends: marshal request body for %s: %w", path, err)
		}
		bodyReader = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("backends: build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		httpReq.Header.Set("X-Request-Id", id)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return errs.NewProviderFailure(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s returned %d: %s", errs.ErrAuth, path, resp.StatusCode, body)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return errs.NewProviderFailure(path, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("backends: decode response from %s: %w", path, err)
		}
	}
	return nil
}

// uploadImage dedups by checksum, only reuploading when the locally known
// checksum for imageID has changed.
func (b *RemoteAgentBackend) uploadImage(ctx context.Context, imageID, checksum string, image []byte) error {
	if existing, ok := b.uploadedImages.Load(imageID); ok && existing.(string) == checksum {
		return nil
	}
	req := struct {
		ImageID  string `json:"image_id"`
		Checksum string `json:"checksum"`
		Image    []byte `json:"image"`
	}{imageID, checksum, image}
	if err := b.doJSON(ctx, http.MethodPost, "/images", req, nil); err != nil {
		return fmt.Errorf("backends: upload image %s: %w", imageID, err)
	}
	b.uploadedImages.Store(imageID, checksum)
	return nil
}

// maybeUploadImage uploads the job's guest image ahead of submission when
// the request carries one (image_id + a local image_path to read it from);
// jobs that don't name an image (e.g. an aggregation reusing one already
// resident on the agent) skip this step entirely.
func (b *RemoteAgentBackend) maybeUploadImage(ctx context.Context, proverArgs map[string]string) error {
	imageID := proverArgs["image_id"]
	imagePath := proverArgs["image_path"]
	if imageID == "" || imagePath == "" {
		return nil
	}
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("backends: read guest image %s: %w", imagePath, err)
	}
	checksum := hex.EncodeToString(crypto.Keccak256(image))
	return b.uploadImage(ctx, imageID, checksum, image)
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status string `json:"status"`
	Proof  []byte `json:"proof"`
	Error  string `json:"error"`
}

// submitAndPoll submits a job and polls it to completion under the
// backend's concurrency semaphore, backing off between polls.
func (b *RemoteAgentBackend) submitAndPoll(ctx context.Context, submitPath string, submitReq interface{}) ([]byte, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("backends: acquire remote-agent concurrency slot: %w", err)
	}
	defer b.sem.Release(1)

	// requestID correlates this submit-then-poll dialog across the agent's
	// own logs, independent of the job_id it assigns back.
	requestID := uuid.New().String()
	jobLog := b.log.New("requestID", requestID)

	var sub submitResponse
	if err := b.doJSON(withRequestID(ctx, requestID), http.MethodPost, submitPath, submitReq, &sub); err != nil {
		return nil, err
	}
	jobLog.Debug("Submitted remote-agent job", "jobID", sub.JobID)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var result []byte
	op := func() error {
		var poll pollResponse
		pollPath := fmt.Sprintf("%s/%s", submitPath, sub.JobID)
		if err := b.doJSON(withRequestID(ctx, requestID), http.MethodGet, pollPath, nil, &poll); err != nil {
			if errors.Is(err, errs.ErrAuth) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch poll.Status {
		case "done":
			result = poll.Proof
			return nil
		case "failed":
			return backoff.Permanent(fmt.Errorf("%w: %s", errs.ErrPreflightFailure, poll.Error))
		default:
			return fmt.Errorf("%w: job %s still %s", errs.ErrBackendTimeout, sub.JobID, poll.Status)
		}
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	jobLog.Debug("Remote-agent job completed", "jobID", sub.JobID)
	return result, nil
}

func (b *RemoteAgentBackend) BatchRun(ctx context.Context, req BatchRunRequest) (BatchRunResult, error) {
	if err := b.maybeUploadImage(ctx, req.ProverArgs); err != nil {
		return BatchRunResult{}, err
	}
	wireInputs, err := guestinput.EncodeInputs(req.Inputs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("%w: encode guest inputs: %v", errs.ErrPreflightFailure, err)
	}
	proof, err := b.submitAndPoll(ctx, "/prove/batch", map[string]interface{}{
		"block_numbers": blockNumbersOf(req),
		"inputs":        wireInputs,
		"prover_args":   req.ProverArgs,
		"graffiti":      req.Graffiti,
	})
	if err != nil {
		return BatchRunResult{}, err
	}
	result := pool.Proof{Proof: proof}
	if hash, ok := publicInputHashFor(req.Key, req.Inputs, req.ProverArgs, req.Graffiti); ok {
		result.Input = hash
	}
	return BatchRunResult{Proof: result}, nil
}

func (b *RemoteAgentBackend) Aggregate(ctx context.Context, req AggregateRequest) (BatchRunResult, error) {
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	proof, err := b.submitAndPoll(ctx, "/prove/aggregate", map[string]interface{}{"proofs": proofs})
	if err != nil {
		return BatchRunResult{}, err
	}
	return BatchRunResult{Proof: pool.Proof{Proof: proof}}, nil
}

func (b *RemoteAgentBackend) ShastaAggregate(ctx context.Context, req ShastaAggregateRequest) (BatchRunResult, error) {
	if !protocol.ValidateShastaProofCarryDataVec(req.Carry) {
		return BatchRunResult{}, fmt.Errorf("%w: broken proof-carry-data chain", errs.ErrPreflightFailure)
	}
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	proof, err := b.submitAndPoll(ctx, "/prove/shasta_aggregate", map[string]interface{}{"proofs": proofs})
	if err != nil {
		return BatchRunResult{}, err
	}
	return BatchRunResult{Proof: pool.Proof{Proof: proof}}, nil
}

// Cancel issues a best-effort cancel to the remote agent for key. Whether
// a "job not found" response here should be swallowed is an orchestrator
// policy decision (spec.md §4.6), not this transport's — the error is
// returned unmodified.
func (b *RemoteAgentBackend) Cancel(ctx context.Context, key pool.RequestKey) error {
	return b.doJSON(ctx, http.MethodPost, "/jobs/"+key.String()+"/cancel", nil, nil)
}
