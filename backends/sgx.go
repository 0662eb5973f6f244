package backends

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/taikoxyz/raiko-go/errs"
	"github.com/taikoxyz/raiko-go/guestinput"
	"github.com/taikoxyz/raiko-go/pool"
	"github.com/taikoxyz/raiko-go/protocol"
)

// SGXBackend runs the SGX prover as a local subprocess, exchanging one
// JSON line per request over stdin/stdout (spec.md §5's local transport).
// Calls are serialized: the enclave process handles one dialog at a time.
type SGXBackend struct {
	binaryPath  string
	instanceDir string
	mu          sync.Mutex
	log         log.Logger
}

// NewSGXBackend wires an SGX subprocess backend. instanceDir is where the
// enclave's persisted instance id is kept between runs.
func NewSGXBackend(binaryPath, instanceDir string) *SGXBackend {
	return &SGXBackend{binaryPath: binaryPath, instanceDir: instanceDir, log: log.Root().New("component", "sgx-backend")}
}

func (b *SGXBackend) ProofType() pool.ProofType { return pool.ProofTypeSGX }

type sgxRequest struct {
	Action       string            `json:"action"`
	InstanceID   string            `json:"instance_id,omitempty"`
	BlockNumbers []uint64          `json:"block_numbers,omitempty"`
	Inputs       []json.RawMessage `json:"inputs,omitempty"`
	Proofs       [][]byte          `json:"proofs,omitempty"`
	Graffiti     string            `json:"graffiti,omitempty"`
}

type sgxResponse struct {
	Proof      []byte `json:"proof"`
	Quote      string `json:"quote"`
	InstanceID string `json:"instance_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (b *SGXBackend) instanceIDPath() string { return filepath.Join(b.instanceDir, "instance_id") }

func (b *SGXBackend) loadInstanceID() string {
	data, err := os.ReadFile(b.instanceIDPath())
	if err != nil {
		return ""
	}
	return string(data)
}

func (b *SGXBackend) persistInstanceID(id string) {
	if id == "" {
		return
	}
	if err := os.WriteFile(b.instanceIDPath(), []byte(id), 0o600); err != nil {
		b.log.Warn("Failed to persist SGX instance id", "error", err)
	}
}

// dial starts the subprocess, writes one JSON request line, reads one JSON
// response line, and waits for exit.
func (b *SGXBackend) dial(ctx context.Context, req sgxRequest) (sgxResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := exec.CommandContext(ctx, b.binaryPath, "--one-shot")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sgxResponse{}, fmt.Errorf("backends: open sgx subprocess stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sgxResponse{}, fmt.Errorf("backends: open sgx subprocess stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return sgxResponse{}, errs.NewProviderFailure("start sgx subprocess", err)
	}

	if err := json.NewEncoder(stdin).Encode(req); err != nil {
		return sgxResponse{}, fmt.Errorf("backends: encode sgx request: %w", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var resp sgxResponse
	if scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			_ = cmd.Wait()
			return sgxResponse{}, fmt.Errorf("backends: decode sgx response: %w", err)
		}
	}

	if err := cmd.Wait(); err != nil {
		return sgxResponse{}, errs.NewProviderFailure("sgx subprocess", err)
	}
	if resp.Error != "" {
		return sgxResponse{}, fmt.Errorf("%w: %s", errs.ErrPreflightFailure, resp.Error)
	}
	return resp, nil
}

func blockNumbersOf(req BatchRunRequest) []uint64 {
	numbers := make([]uint64, len(req.Inputs))
	for i, in := range req.Inputs {
		numbers[i] = in.Block.NumberU64()
	}
	return numbers
}

func (b *SGXBackend) BatchRun(ctx context.Context, req BatchRunRequest) (BatchRunResult, error) {
	wireInputs, err := guestinput.EncodeInputs(req.Inputs)
	if err != nil {
		return BatchRunResult{}, fmt.Errorf("%w: encode guest inputs: %v", errs.ErrPreflightFailure, err)
	}
	resp, err := b.dial(ctx, sgxRequest{
		Action: "batch_run", InstanceID: b.loadInstanceID(),
		BlockNumbers: blockNumbersOf(req), Inputs: wireInputs, Graffiti: req.Graffiti,
	})
	if err != nil {
		return BatchRunResult{}, err
	}
	b.persistInstanceID(resp.InstanceID)
	proof := pool.Proof{Proof: resp.Proof, Quote: resp.Quote}
	if hash, ok := publicInputHashFor(req.Key, req.Inputs, req.ProverArgs, req.Graffiti); ok {
		proof.Input = hash
	}
	return BatchRunResult{Proof: proof}, nil
}

func (b *SGXBackend) Aggregate(ctx context.Context, req AggregateRequest) (BatchRunResult, error) {
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	resp, err := b.dial(ctx, sgxRequest{Action: "aggregate", InstanceID: b.loadInstanceID(), Proofs: proofs})
	if err != nil {
		return BatchRunResult{}, err
	}
	b.persistInstanceID(resp.InstanceID)
	return BatchRunResult{Proof: pool.Proof{Proof: resp.Proof, Quote: resp.Quote}}, nil
}

func (b *SGXBackend) ShastaAggregate(ctx context.Context, req ShastaAggregateRequest) (BatchRunResult, error) {
	if !protocol.ValidateShastaProofCarryDataVec(req.Carry) {
		return BatchRunResult{}, fmt.Errorf("%w: broken proof-carry-data chain", errs.ErrPreflightFailure)
	}
	proofs := make([][]byte, len(req.Proofs))
	for i, p := range req.Proofs {
		proofs[i] = p.Proof
	}
	resp, err := b.dial(ctx, sgxRequest{Action: "shasta_aggregate", InstanceID: b.loadInstanceID(), Proofs: proofs})
	if err != nil {
		return BatchRunResult{}, err
	}
	b.persistInstanceID(resp.InstanceID)
	return BatchRunResult{Proof: pool.Proof{Proof: resp.Proof, Quote: resp.Quote}}, nil
}

// Cancel is a no-op: the SGX dialog is synchronous and already owned by
// the calling goroutine's cmd.Wait(), so there is nothing to signal —
// the orchestrator's own context cancellation tears down the subprocess.
func (b *SGXBackend) Cancel(ctx context.Context, key pool.RequestKey) error { return nil }
