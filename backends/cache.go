package backends

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
)

// ProofCache implements the disk-cached-receipt component (spec.md §5):
// entries are keyed by image_id and keccak(input), written atomically via
// rename-or-ignore, and re-verified by the caller on every hit rather than
// trusted blindly. The market (Boundless) backend is its only user; the
// sgx and remote-agent backends do not cache proofs.
type ProofCache struct {
	baseDir string
	prover  string
	suffix  string
}

// NewProofCache builds a cache rooted at baseDir/{prover}-cache/, storing
// entries with the given file suffix (e.g. "proof", "receipt").
func NewProofCache(baseDir, prover, suffix string) *ProofCache {
	return &ProofCache{baseDir: baseDir, prover: prover, suffix: suffix}
}

func (c *ProofCache) path(imageID string, input []byte) string {
	key := hex.EncodeToString(crypto.Keccak256(input))
	return filepath.Join(c.baseDir, fmt.Sprintf("%s-cache", c.prover), fmt.Sprintf("%s-%s.%s", imageID, key, c.suffix))
}

// Load returns the cached entry for (imageID, input), if any. verify is
// called on every hit — a cache entry is never trusted without
// re-verification (spec.md §5).
func (c *ProofCache) Load(imageID string, input []byte, verify func([]byte) error) ([]byte, bool, error) {
	p := c.path(imageID, input)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("backends: read proof cache entry: %w", err)
	}
	if verify != nil {
		if err := verify(data); err != nil {
			return nil, false, fmt.Errorf("backends: cached proof failed re-verification: %w", err)
		}
	}
	return data, true, nil
}

// Store writes data for (imageID, input) atomically: a temp file is
// written then renamed into place. A losing writer in a race simply drops
// its temp file rather than erroring — both writers computed the same
// key from the same input, so the file already in place is equally valid.
func (c *ProofCache) Store(imageID string, input, data []byte) error {
	p := c.path(imageID, input)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("backends: create cache dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("backends: write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
	}
	return nil
}
