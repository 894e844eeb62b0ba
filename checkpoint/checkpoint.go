// Package checkpoint serializes and restores optimization state: model
// weights, optimizer moments and the completed-epoch boundary, one record
// per trainable module. Records are gob files written atomically via a
// temp file and rename. Weights and optimizer state in a record always
// come from the same module at the same epoch boundary; Save takes them
// together so they cannot be mismatched.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	torch "github.com/wangkuiyi/gotorch"

	"srgan/optim"
)

// ErrNotFound reports an absent checkpoint path. Callers decide whether
// that is a warn-and-continue (optional resume) or a hard failure.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one checkpoint: the completed-epoch boundary, the
// architecture tag of the module, its weights, and its optimizer state.
type Record struct {
	Epoch     int
	Arch      string
	State     map[string]torch.Tensor
	Optimizer optim.State
}

// Save writes rec to path atomically. The weights are expected to already
// live on (or have been moved to) a device whose tensors gob-encode;
// callers move modules to CPU before saving, mirroring how they load.
func Save(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads the record at path. A missing file yields ErrNotFound.
func Load(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Record{}, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()

	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return rec, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
