package eviction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/coreerr"
)

// Store persists evicted blocks to raw, headerless files at
// ${dir}/seq-${seq_id}/block-${block_idx}.bin. Size is implied by
// Arena config and is never written to the file.
//
// The format names files by sequence and block index but carries no
// dtype/shape header, so dir is rooted one level deeper under a
// fingerprint of the Arena's block geometry: restoring against a changed
// Arena config lands in an empty directory and fails closed
// (ErrPersistenceFailed) instead of misinterpreting bytes.
type Store struct {
	root string
}

// NewStore roots a Store at dir/fingerprint. fingerprint should encode
// block size, layer count, kv head count, head dim, and dtype so that an
// Arena reconfiguration never resolves to the same directory.
func NewStore(dir, fingerprint string) *Store {
	return &Store{root: filepath.Join(dir, fingerprint)}
}

func (s *Store) path(seqID string, blockIdx int) string {
	return filepath.Join(s.root, fmt.Sprintf("seq-%s", seqID), fmt.Sprintf("block-%d.bin", blockIdx))
}

// Persist writes K then V, raw little-endian, to the block's file.
func (s *Store) Persist(seqID string, blockIdx int, view arena.BlockView) error {
	p := s.path(seqID, blockIdx)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%w: persisting block: %w", coreerr.ErrPersistenceFailed, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("%w: persisting block: %w", coreerr.ErrPersistenceFailed, err)
	}
	defer f.Close() //nolint:errcheck // best-effort close on a just-written file

	if _, err := f.Write(view.K); err != nil {
		return fmt.Errorf("%w: persisting block K: %w", coreerr.ErrPersistenceFailed, err)
	}
	if _, err := f.Write(view.V); err != nil {
		return fmt.Errorf("%w: persisting block V: %w", coreerr.ErrPersistenceFailed, err)
	}
	return nil
}

// Restore reads K then V back into view's storage. The caller must have
// already sized view.K/view.V to the expected geometry; Restore refuses
// (returns an error) if the on-disk size does not match, rather than
// guessing at a reinterpretation.
func (s *Store) Restore(seqID string, blockIdx int, view arena.BlockView) error {
	p := s.path(seqID, blockIdx)
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("%w: restoring block: %w", coreerr.ErrPersistenceFailed, err)
	}
	want := len(view.K) + len(view.V)
	if len(data) != want {
		return fmt.Errorf("%w: restoring block: size mismatch (have %d bytes, want %d) — Arena config likely changed since eviction", coreerr.ErrPersistenceFailed, len(data), want)
	}
	copy(view.K, data[:len(view.K)])
	copy(view.V, data[len(view.K):])
	return nil
}
