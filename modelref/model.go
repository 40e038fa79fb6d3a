package modelref

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/coreerr"
	"github.com/LayerDynamics/mlxr/model"
)

// Model is a deterministic stand-in for a real transformer: it derives
// logits from a token's identity and position by hashing, and it writes a
// recognizable, position-dependent byte pattern into the KV blocks the
// Arena names for it, exercising the Pager's token -> (block_idx, offset)
// contract without any real attention math.
//
// There is no real numerical kernel here — it stands in for whatever
// execution backend a deployment wires up, giving tests and the reference
// CLI something deterministic to run against.
type Model struct {
	cfg   model.Config
	arena *arena.Arena
}

// New builds a reference Model over the given geometry, writing its KV
// fingerprints into a's block storage.
func New(cfg model.Config, a *arena.Arena) *Model { return &Model{cfg: cfg, arena: a} }

func (m *Model) Config() model.Config { return m.cfg }

// Prefill writes a KV fingerprint for every position in promptTokens
// starting at positionOffset, then returns logits derived from the last
// token processed.
func (m *Model) Prefill(ctx context.Context, promptTokens []int, pageTable []int64, positionOffset int64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last int
	for i, tok := range promptTokens {
		pos := positionOffset + int64(i)
		if err := m.writeKVFingerprint(pageTable, pos, tok); err != nil {
			return nil, err
		}
		last = tok
	}
	return m.logitsFor(last, positionOffset+int64(len(promptTokens))-1), nil
}

// Decode writes one KV fingerprint at position and returns logits derived
// from lastToken.
func (m *Model) Decode(ctx context.Context, lastToken int, pageTable []int64, position int64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.writeKVFingerprint(pageTable, position, lastToken); err != nil {
		return nil, err
	}
	return m.logitsFor(lastToken, position), nil
}

// writeKVFingerprint encodes (token, position) at the byte offset within
// its block that the Pager's block_idx = pos / B, offset = pos mod B
// mapping assigns it, exercising the real Arena storage path.
func (m *Model) writeKVFingerprint(pageTable []int64, pos int64, tok int) error {
	B := m.arena.BlockSizeTokens()
	idx := pos / B
	if idx < 0 || int(idx) >= len(pageTable) {
		return coreerr.ErrNotFound
	}
	blockID := arena.BlockID(pageTable[idx])
	m.arena.EnsureStorage(blockID)
	views := m.arena.BlockViews([]arena.BlockID{blockID})
	view := views[0]

	slot := pos % B
	stride := int64(len(view.K)) / B
	if stride == 0 {
		return nil
	}
	off := slot * stride
	end := off + stride
	if end > int64(len(view.K)) {
		end = int64(len(view.K))
	}
	h := hashTokenPos(tok, pos)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, h)
	for i := off; i < end; i++ {
		view.K[i] = b[i%8]
		view.V[i] = b[(i+4)%8]
	}
	return nil
}

// logitsFor derives a deterministic vocab_size-length logit vector from a
// token ID and position via a simple hash, so identical (token, position)
// pairs always reproduce the same distribution.
func (m *Model) logitsFor(tok int, pos int64) []float64 {
	out := make([]float64, m.cfg.VocabSize)
	h := hashTokenPos(tok, pos)
	for i := range out {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, h+uint64(i)*2654435761)
		v := binary.LittleEndian.Uint64(b)
		out[i] = math.Mod(float64(v%10007)/1000.0, 10)
	}
	return out
}

func hashTokenPos(tok int, pos int64) uint64 {
	h := uint64(1469598103934665603) // FNV offset basis
	for _, b := range []byte{
		byte(tok), byte(tok >> 8), byte(tok >> 16), byte(tok >> 24),
		byte(pos), byte(pos >> 8), byte(pos >> 16), byte(pos >> 24),
	} {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
