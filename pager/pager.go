// Package pager maps logical sequence token positions to physical Arena
// blocks: page-table growth, fork/share reference counting, and the
// token -> (block_idx, offset) lookup the Model relies on for attention.
package pager

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/coreerr"
)

// Sequence maps a request's logical token positions to an ordered list of
// Arena block IDs.
type Sequence struct {
	ID         string
	PageTable  []arena.BlockID
	NumTokens  int64
	LastAccess uint64
	Active     bool
	ParentID   string
}

// Pager owns all Sequences and consults the Arena (a long-lived
// collaborator, not an owned resource) to grow page tables.
type Pager struct {
	mu sync.Mutex

	arena *arena.Arena
	seqs  map[string]*Sequence

	log *logrus.Entry
}

// New constructs a Pager backed by the given Arena.
func New(a *arena.Arena) *Pager {
	return &Pager{
		arena: a,
		seqs:  make(map[string]*Sequence),
		log:   logrus.WithField("component", "pager"),
	}
}

// CreateSequence inserts an empty Sequence record.
func (p *Pager) CreateSequence(seqID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seqs[seqID]; ok {
		return coreerr.ErrDuplicateID
	}
	p.seqs[seqID] = &Sequence{ID: seqID, Active: true}
	return nil
}

// DeleteSequence unrefs every block in the sequence's page table and
// removes the record.
func (p *Pager) DeleteSequence(seqID string) {
	p.mu.Lock()
	seq, ok := p.seqs[seqID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.seqs, seqID)
	blocks := append([]arena.BlockID(nil), seq.PageTable...)
	p.mu.Unlock()

	for _, id := range blocks {
		p.arena.Unref(id)
	}
}

// blockSize is the Arena's configured tokens-per-block, the single source
// of truth for the token -> (block_idx, offset) mapping.
func (p *Pager) blockSize() int64 { return p.arena.BlockSizeTokens() }

// GrowTo computes needed = ceil(target/B) - current_blocks, allocates that
// many new blocks, appends them to the page table, and sets NumTokens =
// target. Fails atomically (no partial growth) on NoCapacity.
func (p *Pager) GrowTo(seqID string, targetTokens int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return coreerr.ErrNotFound
	}
	B := p.blockSize()
	targetBlocks := ceilDiv(targetTokens, B)
	needed := targetBlocks - int64(len(seq.PageTable))
	if needed <= 0 {
		seq.NumTokens = targetTokens
		return nil
	}
	ids, err := p.arena.AllocateBlocks(int(needed))
	if err != nil {
		return err
	}
	seq.PageTable = append(seq.PageTable, ids...)
	seq.NumTokens = targetTokens
	return nil
}

// Fork copies the parent's page table into the child and increments each
// shared block's ref count. The child must append new tail blocks after
// this call rather than overwrite shared ones — prefill writes only touch
// freshly appended blocks, and decode writes only touch positions past the
// shared prefix, so no content copy is required.
func (p *Pager) Fork(parentID, childID string) error {
	p.mu.Lock()
	parent, ok := p.seqs[parentID]
	if !ok {
		p.mu.Unlock()
		return coreerr.ErrNotFound
	}
	if _, exists := p.seqs[childID]; exists {
		p.mu.Unlock()
		return coreerr.ErrDuplicateID
	}
	child := &Sequence{
		ID:        childID,
		PageTable: append([]arena.BlockID(nil), parent.PageTable...),
		NumTokens: parent.NumTokens,
		Active:    true,
		ParentID:  parentID,
	}
	p.seqs[childID] = child
	blocks := append([]arena.BlockID(nil), parent.PageTable...)
	p.mu.Unlock()

	for _, id := range blocks {
		p.arena.Ref(id)
	}
	return nil
}

// BlockIDForToken returns the physical block holding logical position pos
// in seqID, applying block_idx = pos / B.
func (p *Pager) BlockIDForToken(seqID string, pos int64) (arena.BlockID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return 0, coreerr.ErrNotFound
	}
	idx := pos / p.blockSize()
	if idx < 0 || int(idx) >= len(seq.PageTable) {
		return 0, coreerr.ErrNotFound
	}
	return seq.PageTable[idx], nil
}

// PageTable returns a copy of the sequence's ordered block list.
func (p *Pager) PageTable(seqID string) ([]arena.BlockID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return append([]arena.BlockID(nil), seq.PageTable...), nil
}

// NumTokens returns the sequence's logical length.
func (p *Pager) NumTokens(seqID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return 0, coreerr.ErrNotFound
	}
	return seq.NumTokens, nil
}

// TouchSequence bumps every block in the sequence's page table.
func (p *Pager) TouchSequence(seqID string) {
	p.mu.Lock()
	seq, ok := p.seqs[seqID]
	if !ok {
		p.mu.Unlock()
		return
	}
	seq.LastAccess++
	blocks := append([]arena.BlockID(nil), seq.PageTable...)
	p.mu.Unlock()

	for _, id := range blocks {
		p.arena.Touch(id)
	}
}

// Exists reports whether seqID names a live sequence.
func (p *Pager) Exists(seqID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seqs[seqID]
	return ok
}

// TombstonePageTableEntry replaces the page-table slot at blockIdx with a
// sentinel ID signalling "evicted to disk"; used by the Eviction Manager.
// The caller must separately unref the evicted physical block.
func (p *Pager) TombstonePageTableEntry(seqID string, blockIdx int, tombstone arena.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return coreerr.ErrNotFound
	}
	if blockIdx < 0 || blockIdx >= len(seq.PageTable) {
		return coreerr.ErrNotFound
	}
	seq.PageTable[blockIdx] = tombstone
	return nil
}

// InstallRestoredBlock replaces a tombstoned page-table slot with a freshly
// allocated, disk-restored block.
func (p *Pager) InstallRestoredBlock(seqID string, blockIdx int, id arena.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.seqs[seqID]
	if !ok {
		return coreerr.ErrNotFound
	}
	if blockIdx < 0 || blockIdx >= len(seq.PageTable) {
		return coreerr.ErrNotFound
	}
	seq.PageTable[blockIdx] = id
	return nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
