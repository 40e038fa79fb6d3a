// Package eviction implements the optional policy layer over Arena+Pager:
// selecting victim blocks under memory pressure using LRU or working-set
// priority, with optional disk persistence for evicted blocks.
package eviction

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/metrics"
	"github.com/LayerDynamics/mlxr/pager"
)

// Tombstone is the sentinel page-table entry meaning "evicted to disk; the
// miss handler must restore it before use." Chosen as a negative BlockID so
// it can never collide with a real (non-negative) block ID.
const Tombstone arena.BlockID = -1

// Config tunes when eviction triggers and how far it drains.
type Config struct {
	EvictionThreshold     float64 // free-block fraction below which eviction triggers
	TargetUsage           float64 // free-block fraction eviction drains toward
	MinBlocksPerSequence  int
	EnablePersistence     bool
	PersistenceDir        string
}

// Candidate describes a sequence eligible for eviction, as seen by a
// Policy: its current priority and last-access time.
type Candidate struct {
	SeqID      string
	Priority   int64
	LastAccess uint64
	NumBlocks  int
	// InDecodingSet reports whether the sequence belongs to a request
	// currently in the Scheduler's decoding set. The Manager skips such
	// candidates entirely, so the active tail of such a sequence is never
	// evicted.
	InDecodingSet bool
}

// Policy selects victim sequences/blocks given memory pressure. Policies
// never evict the position at num_tokens-1 of an actively decoding
// sequence — that exclusion is enforced by the Manager,
// not the Policy, so policies only need to order candidates.
type Policy interface {
	// Order returns candidates sorted most-evictable first.
	Order(candidates []Candidate) []Candidate
}

// LRU orders candidates by last-access time ascending (oldest first). It
// does not filter out decoding-set candidates; the Manager does that.
type LRU struct{}

func (LRU) Order(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sortStable(out, func(i, j Candidate) bool { return i.LastAccess < j.LastAccess })
	return out
}

// WorkingSet orders by sequence priority ascending (lowest priority evicted
// first), breaking ties by LRU.
type WorkingSet struct{}

func (WorkingSet) Order(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sortStable(out, func(i, j Candidate) bool {
		if i.Priority != j.Priority {
			return i.Priority < j.Priority
		}
		return i.LastAccess < j.LastAccess
	})
	return out
}

func sortStable(c []Candidate, less func(a, b Candidate) bool) {
	// insertion sort: candidate lists are small (bounded by live sequence
	// count), and stability matters more than asymptotic speed here.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// Manager coordinates eviction and optional persistence of KV blocks, over
// a Pager+Arena pair it does not own.
type Manager struct {
	mu sync.Mutex

	arena  *arena.Arena
	pager  *pager.Pager
	cfg    Config
	policy Policy
	store  *Store // nil when persistence disabled

	evictions        int
	blocksEvicted    int
	blocksPersisted  int
	blocksRestored   int

	log *logrus.Entry
}

// NewManager constructs an eviction Manager. If cfg.EnablePersistence is
// true, a Store is created rooted at cfg.PersistenceDir, versioned by the
// Arena's block geometry (see Store for why).
func NewManager(a *arena.Arena, p *pager.Pager, cfg Config, policy Policy, fingerprint string) *Manager {
	m := &Manager{
		arena:  a,
		pager:  p,
		cfg:    cfg,
		policy: policy,
		log:    logrus.WithField("component", "eviction"),
	}
	if cfg.EnablePersistence {
		m.store = NewStore(cfg.PersistenceDir, fingerprint)
	}
	return m
}

// ShouldEvict reports whether free device capacity has fallen below
// cfg.EvictionThreshold of total.
func (m *Manager) ShouldEvict() bool {
	st := m.arena.Stats()
	if st.TotalBlocks == 0 {
		return false
	}
	freeFrac := float64(st.FreeDevice) / float64(st.TotalBlocks)
	return freeFrac < m.cfg.EvictionThreshold
}

// Evict frees blocks until free_device_blocks reaches target_usage*total,
// using the configured Policy to choose victims among the given candidates.
// Returns the number of blocks actually freed.
func (m *Manager) Evict(candidates []Candidate, blockIdxOf func(seqID string) []int) int {
	st := m.arena.Stats()
	targetFree := int(float64(st.TotalBlocks) * m.cfg.TargetUsage)
	need := targetFree - st.FreeDevice
	if need <= 0 {
		return 0
	}

	freed := 0
	ordered := m.policy.Order(candidates)
	for _, c := range ordered {
		if freed >= need {
			break
		}
		if c.InDecodingSet {
			continue
		}
		if c.NumBlocks-1 < m.cfg.MinBlocksPerSequence {
			// evicting would drop this sequence below its floor
			continue
		}
		evictedHere := 0
		for _, idx := range blockIdxOf(c.SeqID) {
			if freed >= need {
				break
			}
			if c.NumBlocks-evictedHere-1 < m.cfg.MinBlocksPerSequence {
				// one more eviction would drop this sequence below its floor
				break
			}
			if m.evictOne(c.SeqID, idx) {
				freed++
				evictedHere++
			}
		}
	}
	return freed
}

// evictOne persists (if enabled) and tombstones a single block at
// (seqID, blockIdx). Persistence failures are soft: the eviction for this
// block is aborted and the caller should try a different victim.
func (m *Manager) evictOne(seqID string, blockIdx int) bool {
	table, err := m.pager.PageTable(seqID)
	if err != nil || blockIdx >= len(table) {
		return false
	}
	id := table[blockIdx]

	if m.store != nil {
		if err := m.store.Persist(seqID, blockIdx, m.arena.BlockViews([]arena.BlockID{id})[0]); err != nil {
			m.log.Warnf("persistence failed for seq=%s block=%d: %v", seqID, blockIdx, err)
			return false
		}
		m.mu.Lock()
		m.blocksPersisted++
		m.mu.Unlock()
	}

	if err := m.pager.TombstonePageTableEntry(seqID, blockIdx, Tombstone); err != nil {
		return false
	}
	m.arena.Unref(id)

	m.mu.Lock()
	m.evictions++
	m.blocksEvicted++
	m.mu.Unlock()
	metrics.EvictionsTotal.Inc()
	return true
}

// Restore handles a miss on a tombstoned page-table entry: allocates a
// fresh block and, if persistence is enabled, reads its contents back from
// disk before installing it in the page table.
func (m *Manager) Restore(seqID string, blockIdx int) error {
	id, err := m.arena.AllocateBlock()
	if err != nil {
		return err
	}
	m.arena.EnsureStorage(id)
	if m.store != nil {
		view := m.arena.BlockViews([]arena.BlockID{id})[0]
		if err := m.store.Restore(seqID, blockIdx, view); err != nil {
			m.arena.FreeBlock(id)
			return err
		}
		m.mu.Lock()
		m.blocksRestored++
		m.mu.Unlock()
		metrics.EvictionRestoresTotal.Inc()
	}
	return m.pager.InstallRestoredBlock(seqID, blockIdx, id)
}

// Stats is the Manager's counters for observability.
type Stats struct {
	Evictions       int
	BlocksEvicted   int
	BlocksPersisted int
	BlocksRestored  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Evictions:       m.evictions,
		BlocksEvicted:   m.blocksEvicted,
		BlocksPersisted: m.blocksPersisted,
		BlocksRestored:  m.blocksRestored,
	}
}
