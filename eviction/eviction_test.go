package eviction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/pager"
)

func setup(numBlocks int) (*arena.Arena, *pager.Pager) {
	a := arena.New(arena.Config{NumBlocks: numBlocks, BlockSizeTokens: 4, BytesPerBlock: 16})
	return a, pager.New(a)
}

func TestManager_ShouldEvict_ComparesFreeFractionToThreshold(t *testing.T) {
	// GIVEN 10 blocks, 8 allocated (20% free), threshold requires >=25% free
	a, p := setup(10)
	assert.NoError(t, p.CreateSequence("s1"))
	assert.NoError(t, p.GrowTo("s1", 32)) // 8 blocks of size 4

	m := NewManager(a, p, Config{EvictionThreshold: 0.25, TargetUsage: 0.5}, LRU{}, "fp")

	// THEN eviction is needed
	assert.True(t, m.ShouldEvict())
}

func TestManager_Evict_RespectsMinBlocksPerSequence(t *testing.T) {
	// GIVEN a sequence at exactly its floor of 1 block
	a, p := setup(4)
	assert.NoError(t, p.CreateSequence("s1"))
	assert.NoError(t, p.GrowTo("s1", 4))

	m := NewManager(a, p, Config{TargetUsage: 1.0, MinBlocksPerSequence: 1}, LRU{}, "fp")
	candidates := []Candidate{{SeqID: "s1", NumBlocks: 1}}

	// WHEN eviction is attempted
	freed := m.Evict(candidates, func(seqID string) []int { return []int{0} })

	// THEN nothing is evicted (would drop below the floor)
	assert.Equal(t, 0, freed)
}

func TestManager_Evict_SkipsDecodingSetCandidates(t *testing.T) {
	// GIVEN a candidate flagged as actively decoding
	a, p := setup(2)
	assert.NoError(t, p.CreateSequence("s1"))
	assert.NoError(t, p.GrowTo("s1", 4))

	m := NewManager(a, p, Config{TargetUsage: 1.0}, LRU{}, "fp")
	candidates := []Candidate{{SeqID: "s1", NumBlocks: 1, InDecodingSet: true}}

	freed := m.Evict(candidates, func(seqID string) []int { return []int{0} })

	assert.Equal(t, 0, freed)
}

func TestManager_EvictAndRestore_RoundTripsWithPersistence(t *testing.T) {
	// GIVEN a manager with persistence enabled at a temp directory
	dir := t.TempDir()
	a, p := setup(2)
	assert.NoError(t, p.CreateSequence("s1"))
	assert.NoError(t, p.GrowTo("s1", 4))
	table, _ := p.PageTable("s1")
	view := a.BlockViews(table)[0]
	for i := range view.K {
		view.K[i] = byte(i + 1)
	}

	m := NewManager(a, p, Config{TargetUsage: 1.0, EnablePersistence: true, PersistenceDir: dir}, LRU{}, "fp-v1")

	// WHEN the block is evicted
	freed := m.Evict([]Candidate{{SeqID: "s1", NumBlocks: 1}}, func(seqID string) []int { return []int{0} })
	assert.Equal(t, 1, freed)
	table, _ = p.PageTable("s1")
	assert.Equal(t, Tombstone, table[0])

	// WHEN it is restored
	assert.NoError(t, m.Restore("s1", 0))
	table, _ = p.PageTable("s1")
	assert.NotEqual(t, Tombstone, table[0])

	restoredView := a.BlockViews([]arena.BlockID{table[0]})[0]
	assert.Equal(t, view.K, restoredView.K)
}

func TestLRU_Order_OldestFirst(t *testing.T) {
	// GIVEN three candidates with distinct LastAccess timestamps
	candidates := []Candidate{
		{SeqID: "new", LastAccess: 30},
		{SeqID: "old", LastAccess: 10},
		{SeqID: "mid", LastAccess: 20},
	}

	// WHEN ordered by LRU
	ordered := LRU{}.Order(candidates)

	// THEN the oldest comes first
	assert.Equal(t, "old", ordered[0].SeqID)
	assert.Equal(t, "mid", ordered[1].SeqID)
	assert.Equal(t, "new", ordered[2].SeqID)
}

func TestWorkingSet_Order_LowestPriorityFirstThenLRU(t *testing.T) {
	// GIVEN two candidates at the same priority, differing in LastAccess
	candidates := []Candidate{
		{SeqID: "high-pri", Priority: 5, LastAccess: 1},
		{SeqID: "low-pri-new", Priority: 1, LastAccess: 99},
		{SeqID: "low-pri-old", Priority: 1, LastAccess: 50},
	}

	ordered := WorkingSet{}.Order(candidates)

	assert.Equal(t, "low-pri-old", ordered[0].SeqID)
	assert.Equal(t, "low-pri-new", ordered[1].SeqID)
	assert.Equal(t, "high-pri", ordered[2].SeqID)
}

func TestManager_Evict_ThreeIdleSequencesPicksOldestLastAccess(t *testing.T) {
	// GIVEN num_blocks=3, 3 idle sequences of 1 block each, all candidates
	dir := t.TempDir()
	a, p := setup(3)
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.NoError(t, p.CreateSequence(id))
		assert.NoError(t, p.GrowTo(id, 4))
	}

	m := NewManager(a, p, Config{TargetUsage: 1.0 / 3.0, EnablePersistence: true, PersistenceDir: dir}, LRU{}, "fp")
	candidates := []Candidate{
		{SeqID: "s1", NumBlocks: 1, LastAccess: 30},
		{SeqID: "s2", NumBlocks: 1, LastAccess: 10}, // oldest
		{SeqID: "s3", NumBlocks: 1, LastAccess: 20},
	}

	// WHEN eviction runs against the threshold
	freed := m.Evict(candidates, func(seqID string) []int { return []int{0} })

	// THEN exactly one block is freed, and it is s2's (oldest last_access)
	assert.Equal(t, 1, freed)
	table1, _ := p.PageTable("s1")
	table2, _ := p.PageTable("s2")
	table3, _ := p.PageTable("s3")
	assert.NotEqual(t, Tombstone, table1[0])
	assert.Equal(t, Tombstone, table2[0])
	assert.NotEqual(t, Tombstone, table3[0])

	// WHEN the tombstoned sequence is next read
	assert.NoError(t, m.Restore("s2", 0))
	table2, _ = p.PageTable("s2")
	assert.NotEqual(t, Tombstone, table2[0])
}

func TestStore_Restore_RejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "fp")

	view := arena.BlockView{K: make([]byte, 8), V: make([]byte, 8)}
	assert.NoError(t, s.Persist("s1", 0, view))

	// WHEN restoring into a differently-sized view (simulating a changed
	// Arena config)
	badView := arena.BlockView{K: make([]byte, 4), V: make([]byte, 4)}
	err := s.Restore("s1", 0, badView)

	assert.Error(t, err)
}
