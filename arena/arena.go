// Package arena implements the fixed-pool KV block allocator: a pre-sized
// set of KV blocks handed out to sequences by the Pager, tracked by
// location (device/host), reference count, and LRU recency.
package arena

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LayerDynamics/mlxr/coreerr"
)

// Location identifies where a Block's storage currently lives.
type Location int

const (
	Device Location = iota
	Host
)

func (l Location) String() string {
	if l == Host {
		return "host"
	}
	return "device"
}

// BlockID is a stable, unique identifier for a Block. Carried outside the
// Arena as a plain integer rather than a pointer so block ownership never
// gets confused with block lifetime.
type BlockID int64

// Block is a fixed-capacity KV slab. Storage size is identical across all
// blocks; K and V are opaque byte slabs shaped [L, B, H_kv, D] by the Model
// implementation (the Arena never interprets their contents).
type Block struct {
	ID         BlockID
	Location   Location
	RefCount   int
	LastAccess uint64
	Dirty      bool

	K []byte
	V []byte

	prev, next *Block // LIFO free-list links; nil when in use
}

// Config sizes the Arena's block pool and storage slab. BytesPerBlock is
// the size of each of a block's K and V slabs, derived by the caller from
// num_layers * block_size_tokens * num_kv_heads * head_dim * dtype_size, so
// a block holds 2 * BytesPerBlock bytes in total — the Arena only needs the
// resulting byte count; interpreting those bytes is the Model's concern,
// not the Arena's.
type Config struct {
	NumBlocks        int
	BlockSizeTokens  int64
	BytesPerBlock    int
	AllowHostOverflow bool
	MaxHostBlocks    int
}

// Stats is the Arena's read-only snapshot.
type Stats struct {
	FreeDevice       int
	FreeHost         int
	Allocated        int
	TotalBlocks      int
	TotalBytes       int64
	DeviceToHostMoves int
	HostToDeviceMoves int
}

// Arena owns all Block storage exclusively and is guarded by a single mutex.
// Lock order across the control plane is Scheduler -> Pager -> Arena, never
// reversed.
type Arena struct {
	mu sync.Mutex

	cfg    Config
	blocks []*Block // index == BlockID

	freeDeviceHead *Block
	freeHostHead   *Block

	freeDeviceCount int
	freeHostCount   int
	hostCount       int // total blocks currently resident on host (free + in-use)

	clock uint64

	deviceToHostMoves int
	hostToDeviceMoves int

	log *logrus.Entry
}

// New pre-allocates cfg.NumBlocks device blocks and places them all on the
// device free list, in ID order (so the LIFO free list initially pops block
// N-1 first). An explicit doubly linked list is used instead of a plain
// slice-backed stack because Arena must migrate blocks between two free
// lists, not just one.
func New(cfg Config) *Arena {
	a := &Arena{
		cfg:    cfg,
		blocks: make([]*Block, cfg.NumBlocks),
		log:    logrus.WithField("component", "arena"),
	}
	for i := 0; i < cfg.NumBlocks; i++ {
		blk := &Block{ID: BlockID(i), Location: Device}
		a.blocks[i] = blk
		a.pushFreeDevice(blk)
	}
	return a
}

func (a *Arena) pushFreeDevice(b *Block) {
	b.next = a.freeDeviceHead
	b.prev = nil
	if a.freeDeviceHead != nil {
		a.freeDeviceHead.prev = b
	}
	a.freeDeviceHead = b
	a.freeDeviceCount++
}

func (a *Arena) popFreeDevice() *Block {
	b := a.freeDeviceHead
	if b == nil {
		return nil
	}
	a.freeDeviceHead = b.next
	if a.freeDeviceHead != nil {
		a.freeDeviceHead.prev = nil
	}
	b.next, b.prev = nil, nil
	a.freeDeviceCount--
	return b
}

func (a *Arena) pushFreeHost(b *Block) {
	b.next = a.freeHostHead
	b.prev = nil
	if a.freeHostHead != nil {
		a.freeHostHead.prev = b
	}
	a.freeHostHead = b
	a.freeHostCount++
}

func (a *Arena) popFreeHost() *Block {
	b := a.freeHostHead
	if b == nil {
		return nil
	}
	a.freeHostHead = b.next
	if a.freeHostHead != nil {
		a.freeHostHead.prev = nil
	}
	b.next, b.prev = nil, nil
	a.freeHostCount--
	return b
}

// AllocateBlock pops one block from the device free list. O(1). Returns
// coreerr.ErrNoCapacity rather than blocking when the device pool is
// exhausted.
func (a *Arena) AllocateBlock() (BlockID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.popFreeDevice()
	if blk == nil {
		return 0, coreerr.ErrNoCapacity
	}
	a.clock++
	blk.RefCount = 1
	blk.LastAccess = a.clock
	blk.Dirty = false
	return blk.ID, nil
}

// AllocateBlocks allocates n blocks atomically: either all n succeed or none
// are taken from the free list.
func (a *Arena) AllocateBlocks(n int) ([]BlockID, error) {
	if n == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeDeviceCount < n {
		return nil, coreerr.ErrNoCapacity
	}
	ids := make([]BlockID, 0, n)
	for i := 0; i < n; i++ {
		blk := a.popFreeDevice()
		a.clock++
		blk.RefCount = 1
		blk.LastAccess = a.clock
		blk.Dirty = false
		ids = append(ids, blk.ID)
	}
	return ids, nil
}

// FreeBlock pushes a block back onto the free list for its current
// location and resets its ref count to zero. Storage is not zeroed.
func (a *Arena) FreeBlock(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeBlockLocked(id)
}

func (a *Arena) freeBlockLocked(id BlockID) {
	blk := a.blocks[id]
	blk.RefCount = 0
	if blk.Location == Device {
		a.pushFreeDevice(blk)
	} else {
		a.pushFreeHost(blk)
	}
}

// Ref increments a block's reference count.
func (a *Arena) Ref(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks[id].RefCount++
}

// Unref decrements a block's reference count, freeing it when it reaches
// zero.
func (a *Arena) Unref(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.blocks[id]
	blk.RefCount--
	if blk.RefCount <= 0 {
		a.freeBlockLocked(id)
	}
}

// Touch bumps a block's last-access timestamp to the Arena's next logical
// tick.
func (a *Arena) Touch(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock++
	a.blocks[id].LastAccess = a.clock
}

// MigrateToHost marks a block as host-resident and counts the move. The
// K/V slabs are not copied: the block keeps the same storage. Leaves the
// block on the device free/in-use list it started on in terms of ref count
// (migration does not change ownership).
func (a *Arena) MigrateToHost(id BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.blocks[id]
	if blk.Location == Host {
		return nil
	}
	if !a.cfg.AllowHostOverflow {
		return coreerr.ErrMigrationFailed
	}
	if a.cfg.MaxHostBlocks > 0 && a.hostCount >= a.cfg.MaxHostBlocks {
		a.log.Warnf("migrate_to_host: host pool at capacity (%d blocks)", a.cfg.MaxHostBlocks)
		return coreerr.ErrMigrationFailed
	}
	blk.Location = Host
	a.hostCount++
	a.deviceToHostMoves++
	return nil
}

// MigrateToDevice is the inverse of MigrateToHost.
func (a *Arena) MigrateToDevice(id BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.blocks[id]
	if blk.Location == Device {
		return nil
	}
	blk.Location = Device
	a.hostCount--
	a.hostToDeviceMoves++
	return nil
}

// BlockView is a zero-copy descriptor into a Block's K/V storage, ordered as
// the caller's block_ids argument. Valid strictly for the duration of the
// Model forward call it is passed to — the Worker must not retain it past
// that call's return.
type BlockView struct {
	ID BlockID
	K  []byte
	V  []byte
}

// BlockViews returns zero-copy descriptors for the given block IDs, ordered
// as given, suitable for passing to Model.Prefill/Model.Decode.
func (a *Arena) BlockViews(ids []BlockID) []BlockView {
	a.mu.Lock()
	defer a.mu.Unlock()
	views := make([]BlockView, len(ids))
	for i, id := range ids {
		blk := a.blocks[id]
		views[i] = BlockView{ID: blk.ID, K: blk.K, V: blk.V}
	}
	return views
}

// EnsureStorage lazily allocates a block's K/V slabs to cfg.BytesPerBlock
// bytes each, if not already sized. Real deployments pre-size storage at
// construction; tests and the reference Model allocate lazily to keep
// fixture setup cheap.
func (a *Arena) EnsureStorage(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk := a.blocks[id]
	if blk.K == nil {
		blk.K = make([]byte, a.cfg.BytesPerBlock)
		blk.V = make([]byte, a.cfg.BytesPerBlock)
	}
}

// BlockSizeTokens returns the number of token slots per block.
func (a *Arena) BlockSizeTokens() int64 { return a.cfg.BlockSizeTokens }

// RefCount returns a block's current reference count (test/invariant use).
func (a *Arena) RefCount(id BlockID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks[id].RefCount
}

// LastAccess returns a block's last-access timestamp.
func (a *Arena) LastAccess(id BlockID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks[id].LastAccess
}

// Location returns a block's current residency.
func (a *Arena) Location(id BlockID) Location {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks[id].Location
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	allocated := a.cfg.NumBlocks - a.freeDeviceCount - a.freeHostCount
	return Stats{
		FreeDevice:        a.freeDeviceCount,
		FreeHost:          a.freeHostCount,
		Allocated:         allocated,
		TotalBlocks:       a.cfg.NumBlocks,
		TotalBytes:        int64(a.cfg.NumBlocks) * int64(a.cfg.BytesPerBlock) * 2,
		DeviceToHostMoves: a.deviceToHostMoves,
		HostToDeviceMoves: a.hostToDeviceMoves,
	}
}

// NumBlocks returns the total device block-pool size the Arena was
// constructed with.
func (a *Arena) NumBlocks() int { return a.cfg.NumBlocks }
