// Package scheduler implements request admission and the continuous-batching
// engine: waiting/prefilling/decoding/paused queues, the per-step
// next_batch algorithm, and preemption under KV pressure.
package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/coreerr"
	"github.com/LayerDynamics/mlxr/metrics"
	"github.com/LayerDynamics/mlxr/pager"
	"github.com/LayerDynamics/mlxr/request"
)

// Stats is the read-only snapshot exposed to callers.
type Stats struct {
	Waiting          int
	Prefilling       int
	Decoding         int
	Paused           int
	BlocksUsed       int
	BlocksFree       int
	TokensPerSecond  float64
}

// Scheduler owns all live Requests by stable identifier, and exclusively
// owns the Arena and Pager it was constructed with. The Worker only
// receives non-owning references for the lifetime of the loop.
type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	arena *arena.Arena
	pager *pager.Pager

	waiting    waitQueue
	prefilling []*request.Request
	decoding   []*request.Request
	paused     []*request.Request

	requests map[string]*request.Request

	running   bool
	stepCount int64

	tokensGenerated int64 // updated and read with sync/atomic, not guarded by mu

	log *logrus.Entry
}

// New constructs a running Scheduler over the given Arena and Pager.
func New(cfg Config, a *arena.Arena, p *pager.Pager) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		arena:    a,
		pager:    p,
		requests: make(map[string]*request.Request),
		running:  true,
		log:      logrus.WithField("component", "scheduler"),
	}
}

// Submit admits a new request. Rejects duplicates and submissions
// after Shutdown.
func (s *Scheduler) Submit(r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return coreerr.ErrShutdown
	}
	if _, exists := s.requests[r.ID]; exists {
		return coreerr.ErrDuplicateID
	}
	r.Sampling = r.Sampling.Clamp()
	r.State = request.Waiting
	r.SeqID = r.ID
	if err := s.pager.CreateSequence(r.SeqID); err != nil {
		return err
	}
	s.requests[r.ID] = r
	s.waiting.enqueue(r)
	return nil
}

// Cancel mutates a request's state to Cancelled, frees any KV it holds, and
// removes it from whichever queue currently holds it. An in-flight batch execution for it runs to completion
// but its produced token is discarded by the Worker.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return coreerr.ErrNotFound
	}
	if r.State.Terminal() {
		return coreerr.ErrAlreadyFinished
	}

	s.waiting.remove(id)
	s.prefilling = removeRequest(s.prefilling, id)
	s.decoding = removeRequest(s.decoding, id)
	s.paused = removeRequest(s.paused, id)

	if s.pager.Exists(r.SeqID) {
		s.pager.DeleteSequence(r.SeqID)
	}
	r.KVBlockIDs = nil
	r.State = request.Cancelled
	r.FinishReason = request.Cancel
	return nil
}

// Shutdown stops the Scheduler from accepting new submissions.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// RecordTokens adds n to the scheduler's lifetime generated-token counter,
// used for the tokens_per_second stat. Called by the Worker after each
// step.
func (s *Scheduler) RecordTokens(n int) {
	atomic.AddInt64(&s.tokensGenerated, int64(n))
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats(elapsedSeconds float64) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ast := s.arena.Stats()
	var tps float64
	if elapsedSeconds > 0 {
		tps = float64(atomic.LoadInt64(&s.tokensGenerated)) / elapsedSeconds
	}
	metrics.QueueWaiting.Set(float64(s.waiting.len()))
	metrics.QueuePrefilling.Set(float64(len(s.prefilling)))
	metrics.QueueDecoding.Set(float64(len(s.decoding)))
	metrics.QueuePaused.Set(float64(len(s.paused)))
	metrics.BlocksFree.Set(float64(ast.FreeDevice))
	metrics.BlocksAllocated.Set(float64(ast.Allocated))

	return Stats{
		Waiting:         s.waiting.len(),
		Prefilling:      len(s.prefilling),
		Decoding:        len(s.decoding),
		Paused:          len(s.paused),
		BlocksUsed:      ast.Allocated,
		BlocksFree:      ast.FreeDevice,
		TokensPerSecond: tps,
	}
}

// Request returns the live request for id, or ErrNotFound.
func (s *Scheduler) Request(id string) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, coreerr.ErrNotFound
	}
	return r, nil
}

func removeRequest(list []*request.Request, id string) []*request.Request {
	for i, r := range list {
		if r.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// blockSize returns the Arena's configured tokens-per-block.
func (s *Scheduler) blockSize() int64 { return s.arena.BlockSizeTokens() }

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NextBatch executes the five-stage admission algorithm under the
// scheduler mutex — reap finished decoders, resume paused requests, admit
// decode work, admit prefill continuation, admit new waiting requests —
// and returns a snapshot Batch for the Worker to execute without holding
// the lock. May be empty if there is no work.
func (s *Scheduler) NextBatch() *request.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCount++
	batch := &request.Batch{}

	s.reapFinishedDecoders()
	s.resumePaused()

	tokenBudget := s.cfg.MaxBatchTokens
	prefillBudget := s.cfg.MaxPrefillTokens
	slots := s.cfg.MaxBatchSize

	s.waiting.reorder(s.cfg.PriorityEnabled)
	decodeOrder := s.orderedDecoders()

	// Step 2: admit decode work first.
	for _, r := range decodeOrder {
		if int64(len(batch.Decodes)) >= slots || tokenBudget <= 0 {
			break
		}
		batch.Decodes = append(batch.Decodes, r)
		tokenBudget--
		slots--
	}

	// Step 3: admit prefill continuation.
	var stillPrefilling []*request.Request
	for _, r := range s.prefilling {
		if int64(len(batch.Prefills))+int64(len(batch.Decodes)) >= s.cfg.MaxBatchSize || tokenBudget <= 0 || prefillBudget <= 0 {
			stillPrefilling = append(stillPrefilling, r)
			continue
		}
		remaining := int64(len(r.PromptTokens)) - int64(r.GeneratedAtChunk)
		chunk := remaining
		if s.cfg.MaxPrefillChunk > 0 && chunk > s.cfg.MaxPrefillChunk {
			chunk = s.cfg.MaxPrefillChunk
		}
		if chunk > tokenBudget {
			chunk = tokenBudget
		}
		if chunk > prefillBudget {
			chunk = prefillBudget
		}
		if chunk <= 0 {
			stillPrefilling = append(stillPrefilling, r)
			continue
		}
		newTarget := int64(r.GeneratedAtChunk) + chunk
		if err := s.pager.GrowTo(r.SeqID, newTarget); err != nil {
			// No room to grow this continuation yet; try again next step.
			stillPrefilling = append(stillPrefilling, r)
			continue
		}
		batch.Prefills = append(batch.Prefills, r)
		tokenBudget -= chunk
		prefillBudget -= chunk
		r.GeneratedAtChunk = int(newTarget)

		if int64(r.GeneratedAtChunk) >= int64(len(r.PromptTokens)) {
			r.State = request.Decoding
			s.decoding = append(s.decoding, r)
		} else {
			stillPrefilling = append(stillPrefilling, r)
		}
	}
	s.prefilling = stillPrefilling

	// Step 4: admit new requests from waiting.
	for int64(len(batch.Prefills))+int64(len(batch.Decodes)) < s.cfg.MaxBatchSize && s.waiting.len() > 0 && tokenBudget > 0 {
		next := s.waiting.peek()

		B := s.blockSize()
		blocksNeeded := ceilDiv(int64(len(next.PromptTokens))+int64(next.Sampling.MaxTokens), B)

		if s.arena.Stats().FreeDevice < int(blocksNeeded) {
			if !s.cfg.PreemptionEnabled {
				break
			}
			if !s.preempt(blocksNeeded) {
				break
			}
		}

		chunk := int64(len(next.PromptTokens))
		chunked := s.cfg.ChunkedPrefillEnabled && s.cfg.MaxPrefillChunk > 0 && chunk > s.cfg.MaxPrefillChunk
		if chunked {
			chunk = s.cfg.MaxPrefillChunk
		}
		if chunk > tokenBudget {
			chunk = tokenBudget
		}
		if chunk > prefillBudget {
			chunk = prefillBudget
		}
		if chunk <= 0 {
			break
		}

		if !s.pager.Exists(next.SeqID) {
			// A resumed request was fully torn down when it was preempted
			//: its prompt is restarted from a fresh sequence.
			if err := s.pager.CreateSequence(next.SeqID); err != nil {
				break
			}
		}
		if err := s.pager.GrowTo(next.SeqID, chunk); err != nil {
			// NoCapacity at the actual grow step is not a request-level
			// error: leave it waiting for a later step.
			break
		}

		s.waiting.dequeue()
		next.GeneratedAtChunk = int(chunk)
		next.ScheduledAt = s.stepCount

		if chunk >= int64(len(next.PromptTokens)) {
			next.State = request.Decoding
			s.decoding = append(s.decoding, next)
		} else {
			next.State = request.Prefilling
			s.prefilling = append(s.prefilling, next)
		}
		batch.Prefills = append(batch.Prefills, next)
		tokenBudget -= chunk
		prefillBudget -= chunk
	}

	return batch
}

// reapFinishedDecoders is stage 1: any decoder whose last generated token
// matches a stop token, or that reached max_tokens, transitions to
// Completed and its KV is freed.
func (s *Scheduler) reapFinishedDecoders() {
	var remaining []*request.Request
	for _, r := range s.decoding {
		if r.ShouldStop() {
			last := r.GeneratedTokens[len(r.GeneratedTokens)-1]
			if r.IsStopToken(last) {
				r.FinishReason = request.Stop
			} else {
				r.FinishReason = request.Length
			}
			r.State = request.Completed
			s.pager.DeleteSequence(r.SeqID)
			r.KVBlockIDs = nil
			continue
		}
		remaining = append(remaining, r)
	}
	s.decoding = remaining
}

// resumePaused moves every currently paused request back into waiting. See
// SPEC_FULL.md / DESIGN.md for why this core owns auto-resume rather than
// waiting on an external nudge.
func (s *Scheduler) resumePaused() {
	for _, r := range s.paused {
		r.State = request.Waiting
		s.waiting.enqueue(r)
	}
	s.paused = nil
}

// orderedDecoders returns the decoding slice in priority-then-FIFO order
// when priority is enabled, leaving admission order untouched otherwise.
func (s *Scheduler) orderedDecoders() []*request.Request {
	if !s.cfg.PriorityEnabled {
		return s.decoding
	}
	out := append([]*request.Request(nil), s.decoding...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ArrivalTime < out[j].ArrivalTime
	})
	return out
}

// preempt frees at least blocksNeeded device blocks by evicting the
// cheapest eligible decoders. Returns true if the target was met.
func (s *Scheduler) preempt(blocksNeeded int64) bool {
	type candidate struct {
		r      *request.Request
		blocks int64
	}
	var eligible []candidate
	for _, r := range s.decoding {
		if int64(len(r.GeneratedTokens)) < s.cfg.MinDecodeStepsBeforePreempt {
			continue
		}
		table, err := s.pager.PageTable(r.SeqID)
		if err != nil {
			continue
		}
		eligible = append(eligible, candidate{r: r, blocks: int64(len(table))})
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].r.Priority != eligible[j].r.Priority {
			return eligible[i].r.Priority < eligible[j].r.Priority
		}
		return len(eligible[i].r.GeneratedTokens) > len(eligible[j].r.GeneratedTokens)
	})

	var freed int64
	for _, c := range eligible {
		if freed >= blocksNeeded {
			break
		}
		s.pager.DeleteSequence(c.r.SeqID)
		c.r.KVBlockIDs = nil
		c.r.GeneratedTokens = nil
		c.r.GeneratedAtChunk = 0
		c.r.State = request.Paused
		s.decoding = removeRequest(s.decoding, c.r.ID)
		s.paused = append(s.paused, c.r)
		freed += c.blocks
		metrics.PreemptionsTotal.Inc()
	}
	return freed >= blocksNeeded
}
