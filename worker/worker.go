// Package worker implements the single-threaded driver that pulls batches
// from the Scheduler and executes them against a Model: growing KV state
// ahead of each forward call, sampling one token per request per step, and
// invoking the per-token callback.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/coreerr"
	"github.com/LayerDynamics/mlxr/metrics"
	"github.com/LayerDynamics/mlxr/model"
	"github.com/LayerDynamics/mlxr/pager"
	"github.com/LayerDynamics/mlxr/request"
	"github.com/LayerDynamics/mlxr/scheduler"
)

// Config tunes the Worker's idle-backoff behavior.
type Config struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig returns conservative backoff bounds for the poll loop.
func DefaultConfig() Config {
	return Config{
		MinBackoff: time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
}

// Worker owns a single execution context: it never calls the Model
// concurrently with itself, and is the only writer of Pager growth during
// steady-state operation (the Scheduler only grows at admission time).
//
// kvState tracks, per sequence ID, how many tokens have already been fed to
// the Model — prompt tokens during prefill (the cursor a chunked prefill
// continuation resumes from), then the full sequence length after each
// decode. This is the Worker's private KVState; the Scheduler's
// Request.GeneratedAtChunk is the target cursor for the batch about to run,
// not what has actually been computed yet.
type Worker struct {
	cfg   Config
	sched *scheduler.Scheduler
	pager *pager.Pager
	arena *arena.Arena
	m     model.Model
	s     model.Sampler

	kvState map[string]int64

	log *logrus.Entry
}

// New constructs a Worker over a running Scheduler and its collaborators.
func New(cfg Config, sched *scheduler.Scheduler, p *pager.Pager, a *arena.Arena, m model.Model, s model.Sampler) *Worker {
	return &Worker{
		cfg:     cfg,
		sched:   sched,
		pager:   p,
		arena:   a,
		m:       m,
		s:       s,
		kvState: make(map[string]int64),
		log:     logrus.WithField("component", "worker"),
	}
}

// Run drives steps until ctx is cancelled. Each iteration pulls one batch
// from the Scheduler; an empty batch triggers a bounded exponential
// back-off sleep so an idle runtime doesn't spin.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := w.Step(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
			continue
		}
		backoff = w.cfg.MinBackoff
	}
}

// Step pulls one batch and executes it, returning the number of requests
// processed (0 means the caller should back off).
func (w *Worker) Step(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.StepLatencySeconds.Observe(time.Since(start).Seconds()) }()

	batch := w.sched.NextBatch()
	if batch.Empty() {
		return 0, nil
	}

	processed := 0
	tokensThisStep := 0

	for _, r := range batch.Prefills {
		if w.isCancelled(r) {
			continue
		}
		if err := w.runPrefill(ctx, r); err != nil {
			w.failBatch(batch, err)
			return processed, nil
		}
		processed++
		tokensThisStep++
	}

	for _, r := range batch.Decodes {
		if w.isCancelled(r) {
			continue
		}
		if err := w.runDecode(ctx, r); err != nil {
			w.failBatch(batch, err)
			return processed, nil
		}
		processed++
		tokensThisStep++
	}

	w.sched.RecordTokens(tokensThisStep)
	metrics.TokensGeneratedTotal.Add(float64(tokensThisStep))
	return processed, nil
}

func (w *Worker) isCancelled(r *request.Request) bool {
	return r.State == request.Cancelled
}

// runPrefill processes one prefill chunk: the page table already reflects
// this chunk's growth (the Scheduler grows at admission/continuation time),
// so the Worker only needs to ask the Model to process the tokens newly
// covered by this call and sample one token when the prompt completes.
func (w *Worker) runPrefill(ctx context.Context, r *request.Request) error {
	table, err := w.pager.PageTable(r.SeqID)
	if err != nil {
		return err
	}
	blockIDs := toInt64(table)
	r.KVBlockIDs = blockIDs

	cursor := w.kvState[r.SeqID]
	target := int64(r.GeneratedAtChunk)
	if cursor > target {
		// The sequence was torn down and restarted since this cursor was
		// recorded (a preempted request resumed with a fresh Pager
		// sequence under the same ID); restart the chunk walk from zero.
		cursor = 0
	}
	chunkTokens := r.PromptTokens[cursor:target]

	logits, err := w.m.Prefill(ctx, chunkTokens, blockIDs, cursor)
	if err != nil {
		return &coreerr.ModelFailure{Err: err}
	}
	w.kvState[r.SeqID] = target

	if target < int64(len(r.PromptTokens)) {
		// Chunk did not complete the prompt; no token is produced yet.
		return nil
	}

	tok, err := w.s.Sample(logits, r.PromptTokens)
	if err != nil {
		return &coreerr.ModelFailure{Err: err}
	}
	r.GeneratedTokens = append(r.GeneratedTokens, tok)
	if r.FirstTokenAt == 0 {
		r.FirstTokenAt = r.ScheduledAt
	}
	finished := r.ShouldStop()
	if r.Callback != nil {
		r.Callback(tok, finished)
	}
	if finished {
		delete(w.kvState, r.SeqID)
	}
	return nil
}

// runDecode grows the sequence by one token, asks the Model for the next
// logits, samples, appends, and invokes the callback.
func (w *Worker) runDecode(ctx context.Context, r *request.Request) error {
	numTokens, err := w.pager.NumTokens(r.SeqID)
	if err != nil {
		return err
	}
	newLen := numTokens + 1
	if err := w.pager.GrowTo(r.SeqID, newLen); err != nil {
		// Out of capacity mid-decode: leave the request where it is: a
		// future scheduler step will have either preempted a neighbor or
		// this one, freeing room.
		return nil
	}

	table, err := w.pager.PageTable(r.SeqID)
	if err != nil {
		return err
	}
	blockIDs := toInt64(table)
	r.KVBlockIDs = blockIDs

	lastToken := r.PromptTokens[len(r.PromptTokens)-1]
	if len(r.GeneratedTokens) > 0 {
		lastToken = r.GeneratedTokens[len(r.GeneratedTokens)-1]
	}

	logits, err := w.m.Decode(ctx, lastToken, blockIDs, newLen-1)
	if err != nil {
		return &coreerr.ModelFailure{Err: err}
	}
	w.kvState[r.SeqID] = newLen

	contextTokens := append(append([]int(nil), r.PromptTokens...), r.GeneratedTokens...)
	tok, err := w.s.Sample(logits, contextTokens)
	if err != nil {
		return &coreerr.ModelFailure{Err: err}
	}
	r.GeneratedTokens = append(r.GeneratedTokens, tok)
	finished := r.ShouldStop()
	if r.Callback != nil {
		r.Callback(tok, finished)
	}
	if finished {
		delete(w.kvState, r.SeqID)
	}
	return nil
}

// failBatch transitions every request in batch to Failed, : a
// Model error is not recoverable per-request, it poisons the whole step.
func (w *Worker) failBatch(batch *request.Batch, err error) {
	w.log.WithError(err).Error("model failure, failing batch")
	fail := func(r *request.Request) {
		r.State = request.Failed
		r.FinishReason = request.Error
		if r.Callback != nil {
			r.Callback(-1, true)
		}
	}
	for _, r := range batch.Prefills {
		fail(r)
	}
	for _, r := range batch.Decodes {
		fail(r)
	}
}

func toInt64(ids []arena.BlockID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
