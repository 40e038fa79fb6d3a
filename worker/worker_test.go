package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/model"
	"github.com/LayerDynamics/mlxr/pager"
	"github.com/LayerDynamics/mlxr/request"
	"github.com/LayerDynamics/mlxr/scheduler"
)

// stubModel records every call it receives and returns a fixed logits
// vector, optionally failing on a configured call count.
type stubModel struct {
	cfg model.Config

	prefillCalls int
	decodeCalls  int
	failAfter    int // 0 means never fail
	lastChunk    []int
	lastOffset   int64
}

func (m *stubModel) Config() model.Config { return m.cfg }

func (m *stubModel) Prefill(ctx context.Context, promptTokens []int, pageTable []int64, positionOffset int64) ([]float64, error) {
	m.prefillCalls++
	m.lastChunk = append([]int(nil), promptTokens...)
	m.lastOffset = positionOffset
	if m.failAfter > 0 && m.prefillCalls+m.decodeCalls >= m.failAfter {
		return nil, errors.New("stub prefill failure")
	}
	return []float64{1, 2, 3}, nil
}

func (m *stubModel) Decode(ctx context.Context, lastToken int, pageTable []int64, position int64) ([]float64, error) {
	m.decodeCalls++
	if m.failAfter > 0 && m.prefillCalls+m.decodeCalls >= m.failAfter {
		return nil, errors.New("stub decode failure")
	}
	return []float64{1, 2, 3}, nil
}

// stubSampler returns tokens from a fixed queue, falling back to the last
// one once exhausted.
type stubSampler struct {
	tokens []int
	calls  int
}

func (s *stubSampler) Sample(logits []float64, contextTokens []int) (int, error) {
	if len(s.tokens) == 0 {
		return 0, nil
	}
	i := s.calls
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	s.calls++
	return s.tokens[i], nil
}

func newHarness(numBlocks int, blockSize int64, schedCfg scheduler.Config) (*scheduler.Scheduler, *arena.Arena, *pager.Pager) {
	a := arena.New(arena.Config{NumBlocks: numBlocks, BlockSizeTokens: blockSize, BytesPerBlock: 16})
	p := pager.New(a)
	return scheduler.New(schedCfg, a, p), a, p
}

func baseCfg() scheduler.Config {
	return scheduler.Config{
		MaxBatchTokens:        8,
		MaxBatchSize:          8,
		MaxPrefillTokens:      8,
		ChunkedPrefillEnabled: true,
		MaxPrefillChunk:       8,
	}
}

func TestStep_PrefillSamplesOneTokenWhenChunkCompletesPrompt(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	var finished bool
	var finishedTok int
	r := &request.Request{
		ID:           "r1",
		PromptTokens: []int{1, 2, 3},
		Sampling:     request.SamplingParams{MaxTokens: 5, TopP: 1, RepetitionPenalty: 1},
		Callback: func(tok int, fin bool) {
			finished = fin
			finishedTok = tok
		},
	}
	assert.NoError(t, sched.Submit(r))

	m := &stubModel{}
	s := &stubSampler{tokens: []int{99}}
	w := New(DefaultConfig(), sched, p, a, m, s)

	n, err := w.Step(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.prefillCalls)
	assert.Equal(t, []int{1, 2, 3}, m.lastChunk)
	assert.Equal(t, int64(0), m.lastOffset)
	assert.Equal(t, []int{99}, r.GeneratedTokens)
	assert.False(t, finished)
	assert.Equal(t, 99, finishedTok)
}

func TestStep_ChunkedPrefillDoesNotSampleUntilPromptComplete(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxPrefillChunk = 2
	cfg.MaxPrefillTokens = 2
	sched, a, p := newHarness(4, 4, cfg)
	r := &request.Request{
		ID:           "r1",
		PromptTokens: []int{1, 2, 3, 4, 5},
		Sampling:     request.SamplingParams{MaxTokens: 1, TopP: 1, RepetitionPenalty: 1},
	}
	assert.NoError(t, sched.Submit(r))

	m := &stubModel{}
	s := &stubSampler{tokens: []int{7}}
	w := New(DefaultConfig(), sched, p, a, m, s)

	// First step: only a 2-token chunk is fed, no token sampled yet.
	n, err := w.Step(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1, 2}, m.lastChunk)
	assert.Empty(t, r.GeneratedTokens)

	// Second step: the next 2-token chunk continues from the worker's own
	// cursor (position offset 2); the prompt is still incomplete.
	n, err = w.Step(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{3, 4}, m.lastChunk)
	assert.Equal(t, int64(2), m.lastOffset)
	assert.Empty(t, r.GeneratedTokens)

	// Third step: the last token completes the prompt at offset 4, and a
	// token is sampled.
	n, err = w.Step(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{5}, m.lastChunk)
	assert.Equal(t, int64(4), m.lastOffset)
	assert.Equal(t, []int{7}, r.GeneratedTokens)
}

func TestStep_DecodeGrowsPagerByOneTokenAndSamples(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	r := &request.Request{
		ID:           "r1",
		PromptTokens: []int{1, 2, 3},
		Sampling:     request.SamplingParams{MaxTokens: 5, TopP: 1, RepetitionPenalty: 1},
	}
	assert.NoError(t, sched.Submit(r))

	m := &stubModel{}
	s := &stubSampler{tokens: []int{10, 11}}
	w := New(DefaultConfig(), sched, p, a, m, s)

	_, err := w.Step(context.Background()) // prefill -> 1 token
	assert.NoError(t, err)

	numTokensBefore, _ := p.NumTokens("r1")

	_, err = w.Step(context.Background()) // decode -> 2nd token
	assert.NoError(t, err)

	numTokensAfter, _ := p.NumTokens("r1")
	assert.Equal(t, numTokensBefore+1, numTokensAfter)
	assert.Equal(t, []int{10, 11}, r.GeneratedTokens)
	assert.Equal(t, 1, m.decodeCalls)
}

func TestStep_ModelFailureFailsEveryRequestInBatch(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	r1 := &request.Request{ID: "r1", PromptTokens: []int{1, 2}, Sampling: request.SamplingParams{MaxTokens: 3, TopP: 1, RepetitionPenalty: 1}}
	r2 := &request.Request{ID: "r2", PromptTokens: []int{3, 4}, Sampling: request.SamplingParams{MaxTokens: 3, TopP: 1, RepetitionPenalty: 1}}
	assert.NoError(t, sched.Submit(r1))
	assert.NoError(t, sched.Submit(r2))

	m := &stubModel{failAfter: 1}
	s := &stubSampler{tokens: []int{1}}
	w := New(DefaultConfig(), sched, p, a, m, s)

	_, err := w.Step(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, request.Failed, r1.State)
	assert.Equal(t, request.Error, r1.FinishReason)
	assert.Equal(t, request.Failed, r2.State)
	assert.Equal(t, request.Error, r2.FinishReason)
}

func TestIsCancelled_DetectsCancelAfterBatchSnapshot(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	r := &request.Request{ID: "r1", PromptTokens: []int{1, 2}, Sampling: request.SamplingParams{MaxTokens: 3, TopP: 1, RepetitionPenalty: 1}}
	assert.NoError(t, sched.Submit(r))

	m := &stubModel{}
	s := &stubSampler{}
	w := New(DefaultConfig(), sched, p, a, m, s)

	// Cancelling a request after the scheduler has put it in a batch is not
	// representable through Step directly, so simulate the window by marking
	// it cancelled after NextBatch returned the batch that includes it. The
	// snapshot batch holds the same *Request pointer, so isCancelled — the
	// check Step applies per request before calling the Model — sees the
	// new state. Step itself is not run here.
	batch := sched.NextBatch()
	assert.Len(t, batch.Prefills, 1)
	r.State = request.Cancelled

	assert.True(t, w.isCancelled(r))
}

func TestRunPrefill_ClampsStaleCursorAfterSequenceRestart(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	m := &stubModel{}
	s := &stubSampler{tokens: []int{1}}
	w := New(DefaultConfig(), sched, p, a, m, s)

	r := &request.Request{
		ID:               "r1",
		SeqID:            "r1",
		PromptTokens:     []int{1, 2, 3, 4},
		GeneratedAtChunk: 2,
	}
	assert.NoError(t, p.CreateSequence("r1"))
	assert.NoError(t, p.GrowTo("r1", 2))

	// A stale cursor from before a preemption/restart.
	w.kvState["r1"] = 4

	assert.NoError(t, w.runPrefill(context.Background(), r))
	assert.Equal(t, []int{1, 2}, m.lastChunk)
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	sched, a, p := newHarness(4, 4, baseCfg())
	m := &stubModel{}
	s := &stubSampler{}
	cfg := Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	w := New(cfg, sched, p, a, m, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
