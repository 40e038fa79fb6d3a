// Package model defines the external collaborator contracts the control
// plane calls through: Model (transformer forward passes), Sampler
// (logits -> token), and Tokenizer (text <-> tokens). None of these are
// implemented by the core — real numerical kernels, sampling
// policy, and tokenization are out of scope.
package model

import "context"

// Config describes the model geometry the Worker and Arena need to size KV
// storage and position encodings. Populated from Model.Config().
type Config struct {
	NumLayers   int
	NumHeads    int
	NumKVHeads  int
	HeadDim     int
	HiddenSize  int
	VocabSize   int
	MaxSeqLen   int
	RopeBase    float64
	NormEps     float64
}

// Model is the transformer numerical kernel boundary. Implementations
// MUST write K and V for positions processed in the current call into the
// blocks named by pageTable, at offsets determined by position and the
// Arena's block size B (block_idx = pos / B, offset = pos mod B; this
// mapping is the single source of truth for where to write).
//
// Model is not required to be safe for concurrent forward calls — the
// Worker Loop owns a single execution context and never calls Prefill or
// Decode concurrently with itself.
type Model interface {
	// Prefill processes every prompt token in one pass, populating KV for
	// all positions starting at positionOffset, and returns logits for the
	// last position only.
	Prefill(ctx context.Context, promptTokens []int, pageTable []int64, positionOffset int64) ([]float64, error)

	// Decode processes exactly one new token, appending one KV entry per
	// layer at the given position, and returns logits for that position.
	Decode(ctx context.Context, lastToken int, pageTable []int64, position int64) ([]float64, error)

	Config() Config
}

// Sampler turns logits plus the full context (prompt + generated tokens so
// far) into a single token ID. Pure function — no side effects, no
// retained state across calls, so policies compose freely.
type Sampler interface {
	Sample(logits []float64, contextTokens []int) (int, error)
}

// Tokenizer is the text <-> token boundary consumed by the external API
// surface before submission and after token emission, not by the core
// itself — included here only so the reference CLI demo has something to
// call.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	EOSID() int
	BOSID() int
}
