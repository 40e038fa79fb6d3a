// Package modelref provides deterministic reference implementations of the
// model.Model, model.Sampler, and model.Tokenizer collaborator interfaces
//: not real transformer math, but a fixture-grade correctness oracle
// exercising the full Prefill/Decode/KV-write contract so the control plane
// can be built and tested standalone.
//
// Supports the standard sampling knobs — temperature, top-k, top-p,
// repetition penalty — with probability-mass normalization delegated to
// gonum/floats rather than hand-rolled.
package modelref

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/LayerDynamics/mlxr/request"
)

// Sampler applies a request's SamplingParams using its own RNG seeded at
// construction, so the same request replays identically across runs.
type Sampler struct {
	params request.SamplingParams
	rng    *rand.Rand
}

// NewSampler builds a Sampler bound to one request's clamped sampling
// parameters and an RNG seeded with seed.
func NewSampler(params request.SamplingParams, seed int64) *Sampler {
	return &Sampler{params: params.Clamp(), rng: rand.New(rand.NewSource(seed))}
}

var errEmptyLogits = errors.New("modelref: empty logits")

// Sample implements model.Sampler: repetition penalty, temperature,
// top-k, and top-p composed in that order.
func (s *Sampler) Sample(logits []float64, contextTokens []int) (int, error) {
	if len(logits) == 0 {
		return 0, errEmptyLogits
	}
	adjusted := applyRepetitionPenalty(logits, contextTokens, s.params.RepetitionPenalty)

	if s.params.Temperature == 0 {
		return argmax(adjusted), nil
	}

	probs := logitsToProbs(adjusted, s.params.Temperature)

	if s.params.TopK > 0 {
		probs = restrictTopK(probs, s.params.TopK)
	}
	if s.params.TopP > 0 && s.params.TopP < 1 {
		probs = restrictTopP(probs, s.params.TopP)
	}

	return sampleCategorical(probs, s.rng), nil
}

func applyRepetitionPenalty(logits []float64, context []int, penalty float64) []float64 {
	if penalty == 1 {
		return logits
	}
	seen := make(map[int]bool, len(context))
	for _, t := range context {
		seen[t] = true
	}
	out := append([]float64(nil), logits...)
	for tok := range seen {
		if tok < 0 || tok >= len(out) {
			continue
		}
		if out[tok] > 0 {
			out[tok] /= penalty
		} else {
			out[tok] *= penalty
		}
	}
	return out
}

// logitsToProbs applies temperature scaling then a numerically stable
// softmax (max-subtraction), normalized with gonum/floats.Sum.
func logitsToProbs(logits []float64, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	for i, v := range logits {
		scaled[i] = math.Exp((v - maxLogit) / temperature)
	}
	total := floats.Sum(scaled)
	if total == 0 {
		total = 1
	}
	probs := make([]float64, len(scaled))
	for i, v := range scaled {
		probs[i] = v / total
	}
	return probs
}

func argmax(logits []float64) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// restrictTopK zeroes every probability mass outside the k largest entries
// and renormalizes.
func restrictTopK(probs []float64, k int) []float64 {
	if k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })
	keep := make(map[int]bool, k)
	for _, i := range idx[:k] {
		keep[i] = true
	}
	return renormalize(probs, keep)
}

// restrictTopP keeps the smallest prefix of sorted-descending probability
// mass whose cumulative sum reaches p (nucleus sampling).
func restrictTopP(probs []float64, p float64) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })
	keep := make(map[int]bool, len(probs))
	var cum float64
	for _, i := range idx {
		keep[i] = true
		cum += probs[i]
		if cum >= p {
			break
		}
	}
	return renormalize(probs, keep)
}

func renormalize(probs []float64, keep map[int]bool) []float64 {
	out := make([]float64, len(probs))
	var total float64
	for i, v := range probs {
		if keep[i] {
			out[i] = v
			total += v
		}
	}
	if total == 0 {
		return probs
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// sampleCategorical draws one index from a discrete probability vector
// using inverse-CDF sampling.
func sampleCategorical(probs []float64, rng *rand.Rand) int {
	target := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if target <= cum {
			return i
		}
	}
	return len(probs) - 1
}
