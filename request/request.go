// Package request defines the Request and SamplingParams types shared by the
// Scheduler and Worker Loop, plus the finite request state machine.
package request

// State is a request's position in its lifecycle. Transitions are monotonic
// along Waiting -> Prefilling -> Decoding -> {Completed, Cancelled, Failed},
// with optional Decoding <-> Paused.
type State int

const (
	Waiting State = iota
	Prefilling
	Decoding
	Paused
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Prefilling:
		return "prefilling"
	case Decoding:
		return "decoding"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// FinishReason explains why a request reached a terminal state.
type FinishReason int

const (
	NotFinished FinishReason = iota
	Stop
	Length
	Error
	Cancel
)

func (f FinishReason) String() string {
	switch f {
	case Stop:
		return "stop"
	case Length:
		return "length"
	case Error:
		return "error"
	case Cancel:
		return "cancel"
	default:
		return "none"
	}
}

// SamplingParams bounds a request's generation. Immutable once a request is
// submitted; the core clamps out-of-range values rather than panicking, so
// malformed sampling parameters never crash the runtime.
type SamplingParams struct {
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	MaxTokens         int
	StopTokenIDs      []int
}

// Clamp returns a copy of p with every field forced into its semantic range:
// Temperature >= 0, 0 < TopP <= 1, TopK >= 0, MaxTokens > 0.
func (p SamplingParams) Clamp() SamplingParams {
	out := p
	if out.Temperature < 0 {
		out.Temperature = 0
	}
	if out.TopP <= 0 || out.TopP > 1 {
		out.TopP = 1
	}
	if out.TopK < 0 {
		out.TopK = 0
	}
	if out.RepetitionPenalty <= 0 {
		out.RepetitionPenalty = 1
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 1
	}
	return out
}

// TokenCallback fires once per generated token. When finished is true, no
// further callbacks for the owning request will occur.
type TokenCallback func(tokenID int, finished bool)

// Request models a single request's lifecycle in the control plane: prompt,
// sampling configuration, generation progress, and the KV blocks its
// Sequence currently holds (via Pager).
type Request struct {
	ID       string
	Priority int64

	PromptTokens []int
	Sampling     SamplingParams

	State        State
	FinishReason FinishReason

	GeneratedTokens []int

	// SeqID is the Pager sequence this request's KV state lives under.
	SeqID string
	// KVBlockIDs mirrors the Sequence's page table for external inspection;
	// it is not authoritative (the Pager's PageTable is). The Worker sets it
	// before each forward call, and the Scheduler clears it when it frees
	// the sequence, so callers can read it without reaching into the Pager.
	KVBlockIDs []int64

	ArrivalTime      int64
	ScheduledAt      int64
	FirstTokenAt     int64
	CompletedAt      int64
	GeneratedAtChunk int // prompt tokens covered once the batch the Scheduler just emitted has run (chunked prefill target cursor)

	Callback TokenCallback
}

// IsStopToken reports whether tok is one of the request's configured stop
// tokens.
func (r *Request) IsStopToken(tok int) bool {
	for _, s := range r.Sampling.StopTokenIDs {
		if s == tok {
			return true
		}
	}
	return false
}

// ShouldStop reports whether the request has reached a natural stop
// condition given its last generated token: a stop token was produced, or
// max_tokens was reached.
func (r *Request) ShouldStop() bool {
	if len(r.GeneratedTokens) == 0 {
		return false
	}
	if r.IsStopToken(r.GeneratedTokens[len(r.GeneratedTokens)-1]) {
		return true
	}
	return len(r.GeneratedTokens) >= r.Sampling.MaxTokens
}

// Batch is an ephemeral grouping of requests processed together in one
// Worker step: prefill requests first, then decode requests, in the order
// the Scheduler assembled them.
type Batch struct {
	Prefills []*Request
	Decodes  []*Request
}

// Empty reports whether the batch has no work.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Prefills) == 0 && len(b.Decodes) == 0)
}
