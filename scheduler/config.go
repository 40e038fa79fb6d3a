package scheduler

// Config enumerates every scheduler option named in 
type Config struct {
	MaxBatchTokens    int64 // hard cap on prefill + decode tokens per step
	MaxBatchSize      int64 // hard cap on request count per step
	MaxPrefillTokens  int64 // hard cap on prefill tokens alone per step

	ChunkedPrefillEnabled bool
	MaxPrefillChunk       int64 // split prompts larger than this across steps

	DecodePreference float64 // carried for configuration only; NextBatch does not read it and always admits decodes before prefills

	PreemptionEnabled           bool
	MinDecodeStepsBeforePreempt int64 // fairness floor

	PriorityEnabled bool // Request.Priority breaks ties when true
}

// DefaultConfig returns conservative batch-size and admission defaults
// suitable for a single-GPU deployment.
func DefaultConfig() Config {
	return Config{
		MaxBatchTokens:              8192,
		MaxBatchSize:                128,
		MaxPrefillTokens:            4096,
		ChunkedPrefillEnabled:       true,
		MaxPrefillChunk:             2048,
		DecodePreference:            2.0,
		PreemptionEnabled:           true,
		MinDecodeStepsBeforePreempt: 10,
		PriorityEnabled:             true,
	}
}
