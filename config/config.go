// Package config loads the runtime's policy configuration from YAML,
// strictly (unrecognized keys are rejected), and validates it before any
// component is constructed from it.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/eviction"
	"github.com/LayerDynamics/mlxr/scheduler"
)

// Bundle is the full runtime configuration: Arena sizing, Scheduler
// policy, Eviction policy, and default sampling parameters. Any field left
// unset in YAML keeps its Go zero value; the To*Config conversions copy
// fields as they are and do not fill in defaults.
type Bundle struct {
	Arena     ArenaConfig     `yaml:"arena"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Sampling  SamplingConfig  `yaml:"sampling"`
}

// ArenaConfig mirrors arena.Config in YAML-friendly form.
type ArenaConfig struct {
	NumBlocks         int   `yaml:"num_blocks"`
	BlockSizeTokens   int64 `yaml:"block_size_tokens"`
	BytesPerBlock     int   `yaml:"bytes_per_block"`
	AllowHostOverflow bool  `yaml:"allow_host_overflow"`
	MaxHostBlocks     int   `yaml:"max_host_blocks"`
}

// ToArenaConfig converts to the arena package's runtime Config.
func (c ArenaConfig) ToArenaConfig() arena.Config {
	return arena.Config{
		NumBlocks:         c.NumBlocks,
		BlockSizeTokens:   c.BlockSizeTokens,
		BytesPerBlock:     c.BytesPerBlock,
		AllowHostOverflow: c.AllowHostOverflow,
		MaxHostBlocks:     c.MaxHostBlocks,
	}
}

// SchedulerConfig mirrors scheduler.Config in YAML-friendly form, plus a
// named decode-preference policy string validated against a registry.
type SchedulerConfig struct {
	MaxBatchTokens              int64   `yaml:"max_batch_tokens"`
	MaxBatchSize                int64   `yaml:"max_batch_size"`
	MaxPrefillTokens            int64   `yaml:"max_prefill_tokens"`
	ChunkedPrefillEnabled       bool    `yaml:"chunked_prefill_enabled"`
	MaxPrefillChunk             int64   `yaml:"max_prefill_chunk"`
	DecodePreference            float64 `yaml:"decode_preference"`
	PreemptionEnabled           bool    `yaml:"preemption_enabled"`
	MinDecodeStepsBeforePreempt int64   `yaml:"min_decode_steps_before_preempt"`
	PriorityEnabled             bool    `yaml:"priority_enabled"`
}

// ToSchedulerConfig converts to the scheduler package's runtime Config.
func (c SchedulerConfig) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxBatchTokens:              c.MaxBatchTokens,
		MaxBatchSize:                c.MaxBatchSize,
		MaxPrefillTokens:            c.MaxPrefillTokens,
		ChunkedPrefillEnabled:       c.ChunkedPrefillEnabled,
		MaxPrefillChunk:             c.MaxPrefillChunk,
		DecodePreference:            c.DecodePreference,
		PreemptionEnabled:           c.PreemptionEnabled,
		MinDecodeStepsBeforePreempt: c.MinDecodeStepsBeforePreempt,
		PriorityEnabled:             c.PriorityEnabled,
	}
}

// EvictionConfig mirrors eviction.Config plus a named policy string.
type EvictionConfig struct {
	Policy               string  `yaml:"policy"`
	EvictionThreshold    float64 `yaml:"eviction_threshold"`
	TargetUsage          float64 `yaml:"target_usage"`
	MinBlocksPerSequence int     `yaml:"min_blocks_per_sequence"`
	EnablePersistence    bool    `yaml:"enable_persistence"`
	PersistenceDir       string  `yaml:"persistence_dir"`
}

// ToEvictionConfig converts to the eviction package's runtime Config.
func (c EvictionConfig) ToEvictionConfig() eviction.Config {
	return eviction.Config{
		EvictionThreshold:    c.EvictionThreshold,
		TargetUsage:          c.TargetUsage,
		MinBlocksPerSequence: c.MinBlocksPerSequence,
		EnablePersistence:    c.EnablePersistence,
		PersistenceDir:       c.PersistenceDir,
	}
}

// BuildPolicy builds the eviction.Policy named by c.Policy.
func (c EvictionConfig) BuildPolicy() (eviction.Policy, error) {
	switch c.Policy {
	case "", "lru":
		return eviction.LRU{}, nil
	case "working-set":
		return eviction.WorkingSet{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q; valid options: %s", c.Policy, validNames(validEvictionPolicies))
	}
}

// SamplingConfig supplies default SamplingParams for requests that don't
// override them.
type SamplingConfig struct {
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	TopK              int     `yaml:"top_k"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// Load reads and strictly parses a YAML bundle from path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var b Bundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&b); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &b, nil
}

var validEvictionPolicies = map[string]bool{"": true, "lru": true, "working-set": true}

// IsValidEvictionPolicy reports whether name is a recognized eviction
// policy.
func IsValidEvictionPolicy(name string) bool { return validEvictionPolicies[name] }

// ValidEvictionPolicyNames returns the sorted, non-empty policy names.
func ValidEvictionPolicyNames() []string { return validNamesList(validEvictionPolicies) }

func validNamesList(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func validNames(m map[string]bool) string {
	return strings.Join(validNamesList(m), ", ")
}

// Validate checks policy names and parameter ranges across the whole
// bundle.
func (b *Bundle) Validate() error {
	if !validEvictionPolicies[b.Eviction.Policy] {
		return fmt.Errorf("unknown eviction policy %q; valid options: %s", b.Eviction.Policy, validNames(validEvictionPolicies))
	}
	if b.Arena.NumBlocks < 0 {
		return fmt.Errorf("arena.num_blocks must be non-negative, got %d", b.Arena.NumBlocks)
	}
	if b.Arena.BlockSizeTokens < 0 {
		return fmt.Errorf("arena.block_size_tokens must be non-negative, got %d", b.Arena.BlockSizeTokens)
	}
	if err := validateFraction("eviction.eviction_threshold", b.Eviction.EvictionThreshold); err != nil {
		return err
	}
	if err := validateFraction("eviction.target_usage", b.Eviction.TargetUsage); err != nil {
		return err
	}
	if b.Scheduler.MaxBatchTokens < 0 || b.Scheduler.MaxBatchSize < 0 {
		return fmt.Errorf("scheduler.max_batch_tokens and max_batch_size must be non-negative")
	}
	if b.Sampling.Temperature < 0 {
		return fmt.Errorf("sampling.temperature must be non-negative, got %f", b.Sampling.Temperature)
	}
	return nil
}

func validateFraction(name string, v float64) error {
	if v == 0 {
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, v)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0, 1], got %f", name, v)
	}
	return nil
}
