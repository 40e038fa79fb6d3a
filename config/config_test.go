package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LayerDynamics/mlxr/eviction"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ParsesKnownFields(t *testing.T) {
	path := writeConfig(t, `
arena:
  num_blocks: 64
  block_size_tokens: 16
scheduler:
  max_batch_tokens: 4096
  priority_enabled: true
eviction:
  policy: working-set
  eviction_threshold: 0.2
sampling:
  temperature: 0.7
`)

	b, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 64, b.Arena.NumBlocks)
	assert.Equal(t, int64(16), b.Arena.BlockSizeTokens)
	assert.Equal(t, int64(4096), b.Scheduler.MaxBatchTokens)
	assert.True(t, b.Scheduler.PriorityEnabled)
	assert.Equal(t, "working-set", b.Eviction.Policy)
	assert.Equal(t, 0.7, b.Sampling.Temperature)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
arena:
  num_blocks: 64
  totally_made_up_field: true
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownEvictionPolicy(t *testing.T) {
	b := &Bundle{Eviction: EvictionConfig{Policy: "bogus"}}
	err := b.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRangeFraction(t *testing.T) {
	b := &Bundle{Eviction: EvictionConfig{EvictionThreshold: 1.5}}
	err := b.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsNonFiniteFraction(t *testing.T) {
	b := &Bundle{Eviction: EvictionConfig{TargetUsage: math.NaN()}}
	err := b.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsNegativeArenaFields(t *testing.T) {
	b := &Bundle{Arena: ArenaConfig{NumBlocks: -1}}
	err := b.Validate()
	assert.Error(t, err)
}

func TestValidate_AcceptsZeroValueBundle(t *testing.T) {
	b := &Bundle{}
	assert.NoError(t, b.Validate())
}

func TestEvictionConfig_BuildPolicy_DefaultsToLRU(t *testing.T) {
	c := EvictionConfig{}
	p, err := c.BuildPolicy()
	assert.NoError(t, err)
	assert.IsType(t, eviction.LRU{}, p)
}

func TestEvictionConfig_BuildPolicy_RejectsUnknownName(t *testing.T) {
	c := EvictionConfig{Policy: "nonexistent"}
	_, err := c.BuildPolicy()
	assert.Error(t, err)
}

func TestIsValidEvictionPolicy(t *testing.T) {
	assert.True(t, IsValidEvictionPolicy("lru"))
	assert.True(t, IsValidEvictionPolicy("working-set"))
	assert.False(t, IsValidEvictionPolicy("nonexistent"))
}

func TestValidEvictionPolicyNames_IsSortedAndExcludesEmpty(t *testing.T) {
	names := ValidEvictionPolicyNames()
	assert.Equal(t, []string{"lru", "working-set"}, names)
}

func TestToArenaConfig_Converts(t *testing.T) {
	c := ArenaConfig{NumBlocks: 4, BlockSizeTokens: 8, BytesPerBlock: 128, AllowHostOverflow: true, MaxHostBlocks: 2}
	out := c.ToArenaConfig()
	assert.Equal(t, 4, out.NumBlocks)
	assert.Equal(t, int64(8), out.BlockSizeTokens)
	assert.True(t, out.AllowHostOverflow)
}

func TestToSchedulerConfig_Converts(t *testing.T) {
	c := SchedulerConfig{MaxBatchTokens: 100, PriorityEnabled: true}
	out := c.ToSchedulerConfig()
	assert.Equal(t, int64(100), out.MaxBatchTokens)
	assert.True(t, out.PriorityEnabled)
}
